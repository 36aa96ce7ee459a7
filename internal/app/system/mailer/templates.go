package mailer

import (
	"bytes"
	htmltemplate "html/template"
	"math"
	texttemplate "text/template"
	"time"
)

// CodeEmailData fills the one-time code message.
type CodeEmailData struct {
	AppName   string
	Recipient string // greeting name; may be empty
	Code      string
	ValidFor  time.Duration
}

// Minutes is ValidFor rounded up to whole minutes, at least one.
func (d CodeEmailData) Minutes() int {
	return max(1, int(math.Ceil(d.ValidFor.Minutes())))
}

// CodeEmail renders the one-time code message as plain text and HTML.
// HTML is empty if its template fails; the text part is always usable.
func CodeEmail(d CodeEmailData) (text, html string) {
	var tb, hb bytes.Buffer
	_ = codeText.Execute(&tb, d)
	if err := codeHTML.Execute(&hb, d); err != nil {
		return tb.String(), ""
	}
	return tb.String(), hb.String()
}

var codeText = texttemplate.Must(texttemplate.New("code.txt").Parse(
	`Hello{{with .Recipient}} {{.}}{{end}},

Your {{.AppName}} verification code is: {{.Code}}

It expires in {{.Minutes}} minutes. If you did not ask for a code, ignore this message.
`))

var codeHTML = htmltemplate.Must(htmltemplate.New("code.html").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.AppName}} verification code</title></head>
<body style="margin:0;padding:24px;background:#f3f4f6;font-family:Arial,Helvetica,sans-serif;color:#1f2937;">
  <div style="max-width:440px;margin:0 auto;background:#fff;border-radius:6px;padding:28px;">
    <h2 style="margin:0 0 16px;font-size:20px;">{{.AppName}}</h2>
    <p style="margin:0 0 12px;">Hello{{with .Recipient}} {{.}}{{end}},</p>
    <p style="margin:0 0 20px;">Use this code to confirm your email address:</p>
    <p style="margin:0 0 20px;text-align:center;font-size:30px;font-weight:bold;letter-spacing:6px;">{{.Code}}</p>
    <p style="margin:0;font-size:13px;color:#6b7280;">It expires in {{.Minutes}} minutes. If you did not ask for a code, ignore this message.</p>
  </div>
</body>
</html>
`))
