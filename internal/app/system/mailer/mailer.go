// internal/app/system/mailer/mailer.go
package mailer

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"

	"go.uber.org/zap"
)

// Sender delivers an email. Mailer sends over SMTP; LogSender only logs,
// for development setups without an SMTP server.
type Sender interface {
	Send(email Email) error
}

// Email is one outgoing message. HTMLBody is optional.
type Email struct {
	To       string
	Subject  string
	TextBody string
	HTMLBody string
}

// Config holds SMTP settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Pass     string
	From     string
	FromName string
}

// Mailer sends emails via SMTP.
type Mailer struct {
	cfg  Config
	from mail.Address
	log  *zap.Logger
}

// New creates a Mailer. Auth is only attempted when both User and Pass are
// set, which suits local catchers such as Mailpit.
func New(cfg Config, log *zap.Logger) *Mailer {
	return &Mailer{
		cfg:  cfg,
		from: mail.Address{Name: cfg.FromName, Address: cfg.From},
		log:  log,
	}
}

// Send delivers email. The OTP flow treats any error as "code not sent".
func (m *Mailer) Send(email Email) error {
	msg, err := buildMessage(m.from, email)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.User != "" && m.cfg.Pass != "" {
		auth = smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))

	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{email.To}, msg); err != nil {
		m.log.Error("failed to send email",
			zap.String("to", email.To),
			zap.String("subject", email.Subject),
			zap.Error(err))
		return fmt.Errorf("send email: %w", err)
	}

	m.log.Info("email sent", zap.String("to", email.To), zap.String("subject", email.Subject))
	return nil
}

// buildMessage renders headers and body. Subjects are Q-encoded so
// non-ASCII app names survive; with an HTML body the message becomes
// multipart/alternative.
func buildMessage(from mail.Address, email Email) ([]byte, error) {
	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }

	header("From", from.String())
	header("To", email.To)
	header("Subject", mime.QEncoding.Encode("utf-8", email.Subject))
	header("MIME-Version", "1.0")

	if email.HTMLBody == "" {
		header("Content-Type", "text/plain; charset=UTF-8")
		buf.WriteString("\r\n")
		buf.WriteString(email.TextBody)
		return buf.Bytes(), nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, part := range []struct{ ctype, content string }{
		{"text/plain; charset=UTF-8", email.TextBody},
		{"text/html; charset=UTF-8", email.HTMLBody},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.ctype}})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(part.content)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	header("Content-Type", "multipart/alternative; boundary="+strconv.Quote(mw.Boundary()))
	buf.WriteString("\r\n")
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

// LogSender logs emails instead of sending them.
type LogSender struct {
	Log *zap.Logger
}

// Send logs the recipient and subject. The body is logged at Debug so
// verification codes are visible in development.
func (l LogSender) Send(email Email) error {
	l.Log.Info("email not sent (no SMTP host configured)",
		zap.String("to", email.To),
		zap.String("subject", email.Subject))
	l.Log.Debug("email body", zap.String("to", email.To), zap.String("text", email.TextBody))
	return nil
}
