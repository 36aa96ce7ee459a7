// Package htmlsanitize cleans announcement content before it is stored.
// Announcements are rendered as HTML by the web client, so anything that
// reaches the database must already be safe.
package htmlsanitize

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// richPolicy is the shared policy for announcement bodies.
	richPolicy *bluemonday.Policy
	// plainPolicy removes all markup (titles).
	plainPolicy *bluemonday.Policy
	policyOnce  sync.Once
)

func policies() (*bluemonday.Policy, *bluemonday.Policy) {
	policyOnce.Do(func() {
		// Start with UGC (User Generated Content) policy as base
		richPolicy = bluemonday.UGCPolicy()

		// Allow common text formatting
		richPolicy.AllowElements("u", "s", "sub", "sup", "mark")

		// Links open in a new tab from the announcement board
		richPolicy.AddTargetBlankToFullyQualifiedLinks(true)
		richPolicy.RequireNoFollowOnLinks(true)

		plainPolicy = bluemonday.StrictPolicy()
	})
	return richPolicy, plainPolicy
}

// Sanitize cleans HTML input, removing potentially dangerous elements and attributes.
// It preserves safe formatting like bold, italic, lists and links.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}
	rich, _ := policies()
	return rich.Sanitize(s)
}

// stripRounds bounds how many layers of entity-encoded markup StripTags
// unwraps.
const stripRounds = 4

// StripTags removes all markup and returns unescaped text. Unescaping can
// surface markup that was entity-encoded in the input, so it repeats until
// the text is stable; text that never settles is returned escaped.
func StripTags(s string) string {
	if s == "" {
		return ""
	}
	_, plain := policies()
	for range stripRounds {
		next := html.UnescapeString(plain.Sanitize(s))
		if next == s {
			return strings.TrimSpace(s)
		}
		s = next
	}
	return strings.TrimSpace(plain.Sanitize(s))
}

// IsPlainText checks if content appears to be plain text (no HTML tags).
func IsPlainText(content string) bool {
	if content == "" {
		return true
	}
	return !strings.Contains(content, "<") || !strings.Contains(content, ">")
}

// PlainTextToHTML escapes text, turns newlines into <br> and wraps the
// result in a paragraph.
func PlainTextToHTML(text string) string {
	if text == "" {
		return ""
	}
	escaped := html.EscapeString(text)
	escaped = strings.ReplaceAll(escaped, "\r\n", "\n")
	escaped = strings.ReplaceAll(escaped, "\n", "<br>")
	return "<p>" + escaped + "</p>"
}

// Content prepares announcement content for storage. Plain text is
// converted to HTML first; either way the result is sanitized.
func Content(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}
	if IsPlainText(content) {
		return Sanitize(PlainTextToHTML(content))
	}
	return Sanitize(content)
}
