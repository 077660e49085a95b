package mailer

import (
	"html"
	"strings"
)

// looksLikeHTML reports whether the body already carries markup.
func looksLikeHTML(body string) bool {
	lower := strings.ToLower(body)
	for _, tag := range []string{"<html", "<body", "<p", "<div", "<br", "<table"} {
		if strings.Contains(lower, tag) {
			return true
		}
	}
	return false
}

// EnsureHTML converts a plain-text body into HTML paragraphs. Bodies that
// already contain markup pass through unchanged.
func EnsureHTML(body string) string {
	if body == "" || looksLikeHTML(body) {
		return body
	}

	paragraphs := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n")
	var b strings.Builder
	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}
