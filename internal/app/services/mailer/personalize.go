// Package mailer renders and delivers workflow email.
package mailer

import (
	"regexp"
	"strings"

	"github.com/flowsend/engine/internal/app/domain/contact"
	"github.com/flowsend/engine/internal/app/domain/mail"
)

var tokenPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Personalize substitutes {token} placeholders with contact and sender
// values. Unknown tokens render as the empty string, never literally.
func Personalize(text string, ct contact.Contact, sender mail.SenderConfig) string {
	if text == "" {
		return ""
	}
	return tokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		token := strings.ToLower(match[1 : len(match)-1])
		switch token {
		case "first_name":
			return ct.FirstName()
		case "last_name":
			return ct.LastName()
		case "name":
			return strings.TrimSpace(ct.FullName)
		case "email":
			return ct.Email
		case "company":
			return ct.Company
		case "job_title":
			return ct.JobTitle
		case "sender_name":
			return sender.FromName
		case "sender_email":
			return sender.FromEmail
		}
		if v, ok := ct.State.Props[token]; ok {
			return v
		}
		return ""
	})
}
