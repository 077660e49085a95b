package mailer

import (
	"strings"
	"testing"

	"github.com/flowsend/engine/internal/app/domain/contact"
	"github.com/flowsend/engine/internal/app/domain/mail"
)

func TestPersonalize(t *testing.T) {
	ct := contact.Contact{
		Email:    "jane@acme.com",
		FullName: "Jane Doe",
		Company:  "Acme",
		JobTitle: "CTO",
	}
	sender := mail.SenderConfig{FromName: "Sam Seller", FromEmail: "sam@flowsend.io"}

	got := Personalize("Hi {first_name}, from {company}", ct, sender)
	if got != "Hi Jane, from Acme" {
		t.Fatalf("unexpected render: %q", got)
	}

	got = Personalize("{name} / {last_name} / {email} / {job_title}", ct, sender)
	if got != "Jane Doe / Doe / jane@acme.com / CTO" {
		t.Fatalf("unexpected render: %q", got)
	}

	got = Personalize("by {sender_name} <{sender_email}>", ct, sender)
	if got != "by Sam Seller <sam@flowsend.io>" {
		t.Fatalf("unexpected render: %q", got)
	}

	// Unknown tokens render empty, not literal.
	got = Personalize("x{missing}y", ct, sender)
	if got != "xy" {
		t.Fatalf("unknown token should render empty, got %q", got)
	}
}

func TestPersonalizeCustomProps(t *testing.T) {
	ct := contact.Contact{
		FullName: "Jane Doe",
		State:    contact.State{Props: map[string]string{"plan": "growth"}},
	}
	got := Personalize("You are on {plan}", ct, mail.SenderConfig{})
	if got != "You are on growth" {
		t.Fatalf("custom prop not rendered: %q", got)
	}
}

func TestEnsureHTML(t *testing.T) {
	got := EnsureHTML("Hello there.\n\nSecond paragraph.")
	if got != "<p>Hello there.</p><p>Second paragraph.</p>" {
		t.Fatalf("unexpected conversion: %q", got)
	}

	// Already-HTML bodies pass through untouched.
	html := "<p>Kept as-is & verbatim</p>"
	if EnsureHTML(html) != html {
		t.Fatalf("html body should pass through")
	}

	// Plain text is escaped.
	got = EnsureHTML("a < b & c")
	if !strings.Contains(got, "a &lt; b &amp; c") {
		t.Fatalf("plain text should be escaped, got %q", got)
	}
}
