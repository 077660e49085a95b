package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/flowsend/engine/internal/app/domain/mail"
)

// DefaultSendTimeout bounds one SMTP delivery end to end.
const DefaultSendTimeout = 30 * time.Second

// OutgoingEmail is a fully rendered message ready for delivery.
type OutgoingEmail struct {
	To        string
	Subject   string
	HTMLBody  string
	MessageID string
	// InReplyTo and References chain the message into an existing thread
	// when the sender has thread replies enabled.
	InReplyTo  string
	References []string
}

// Transport delivers rendered messages through a sender's account.
//
// Delivery is not idempotent: a transient failure reported after the
// provider accepted the message can duplicate a send on retry. Inherited
// behavior, kept visible rather than papered over.
type Transport interface {
	Send(ctx context.Context, sender mail.SenderConfig, msg OutgoingEmail) error
}

// SMTPTransport delivers via the sender's own SMTP server.
type SMTPTransport struct {
	timeout time.Duration
}

var _ Transport = (*SMTPTransport)(nil)

// NewSMTPTransport creates a transport with the given per-send timeout
// (DefaultSendTimeout when zero).
func NewSMTPTransport(timeout time.Duration) *SMTPTransport {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &SMTPTransport{timeout: timeout}
}

// Send delivers one message. The connection carries an absolute deadline so
// a hung server cannot occupy a worker beyond the timeout.
func (t *SMTPTransport) Send(ctx context.Context, sender mail.SenderConfig, msg OutgoingEmail) error {
	addr := fmt.Sprintf("%s:%d", sender.Host, sender.Port)

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return fmt.Errorf("set smtp deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, sender.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: sender.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if sender.Username != "" {
		auth := smtp.PlainAuth("", sender.Username, sender.Password, sender.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(sender.FromEmail); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(buildRFC822(sender, msg)); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return client.Quit()
}

func buildRFC822(sender mail.SenderConfig, msg OutgoingEmail) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\r\n", sender.FromName, sender.FromEmail)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	if msg.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: <%s>\r\n", msg.MessageID)
	}
	if msg.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: <%s>\r\n", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		refs := make([]string, 0, len(msg.References))
		for _, ref := range msg.References {
			refs = append(refs, "<"+ref+">")
		}
		fmt.Fprintf(&b, "References: %s\r\n", strings.Join(refs, " "))
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTMLBody)
	b.WriteString("\r\n")
	return []byte(b.String())
}
