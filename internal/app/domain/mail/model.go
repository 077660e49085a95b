// Package mail defines sender configurations, templates and the durable
// outbound/inbound message log.
package mail

import "time"

// SenderConfig is a per-user SMTP sending identity.
type SenderConfig struct {
	ID        string
	UserID    string
	FromName  string
	FromEmail string

	Host     string
	Port     int
	Username string
	Password string

	// ThreadReplies chains outgoing mail for one contact into a single
	// thread via In-Reply-To/References headers.
	ThreadReplies bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Template is a reusable subject/body pair referenced by send_email nodes.
type Template struct {
	ID      string
	UserID  string
	Name    string
	Subject string
	Body    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Direction distinguishes engine-sent mail from mail written by the
// inbox-sync collaborator.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Message is one durable entry of the message log.
type Message struct {
	ID         string
	UserID     string
	WorkflowID string
	ContactID  string
	NodeID     string
	Direction  Direction

	Subject   string
	Body      string
	MessageID string
	InReplyTo string

	SentAt    time.Time
	CreatedAt time.Time
}
