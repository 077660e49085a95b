// Package billing defines the credit ledger entries metering email sends.
package billing

import (
	"errors"
	"time"
)

// ErrInsufficientCredits is returned when a debit would take a balance
// below zero.
var ErrInsufficientCredits = errors.New("insufficient credits")

// EntryKind is the ledger operation type.
type EntryKind string

const (
	EntryDebit  EntryKind = "debit"
	EntryRefund EntryKind = "refund"
)

// Entry is one row of the append-only credit ledger. Reference is the
// idempotency key: at most one debit and one refund may exist per reference.
type Entry struct {
	ID        string
	UserID    string
	Kind      EntryKind
	Amount    int64
	Reference string
	CreatedAt time.Time
}
