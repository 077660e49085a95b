// Package contact defines workflow enrollees and the leads they are
// enrolled from.
package contact

import (
	"strings"
	"time"
)

// Status describes the execution state of an enrollee. Exactly one status
// holds at a time; completed and failed are terminal.
type Status string

const (
	StatusActive     Status = "active"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further tick may touch the contact.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Contact is one recipient's independent execution instance of a workflow.
type Contact struct {
	ID         string
	WorkflowID string
	UserID     string

	Email    string
	FullName string
	Company  string
	JobTitle string

	Status      Status
	CurrentStep int
	// NextRunAt is the due time polled by the scheduler; nil means the
	// contact is not scheduled.
	NextRunAt *time.Time
	// ProcessingStartedAt is the claim lease; stale leases are swept back
	// to active.
	ProcessingStartedAt *time.Time
	LastError           string
	State               State

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FirstName is the first space-separated part of FullName.
func (c Contact) FirstName() string {
	name := strings.TrimSpace(c.FullName)
	if name == "" {
		return ""
	}
	return strings.Fields(name)[0]
}

// LastName is everything after the first space-separated part of FullName.
func (c Contact) LastName() string {
	fields := strings.Fields(strings.TrimSpace(c.FullName))
	if len(fields) < 2 {
		return ""
	}
	return strings.Join(fields[1:], " ")
}

// Lead is an entry of the owner's contact book. Enrollment turns matching
// leads into workflow Contacts.
type Lead struct {
	ID       string
	UserID   string
	Email    string
	FullName string
	Company  string
	JobTitle string
	Tags     []string
	Props    map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasTag reports whether the lead carries the tag (case-insensitive).
func (l Lead) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
