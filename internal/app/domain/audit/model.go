// Package audit defines the append-only engine event log.
package audit

import "time"

// Common event types emitted by the engine.
const (
	EventEnrolled      = "contact_enrolled"
	EventClaimed       = "contact_claimed"
	EventLeaseReleased = "lease_released"
	EventEmailSent     = "email_sent"
	EventWaitStarted   = "wait_started"
	EventBranchTaken   = "branch_taken"
	EventWebhookCalled = "webhook_called"
	EventCompleted     = "contact_completed"
	EventFailed        = "contact_failed"
	EventRetryQueued   = "retry_queued"
	EventCreditBlocked = "credit_blocked"
)

// Entry is one append-only audit record. The engine never mutates or
// deletes entries.
type Entry struct {
	ID         string
	WorkflowID string
	ContactID  string
	EventType  string
	StepIndex  int
	Message    string
	Metadata   map[string]string
	CreatedAt  time.Time
}
