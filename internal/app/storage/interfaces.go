package storage

import (
	"context"
	"time"

	"github.com/flowsend/engine/internal/app/domain/audit"
	"github.com/flowsend/engine/internal/app/domain/contact"
	"github.com/flowsend/engine/internal/app/domain/mail"
	"github.com/flowsend/engine/internal/app/domain/workflow"
)

// WorkflowStore persists workflow definitions and run summaries.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf workflow.Workflow) (workflow.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf workflow.Workflow) (workflow.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (workflow.Workflow, error)
	ListWorkflows(ctx context.Context, userID string) ([]workflow.Workflow, error)
	ListWorkflowsByStatus(ctx context.Context, statuses ...workflow.Status) ([]workflow.Workflow, error)
	// RecordWorkflowRun persists last_run_at plus the run summary without
	// touching the definition.
	RecordWorkflowRun(ctx context.Context, id string, summary workflow.RunSummary) error
}

// ContactStore persists enrollees and implements the claim protocol.
type ContactStore interface {
	CreateContact(ctx context.Context, ct contact.Contact) (contact.Contact, error)
	UpdateContact(ctx context.Context, ct contact.Contact) (contact.Contact, error)
	GetContact(ctx context.Context, id string) (contact.Contact, error)
	ListContacts(ctx context.Context, workflowID string) ([]contact.Contact, error)

	// ListDueContacts returns up to limit contacts with status=active and
	// next_run_at <= now, earliest due first.
	ListDueContacts(ctx context.Context, workflowID string, now time.Time, limit int) ([]contact.Contact, error)
	// ClaimContact performs the compare-and-swap active -> processing. It
	// reports false when another worker holds the contact. This is the only
	// mutual-exclusion primitive in the system.
	ClaimContact(ctx context.Context, id string, now time.Time) (bool, error)
	// ReleaseStaleContacts resets contacts stuck in processing with a lease
	// older than cutoff back to active, returning how many were released.
	ReleaseStaleContacts(ctx context.Context, workflowID string, cutoff time.Time) (int, error)
	// EnrollWorkflowContacts atomically creates enrollees for leads matching
	// the workflow trigger that are not already enrolled, up to limit.
	EnrollWorkflowContacts(ctx context.Context, wf workflow.Workflow, limit int) ([]contact.Contact, error)
}

// LeadStore persists the owner's contact book.
type LeadStore interface {
	CreateLead(ctx context.Context, ld contact.Lead) (contact.Lead, error)
	GetLead(ctx context.Context, id string) (contact.Lead, error)
	ListLeads(ctx context.Context, userID string) ([]contact.Lead, error)
}

// SenderStore persists per-user SMTP sender configurations.
type SenderStore interface {
	CreateSenderConfig(ctx context.Context, cfg mail.SenderConfig) (mail.SenderConfig, error)
	GetSenderConfig(ctx context.Context, userID string) (mail.SenderConfig, error)
}

// TemplateStore persists email templates.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, tpl mail.Template) (mail.Template, error)
	GetTemplate(ctx context.Context, id string) (mail.Template, error)
}

// MessageStore persists the durable message log.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg mail.Message) (mail.Message, error)
	ListMessages(ctx context.Context, contactID string) ([]mail.Message, error)
	// HasInboundSince reports whether an inbound message for the contact
	// exists at or after since. Backs the has_replied condition signal.
	HasInboundSince(ctx context.Context, contactID string, since time.Time) (bool, error)
}

// CreditLedger provides the atomic metered-balance operations. Consume and
// Refund are idempotent per reference: a replay with the same reference is
// a no-op, never a double charge.
type CreditLedger interface {
	GrantCredits(ctx context.Context, userID string, amount int64) error
	ConsumeCredits(ctx context.Context, userID string, amount int64, reference string) error
	RefundCredits(ctx context.Context, userID string, amount int64, reference string) error
	CreditBalance(ctx context.Context, userID string) (int64, error)
}

// AuditStore persists the append-only engine event log.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error)
	ListAudit(ctx context.Context, workflowID string, limit int) ([]audit.Entry, error)
}
