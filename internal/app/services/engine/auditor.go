package engine

import (
	"context"

	"github.com/flowsend/engine/internal/app/domain/audit"
	"github.com/flowsend/engine/internal/app/storage"
	"github.com/flowsend/engine/pkg/logger"
)

// auditor writes engine events to the append-only log. Append failures are
// logged and swallowed; an audit problem must never abort a workflow step.
type auditor struct {
	store storage.AuditStore
	log   *logger.Logger
}

func (a *auditor) record(ctx context.Context, workflowID, contactID, eventType string, stepIndex int, message string, metadata map[string]string) {
	if a.store == nil {
		return
	}
	entry := audit.Entry{
		WorkflowID: workflowID,
		ContactID:  contactID,
		EventType:  eventType,
		StepIndex:  stepIndex,
		Message:    message,
		Metadata:   metadata,
	}
	if _, err := a.store.AppendAudit(ctx, entry); err != nil {
		a.log.WithError(err).WithField("event_type", eventType).Warn("audit append failed")
	}
}
