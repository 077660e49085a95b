package engine

import (
	"context"
	"fmt"

	"github.com/flowsend/engine/internal/app/domain/audit"
	"github.com/flowsend/engine/internal/app/domain/contact"
	"github.com/flowsend/engine/internal/app/domain/workflow"
)

// sweepStaleLeases resets contacts stuck in processing past the lease
// window back to active. Crash recovery for workers that died mid-step.
func (s *Service) sweepStaleLeases(ctx context.Context, wf workflow.Workflow) int {
	cutoff := s.now().Add(-staleLeaseAfter)
	released, err := s.contacts.ReleaseStaleContacts(ctx, wf.ID, cutoff)
	if err != nil {
		s.log.WithError(err).WithField("workflow_id", wf.ID).Error("stale lease sweep failed")
		return 0
	}
	if released > 0 {
		s.audit.record(ctx, wf.ID, "", audit.EventLeaseReleased, 0,
			fmt.Sprintf("released %d stale processing leases", released), nil)
	}
	return released
}

// claimDue selects due contacts earliest first and claims each with the
// compare-and-swap transition active -> processing. Contacts lost to a
// concurrent worker are skipped silently; the CAS is the only
// mutual-exclusion primitive in the system.
func (s *Service) claimDue(ctx context.Context, wf workflow.Workflow, batch int) []contact.Contact {
	now := s.now()
	due, err := s.contacts.ListDueContacts(ctx, wf.ID, now, batch)
	if err != nil {
		s.log.WithError(err).WithField("workflow_id", wf.ID).Error("list due contacts failed")
		return nil
	}

	claimed := make([]contact.Contact, 0, len(due))
	for _, ct := range due {
		ok, err := s.contacts.ClaimContact(ctx, ct.ID, now)
		if err != nil {
			s.log.WithError(err).WithField("contact_id", ct.ID).Warn("claim failed")
			continue
		}
		if !ok {
			continue
		}
		fresh, err := s.contacts.GetContact(ctx, ct.ID)
		if err != nil {
			s.log.WithError(err).WithField("contact_id", ct.ID).Warn("reload claimed contact failed")
			continue
		}
		claimed = append(claimed, fresh)
		s.audit.record(ctx, wf.ID, ct.ID, audit.EventClaimed, ct.CurrentStep, "claimed for processing", nil)
	}
	return claimed
}
