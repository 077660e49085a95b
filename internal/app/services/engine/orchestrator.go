package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/flowsend/engine/internal/app/domain/audit"
	"github.com/flowsend/engine/internal/app/domain/workflow"
	"github.com/flowsend/engine/pkg/logger"
)

// TickOptions tune one workflow tick.
type TickOptions struct {
	// Force runs the workflow regardless of status (manual run_now).
	Force bool
	// SkipEnroll claims and processes without enrolling new leads.
	SkipEnroll  bool
	BatchSize   int
	EnrollLimit int
}

// TickWorkflow performs one orchestrated pass over a single workflow:
// enroll matching leads, sweep stale leases, claim due contacts, run each
// through the interpreter, and persist the run summary.
func (s *Service) TickWorkflow(ctx context.Context, wf workflow.Workflow, opts TickOptions) (workflow.RunSummary, error) {
	started := time.Now()
	defer func() { s.metrics.TickDuration.Observe(time.Since(started).Seconds()) }()

	summary := workflow.RunSummary{RanAt: s.now()}

	if !opts.Force {
		switch wf.Status {
		case workflow.StatusDraft, workflow.StatusArchived:
			return summary, nil
		}
	}

	log := s.log.WithFields(logger.Fields{"workflow_id": wf.ID, "status": string(wf.Status)})

	batch := opts.BatchSize
	if batch <= 0 {
		batch = s.batchSize
	}
	enrollLimit := opts.EnrollLimit
	if enrollLimit <= 0 {
		enrollLimit = s.enrollLimit
	}

	if !opts.SkipEnroll && (wf.Status == workflow.StatusLive || opts.Force) {
		enrolled, err := s.enroll(ctx, wf, enrollLimit)
		if err != nil {
			log.WithError(err).Error("enrollment failed")
		}
		summary.Enrolled = enrolled
	}

	if released := s.sweepStaleLeases(ctx, wf); released > 0 {
		log.WithField("released", released).Warn("released stale processing leases")
	}

	// Pausing stops future claims; crash recovery above still runs.
	if wf.Status == workflow.StatusPaused && !opts.Force {
		return summary, nil
	}

	for _, ct := range s.claimDue(ctx, wf, batch) {
		summary.Processed++
		outcome, err := s.runContact(ctx, wf, ct)
		if err != nil {
			log.WithError(err).WithField("contact_id", ct.ID).Error("contact run failed")
			continue
		}
		s.metrics.observeOutcome(outcome)
		tally(&summary, outcome)
	}

	summary.RanAt = s.now()
	if err := s.workflows.RecordWorkflowRun(ctx, wf.ID, summary); err != nil {
		return summary, fmt.Errorf("record workflow run: %w", err)
	}

	log.WithFields(logger.Fields{
		"enrolled":  summary.Enrolled,
		"processed": summary.Processed,
		"sent":      summary.Sent,
		"completed": summary.Completed,
		"failed":    summary.Failed,
	}).Info("workflow tick finished")
	return summary, nil
}

// enroll creates enrollee contacts for leads matching the workflow trigger.
func (s *Service) enroll(ctx context.Context, wf workflow.Workflow, limit int) (int, error) {
	created, err := s.contacts.EnrollWorkflowContacts(ctx, wf, limit)
	if err != nil {
		return 0, fmt.Errorf("enroll contacts: %w", err)
	}
	for _, ct := range created {
		s.audit.record(ctx, wf.ID, ct.ID, audit.EventEnrolled, 0, "enrolled "+ct.Email, nil)
	}
	s.metrics.ContactsEnrolled.Add(float64(len(created)))
	return len(created), nil
}

func tally(summary *workflow.RunSummary, outcome Outcome) {
	switch outcome {
	case OutcomeSent:
		summary.Sent++
	case OutcomeWaiting, OutcomeRetry:
		summary.Waiting++
	case OutcomeCompleted:
		summary.Completed++
	case OutcomeFailed:
		summary.Failed++
	case OutcomeCreditBlocked:
		summary.CreditBlocked++
	}
}
