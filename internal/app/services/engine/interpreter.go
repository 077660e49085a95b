package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowsend/engine/internal/app/domain/audit"
	"github.com/flowsend/engine/internal/app/domain/contact"
	"github.com/flowsend/engine/internal/app/domain/workflow"
)

// runContact drives one claimed contact through up to maxTransitions node
// executions. Each transition is persisted in the same write as its side
// effects, so an email send and the pointer advance land together. Returns
// the final stopping outcome.
func (s *Service) runContact(ctx context.Context, wf workflow.Workflow, ct contact.Contact) (Outcome, error) {
	g := normalizeGraph(wf)

	for i := 0; i < maxTransitions; i++ {
		node, short := s.currentNode(g, wf, &ct)
		var res Result
		if short != nil {
			res = *short
		} else {
			res = s.dispatch(ctx, wf, &ct, node)
		}

		s.applyResult(g, &ct, node, res)
		if err := s.persist(ctx, &ct); err != nil {
			return res.Outcome, fmt.Errorf("persist contact %s: %w", ct.ID, err)
		}
		s.recordOutcome(ctx, wf, ct, node, res)

		if res.Outcome != OutcomeAdvanced {
			return res.Outcome, nil
		}
	}

	// Transition cap reached: release the claim and let the scheduler pick
	// the contact up again immediately.
	now := s.now()
	ct.Status = contact.StatusActive
	ct.NextRunAt = &now
	ct.ProcessingStartedAt = nil
	if err := s.persist(ctx, &ct); err != nil {
		return OutcomeAdvanced, fmt.Errorf("persist contact %s: %w", ct.ID, err)
	}
	return OutcomeAdvanced, nil
}

// currentNode resolves the node to execute: the stored pointer when valid,
// the trigger on first run or an invalid pointer, or the legacy step list
// when no graph exists. A non-nil Result short-circuits dispatch.
func (s *Service) currentNode(g *execGraph, wf workflow.Workflow, ct *contact.Contact) (workflow.Node, *Result) {
	if g != nil {
		if id := ct.State.CurrentNodeID; id != "" {
			if n, ok := g.node(id); ok {
				return n, nil
			}
		}
		if t, ok := g.entry(); ok {
			return t, nil
		}
		return workflow.Node{}, &Result{
			Outcome: OutcomeFailed,
			Err:     errors.New("workflow graph has no trigger node"),
		}
	}

	// Legacy linear mode: current_step doubles as the pointer.
	if ct.CurrentStep >= len(wf.Steps) {
		return workflow.Node{}, &Result{Outcome: OutcomeCompleted}
	}
	return legacyNode(ct.CurrentStep, wf.Steps[ct.CurrentStep]), nil
}

// dispatch routes one node to its handler. The switch is exhaustive over
// the closed kind set; anything else is a structural failure.
func (s *Service) dispatch(ctx context.Context, wf workflow.Workflow, ct *contact.Contact, node workflow.Node) Result {
	switch node.Kind {
	case workflow.KindTrigger:
		return Result{Outcome: OutcomeAdvanced, Advance: true}
	case workflow.KindSendEmail:
		return s.runSendEmail(ctx, wf, ct, node)
	case workflow.KindWait:
		return s.runWait(ct, node)
	case workflow.KindCondition:
		return s.runCondition(ctx, ct, node)
	case workflow.KindWebhook:
		return s.runWebhook(ctx, wf, ct, node)
	case workflow.KindExit:
		return Result{Outcome: OutcomeCompleted}
	}
	return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("unsupported node kind %q", node.Kind)}
}

// applyResult folds a handler result into the contact: pointer advance,
// step counter, status and due time. The caller persists.
func (s *Service) applyResult(g *execGraph, ct *contact.Contact, node workflow.Node, res Result) {
	now := s.now()

	if res.Advance && g != nil {
		if next, ok := g.next(node.ID, res.Handle); ok {
			ct.State.CurrentNodeID = next.ID
		}
	}
	if node.Kind.Valid() && node.Kind != workflow.KindTrigger {
		switch res.Outcome {
		case OutcomeAdvanced, OutcomeSent, OutcomeCompleted:
			ct.CurrentStep++
		}
	}

	switch res.Outcome {
	case OutcomeAdvanced:
		// The loop continues under the same claim.
		ct.Status = contact.StatusProcessing
		ct.LastError = ""
	case OutcomeSent:
		ct.Status = contact.StatusActive
		ct.NextRunAt = &now
		ct.ProcessingStartedAt = nil
		ct.LastError = ""
	case OutcomeWaiting:
		resume := res.ResumeAt
		ct.Status = contact.StatusActive
		ct.NextRunAt = &resume
		ct.ProcessingStartedAt = nil
		ct.LastError = ""
	case OutcomeRetry, OutcomeCreditBlocked:
		resume := res.ResumeAt
		ct.Status = contact.StatusActive
		ct.NextRunAt = &resume
		ct.ProcessingStartedAt = nil
		if res.Err != nil {
			ct.LastError = res.Err.Error()
		}
	case OutcomeCompleted:
		ct.Status = contact.StatusCompleted
		ct.NextRunAt = nil
		ct.ProcessingStartedAt = nil
		ct.LastError = ""
	case OutcomeFailed:
		ct.Status = contact.StatusFailed
		ct.NextRunAt = nil
		ct.ProcessingStartedAt = nil
		if res.Err != nil {
			ct.LastError = res.Err.Error()
		}
	}
}

func (s *Service) persist(ctx context.Context, ct *contact.Contact) error {
	updated, err := s.contacts.UpdateContact(ctx, *ct)
	if err != nil {
		return err
	}
	*ct = updated
	return nil
}

// recordOutcome emits the audit event for one transition.
func (s *Service) recordOutcome(ctx context.Context, wf workflow.Workflow, ct contact.Contact, node workflow.Node, res Result) {
	event, msg := outcomeEvent(node, res)
	if event == "" {
		return
	}
	meta := map[string]string{"node_id": node.ID, "node_kind": string(node.Kind)}
	if res.Handle != "" {
		meta["handle"] = res.Handle
	}
	s.audit.record(ctx, wf.ID, ct.ID, event, ct.CurrentStep, msg, meta)
}

func outcomeEvent(node workflow.Node, res Result) (string, string) {
	switch res.Outcome {
	case OutcomeSent:
		return audit.EventEmailSent, "email sent"
	case OutcomeWaiting:
		return audit.EventWaitStarted, "waiting until " + res.ResumeAt.UTC().Format(time.RFC3339)
	case OutcomeRetry:
		msg := "retry queued"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		return audit.EventRetryQueued, msg
	case OutcomeCreditBlocked:
		return audit.EventCreditBlocked, "insufficient credits"
	case OutcomeCompleted:
		return audit.EventCompleted, "workflow completed"
	case OutcomeFailed:
		msg := "failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		return audit.EventFailed, msg
	case OutcomeAdvanced:
		switch node.Kind {
		case workflow.KindCondition:
			handle := res.Handle
			if handle == "" {
				handle = "else"
			}
			return audit.EventBranchTaken, "branch " + handle
		case workflow.KindWebhook:
			return audit.EventWebhookCalled, "webhook succeeded"
		}
	}
	return "", ""
}
