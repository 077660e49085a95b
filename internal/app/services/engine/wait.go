package engine

import (
	"strings"
	"time"

	"github.com/flowsend/engine/internal/app/domain/contact"
	"github.com/flowsend/engine/internal/app/domain/workflow"
)

// runWait parks the contact until the node's resume target. The target is
// computed once on first visit and keyed by node id, so re-claims and
// premature polls observe the same deadline.
func (s *Service) runWait(ct *contact.Contact, node workflow.Node) Result {
	now := s.now()

	target, started := ct.State.WaitUntil[node.ID]
	if !started {
		target = now.Add(waitDuration(node))
		if ct.State.WaitUntil == nil {
			ct.State.WaitUntil = make(map[string]time.Time)
		}
		ct.State.WaitUntil[node.ID] = target
		return Result{Outcome: OutcomeWaiting, ResumeAt: target}
	}
	if now.Before(target) {
		return Result{Outcome: OutcomeWaiting, ResumeAt: target}
	}

	delete(ct.State.WaitUntil, node.ID)
	return Result{Outcome: OutcomeAdvanced, Advance: true}
}

// waitDuration is duration * unit, defaulting to 60 minutes.
func waitDuration(node workflow.Node) time.Duration {
	d := node.ConfigInt("duration")
	if d <= 0 {
		return 60 * time.Minute
	}
	switch strings.ToLower(node.ConfigString("unit")) {
	case "hour", "hours":
		return time.Duration(d) * time.Hour
	case "day", "days":
		return time.Duration(d) * 24 * time.Hour
	default:
		return time.Duration(d) * time.Minute
	}
}
