package engine

import "time"

// Outcome classifies the result of one node execution.
type Outcome string

const (
	// OutcomeAdvanced is a pure routing transition: the node pointer moved
	// and the interpreter may continue within the same claimed invocation.
	OutcomeAdvanced Outcome = "advanced"
	// OutcomeSent is a successful email delivery. The pointer advances and
	// the contact is handed back to the scheduler for immediate re-pickup.
	OutcomeSent Outcome = "sent"
	// OutcomeWaiting parks the contact until a future resume time.
	OutcomeWaiting Outcome = "waiting"
	// OutcomeRetry is a transient failure rescheduled with a kind-specific
	// backoff, pointer unchanged.
	OutcomeRetry Outcome = "retry"
	// OutcomeCompleted and OutcomeFailed are terminal.
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeCreditBlocked reschedules after a credit decline. Nothing was
	// sent and nothing was charged.
	OutcomeCreditBlocked Outcome = "credit_blocked"
)

// Result is what a node handler reports back to the interpreter.
type Result struct {
	Outcome Outcome
	// ResumeAt is the next due time for non-terminal stopping outcomes.
	// Zero means immediately.
	ResumeAt time.Time
	// Advance moves the node pointer along the outgoing edge selected by
	// Handle (empty selects the default edge).
	Advance bool
	Handle  string
	// Err carries failure detail persisted on the contact and written to
	// the audit log.
	Err error
}
