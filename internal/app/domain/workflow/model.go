// Package workflow defines user-authored automation definitions: a directed
// graph of nodes a contact is advanced through.
package workflow

import "time"

// Status describes the lifecycle state of a workflow definition.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusLive     Status = "live"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
)

// NodeKind is the closed set of executable node kinds.
type NodeKind string

const (
	KindTrigger   NodeKind = "trigger"
	KindSendEmail NodeKind = "send_email"
	KindWait      NodeKind = "wait"
	KindCondition NodeKind = "condition"
	KindWebhook   NodeKind = "webhook"
	KindExit      NodeKind = "exit"
)

// Valid reports whether the kind is a member of the closed set.
func (k NodeKind) Valid() bool {
	switch k {
	case KindTrigger, KindSendEmail, KindWait, KindCondition, KindWebhook, KindExit:
		return true
	}
	return false
}

// Node is one unit of work in the graph. Config is keyed by kind and is
// immutable at runtime.
type Node struct {
	ID     string         `json:"id"`
	Kind   NodeKind       `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

// ConfigString returns a string config value, or "" when absent.
func (n Node) ConfigString(key string) string {
	if s, ok := n.Config[key].(string); ok {
		return s
	}
	return ""
}

// ConfigInt returns an integer config value, or 0 when absent. JSON decoding
// produces float64, so both numeric shapes are accepted.
func (n Node) ConfigInt(key string) int {
	switch v := n.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// ConfigBool returns a boolean config value, or false when absent.
func (n Node) ConfigBool(key string) bool {
	if b, ok := n.Config[key].(bool); ok {
		return b
	}
	return false
}

// Edge connects a source node to a target node. Handle selects the branch
// on condition nodes ("if", "else_if_1", ..., "else"); non-branching nodes
// use the default (empty) handle.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Handle string `json:"handle,omitempty"`
}

// Step is one entry of the legacy ordered step list used by workflows
// created before the graph editor existed.
type Step struct {
	Kind   NodeKind       `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

// Trigger describes which leads a workflow enrolls.
type Trigger struct {
	// Type is "all" (every lead of the owner) or "tag" (leads carrying Tag).
	Type string `json:"type"`
	Tag  string `json:"tag,omitempty"`
}

// RunSummary aggregates the counters of one orchestrator tick.
type RunSummary struct {
	Enrolled      int       `json:"enrolled"`
	Processed     int       `json:"processed"`
	Sent          int       `json:"sent"`
	Waiting       int       `json:"waiting"`
	Completed     int       `json:"completed"`
	Failed        int       `json:"failed"`
	CreditBlocked int       `json:"credit_blocked"`
	RanAt         time.Time `json:"ran_at"`
}

// Workflow is a user-authored automation definition. Status and the
// definition are mutated only by the UI; LastRunAt and LastRun only by the
// orchestrator.
type Workflow struct {
	ID        string
	UserID    string
	Name      string
	Status    Status
	Trigger   Trigger
	Nodes     []Node
	Edges     []Edge
	Steps     []Step
	LastRunAt time.Time
	LastRun   *RunSummary
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasGraph reports whether the workflow carries a node/edge definition (as
// opposed to only a legacy step list).
func (w Workflow) HasGraph() bool {
	return len(w.Nodes) > 0
}
