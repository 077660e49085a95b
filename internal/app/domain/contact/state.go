package contact

import (
	"encoding/json"
	"strings"
	"time"
)

// State is the open per-contact JSON bag carried between node executions.
// The named fields are the engine's reserved keys; anything else written by
// other components round-trips through Extra untouched.
type State struct {
	// CurrentNodeID is the graph pointer persisted between invocations.
	CurrentNodeID string
	// LastMessageID and ThreadIDs chain outgoing mail into one thread
	// (In-Reply-To / References headers).
	LastMessageID string
	ThreadIDs     []string
	// WaitUntil holds resume targets keyed by wait-node id.
	WaitUntil map[string]time.Time

	LastSentAt  time.Time
	LastReplyAt time.Time
	ClickedAt   time.Time

	Tags   []string
	Events []string
	Props  map[string]string

	// WebhookPreview holds truncated request/response previews keyed by
	// webhook-node id. Observability only, never control flow.
	WebhookPreview map[string]string

	// Extra is the pass-through area for keys the engine does not own.
	Extra map[string]json.RawMessage
}

// stateJSON is the wire shape of the reserved keys.
type stateJSON struct {
	CurrentNodeID  string               `json:"current_node_id,omitempty"`
	LastMessageID  string               `json:"last_message_id,omitempty"`
	ThreadIDs      []string             `json:"thread_ids,omitempty"`
	WaitUntil      map[string]time.Time `json:"wait_until,omitempty"`
	LastSentAt     *time.Time           `json:"last_sent_at,omitempty"`
	LastReplyAt    *time.Time           `json:"last_reply_at,omitempty"`
	ClickedAt      *time.Time           `json:"clicked_at,omitempty"`
	Tags           []string             `json:"tags,omitempty"`
	Events         []string             `json:"events,omitempty"`
	Props          map[string]string    `json:"props,omitempty"`
	WebhookPreview map[string]string    `json:"webhook_preview,omitempty"`
}

var reservedStateKeys = map[string]bool{
	"current_node_id": true,
	"last_message_id": true,
	"thread_ids":      true,
	"wait_until":      true,
	"last_sent_at":    true,
	"last_reply_at":   true,
	"clicked_at":      true,
	"tags":            true,
	"events":          true,
	"props":           true,
	"webhook_preview": true,
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t
	return &u
}

// MarshalJSON writes the reserved keys and merges Extra back in. Reserved
// keys always win over Extra.
func (s State) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(stateJSON{
		CurrentNodeID:  s.CurrentNodeID,
		LastMessageID:  s.LastMessageID,
		ThreadIDs:      s.ThreadIDs,
		WaitUntil:      s.WaitUntil,
		LastSentAt:     optTime(s.LastSentAt),
		LastReplyAt:    optTime(s.LastReplyAt),
		ClickedAt:      optTime(s.ClickedAt),
		Tags:           s.Tags,
		Events:         s.Events,
		Props:          s.Props,
		WebhookPreview: s.WebhookPreview,
	})
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(s.Extra)+8)
	for k, v := range s.Extra {
		if !reservedStateKeys[k] {
			merged[k] = v
		}
	}
	var reserved map[string]json.RawMessage
	if err := json.Unmarshal(known, &reserved); err != nil {
		return nil, err
	}
	for k, v := range reserved {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads the reserved keys and captures everything else into
// Extra.
func (s *State) UnmarshalJSON(data []byte) error {
	var known stateJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var extra map[string]json.RawMessage
	for k, v := range raw {
		if reservedStateKeys[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}

	*s = State{
		CurrentNodeID:  known.CurrentNodeID,
		LastMessageID:  known.LastMessageID,
		ThreadIDs:      known.ThreadIDs,
		WaitUntil:      known.WaitUntil,
		Tags:           known.Tags,
		Events:         known.Events,
		Props:          known.Props,
		WebhookPreview: known.WebhookPreview,
		Extra:          extra,
	}
	if known.LastSentAt != nil {
		s.LastSentAt = *known.LastSentAt
	}
	if known.LastReplyAt != nil {
		s.LastReplyAt = *known.LastReplyAt
	}
	if known.ClickedAt != nil {
		s.ClickedAt = *known.ClickedAt
	}
	return nil
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := s
	out.ThreadIDs = append([]string(nil), s.ThreadIDs...)
	out.Tags = append([]string(nil), s.Tags...)
	out.Events = append([]string(nil), s.Events...)
	if s.WaitUntil != nil {
		out.WaitUntil = make(map[string]time.Time, len(s.WaitUntil))
		for k, v := range s.WaitUntil {
			out.WaitUntil[k] = v
		}
	}
	if s.Props != nil {
		out.Props = make(map[string]string, len(s.Props))
		for k, v := range s.Props {
			out.Props[k] = v
		}
	}
	if s.WebhookPreview != nil {
		out.WebhookPreview = make(map[string]string, len(s.WebhookPreview))
		for k, v := range s.WebhookPreview {
			out.WebhookPreview[k] = v
		}
	}
	if s.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// HasTag reports whether the contact state carries the tag.
func (s State) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// HasEvent reports whether the named custom event was recorded.
func (s State) HasEvent(name string) bool {
	for _, e := range s.Events {
		if strings.EqualFold(e, name) {
			return true
		}
	}
	return false
}
