package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/flowsend/engine/internal/app/domain/contact"
	"github.com/flowsend/engine/internal/app/domain/workflow"
)

// conditionClause is one ordered branch of a condition node.
type conditionClause struct {
	Handle string
	Signal string
	Field  string
	Value  string
}

// parseClauses reads the ordered clause list from the node config.
func parseClauses(node workflow.Node) []conditionClause {
	raw, _ := node.Config["clauses"].([]any)
	clauses := make([]conditionClause, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		c := conditionClause{
			Handle: stringValue(m["handle"]),
			Signal: stringValue(m["signal"]),
			Field:  stringValue(m["field"]),
			Value:  stringValue(m["value"]),
		}
		if c.Signal == "" {
			continue
		}
		clauses = append(clauses, c)
	}
	return clauses
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

// runCondition evaluates the clause list in order and routes to the first
// matching branch, defaulting to else. A data-lookup failure is retried,
// never treated as a false signal.
func (s *Service) runCondition(ctx context.Context, ct *contact.Contact, node workflow.Node) Result {
	for _, clause := range parseClauses(node) {
		match, err := s.evalClause(ctx, *ct, clause)
		if err != nil {
			return Result{
				Outcome:  OutcomeRetry,
				ResumeAt: s.now().Add(lookupRetryBackoff),
				Err:      fmt.Errorf("evaluate %s: %w", clause.Signal, err),
			}
		}
		if match {
			return Result{Outcome: OutcomeAdvanced, Advance: true, Handle: clause.Handle}
		}
	}
	return Result{Outcome: OutcomeAdvanced, Advance: true, Handle: "else"}
}

func (s *Service) evalClause(ctx context.Context, ct contact.Contact, clause conditionClause) (bool, error) {
	switch clause.Signal {
	case "has_replied":
		return s.hasReplied(ctx, ct)
	case "has_clicked":
		return !ct.State.ClickedAt.IsZero(), nil
	case "has_tag":
		return ct.State.HasTag(clause.Value), nil
	case "has_event":
		return ct.State.HasEvent(clause.Value), nil
	case "property_equals":
		v, err := stateProperty(ct, clause.Field)
		if err != nil {
			return false, err
		}
		return strings.EqualFold(v, clause.Value), nil
	case "property_contains":
		v, err := stateProperty(ct, clause.Field)
		if err != nil {
			return false, err
		}
		return containsFold(v, clause.Value), nil
	case "email_domain_contains":
		_, domain, found := strings.Cut(ct.Email, "@")
		return found && containsFold(domain, clause.Value), nil
	case "company_contains":
		return containsFold(ct.Company, clause.Value), nil
	case "title_contains":
		return containsFold(ct.JobTitle, clause.Value), nil
	}
	// Unknown signals never match; the workflow still routes somewhere.
	return false, nil
}

// hasReplied reports an inbound message at or after the last engine send.
// The local reply marker short-circuits; otherwise the message log decides.
func (s *Service) hasReplied(ctx context.Context, ct contact.Contact) (bool, error) {
	if !ct.State.LastReplyAt.IsZero() && !ct.State.LastReplyAt.Before(ct.State.LastSentAt) {
		return true, nil
	}
	return s.messages.HasInboundSince(ctx, ct.ID, ct.State.LastSentAt)
}

// stateProperty resolves a field over the contact's state bag: props first,
// then any dotted path into the open JSON document.
func stateProperty(ct contact.Contact, field string) (string, error) {
	if v, ok := ct.State.Props[field]; ok {
		return v, nil
	}
	raw, err := json.Marshal(ct.State)
	if err != nil {
		return "", fmt.Errorf("encode contact state: %w", err)
	}
	if v := gjson.GetBytes(raw, "props."+field); v.Exists() {
		return v.String(), nil
	}
	return gjson.GetBytes(raw, field).String(), nil
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
