package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowsend/engine/internal/app/domain/audit"
	"github.com/flowsend/engine/internal/app/domain/billing"
	"github.com/flowsend/engine/internal/app/domain/contact"
	"github.com/flowsend/engine/internal/app/domain/mail"
	"github.com/flowsend/engine/internal/app/domain/workflow"
	"github.com/flowsend/engine/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development.
type Store struct {
	mu        sync.RWMutex
	nextID    int64
	workflows map[string]workflow.Workflow
	contacts  map[string]contact.Contact
	leads     map[string]contact.Lead
	senders   map[string]mail.SenderConfig // keyed by user id
	templates map[string]mail.Template
	messages  map[string][]mail.Message // keyed by contact id
	balances  map[string]int64
	ledger    map[string][]billing.Entry // keyed by user id
	auditLog  map[string][]audit.Entry   // keyed by workflow id
}

var _ storage.WorkflowStore = (*Store)(nil)
var _ storage.ContactStore = (*Store)(nil)
var _ storage.LeadStore = (*Store)(nil)
var _ storage.SenderStore = (*Store)(nil)
var _ storage.TemplateStore = (*Store)(nil)
var _ storage.MessageStore = (*Store)(nil)
var _ storage.CreditLedger = (*Store)(nil)
var _ storage.AuditStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:    1,
		workflows: make(map[string]workflow.Workflow),
		contacts:  make(map[string]contact.Contact),
		leads:     make(map[string]contact.Lead),
		senders:   make(map[string]mail.SenderConfig),
		templates: make(map[string]mail.Template),
		messages:  make(map[string][]mail.Message),
		balances:  make(map[string]int64),
		ledger:    make(map[string][]billing.Entry),
		auditLog:  make(map[string][]audit.Entry),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// WorkflowStore implementation ------------------------------------------------

func (s *Store) CreateWorkflow(_ context.Context, wf workflow.Workflow) (workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wf.ID == "" {
		wf.ID = s.nextIDLocked()
	} else if _, exists := s.workflows[wf.ID]; exists {
		return workflow.Workflow{}, fmt.Errorf("workflow %s already exists", wf.ID)
	}
	if wf.Status == "" {
		wf.Status = workflow.StatusDraft
	}

	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now

	s.workflows[wf.ID] = cloneWorkflow(wf)
	return cloneWorkflow(wf), nil
}

func (s *Store) UpdateWorkflow(_ context.Context, wf workflow.Workflow) (workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.workflows[wf.ID]
	if !ok {
		return workflow.Workflow{}, fmt.Errorf("workflow %s not found", wf.ID)
	}

	wf.CreatedAt = original.CreatedAt
	wf.UpdatedAt = time.Now().UTC()

	s.workflows[wf.ID] = cloneWorkflow(wf)
	return cloneWorkflow(wf), nil
}

func (s *Store) GetWorkflow(_ context.Context, id string) (workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return workflow.Workflow{}, fmt.Errorf("workflow %s not found", id)
	}
	return cloneWorkflow(wf), nil
}

func (s *Store) ListWorkflows(_ context.Context, userID string) ([]workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]workflow.Workflow, 0)
	for _, wf := range s.workflows {
		if userID == "" || wf.UserID == userID {
			result = append(result, cloneWorkflow(wf))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) ListWorkflowsByStatus(_ context.Context, statuses ...workflow.Status) ([]workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[workflow.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	result := make([]workflow.Workflow, 0)
	for _, wf := range s.workflows {
		if want[wf.Status] {
			result = append(result, cloneWorkflow(wf))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) RecordWorkflowRun(_ context.Context, id string, summary workflow.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s not found", id)
	}
	sum := summary
	wf.LastRun = &sum
	wf.LastRunAt = summary.RanAt
	wf.UpdatedAt = time.Now().UTC()
	s.workflows[id] = wf
	return nil
}

// ContactStore implementation -------------------------------------------------

func (s *Store) CreateContact(_ context.Context, ct contact.Contact) (contact.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createContactLocked(ct)
}

func (s *Store) createContactLocked(ct contact.Contact) (contact.Contact, error) {
	if ct.ID == "" {
		ct.ID = s.nextIDLocked()
	} else if _, exists := s.contacts[ct.ID]; exists {
		return contact.Contact{}, fmt.Errorf("contact %s already exists", ct.ID)
	}
	if ct.Status == "" {
		ct.Status = contact.StatusActive
	}

	now := time.Now().UTC()
	ct.CreatedAt = now
	ct.UpdatedAt = now

	s.contacts[ct.ID] = cloneContact(ct)
	return cloneContact(ct), nil
}

func (s *Store) UpdateContact(_ context.Context, ct contact.Contact) (contact.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.contacts[ct.ID]
	if !ok {
		return contact.Contact{}, fmt.Errorf("contact %s not found", ct.ID)
	}

	ct.CreatedAt = original.CreatedAt
	ct.UpdatedAt = time.Now().UTC()

	s.contacts[ct.ID] = cloneContact(ct)
	return cloneContact(ct), nil
}

func (s *Store) GetContact(_ context.Context, id string) (contact.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ct, ok := s.contacts[id]
	if !ok {
		return contact.Contact{}, fmt.Errorf("contact %s not found", id)
	}
	return cloneContact(ct), nil
}

func (s *Store) ListContacts(_ context.Context, workflowID string) ([]contact.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]contact.Contact, 0)
	for _, ct := range s.contacts {
		if workflowID == "" || ct.WorkflowID == workflowID {
			result = append(result, cloneContact(ct))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) ListDueContacts(_ context.Context, workflowID string, now time.Time, limit int) ([]contact.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]contact.Contact, 0)
	for _, ct := range s.contacts {
		if ct.WorkflowID != workflowID || ct.Status != contact.StatusActive {
			continue
		}
		if ct.NextRunAt == nil || ct.NextRunAt.After(now) {
			continue
		}
		due = append(due, cloneContact(ct))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) ClaimContact(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ct, ok := s.contacts[id]
	if !ok {
		return false, fmt.Errorf("contact %s not found", id)
	}
	if ct.Status != contact.StatusActive {
		return false, nil
	}
	started := now.UTC()
	ct.Status = contact.StatusProcessing
	ct.ProcessingStartedAt = &started
	ct.UpdatedAt = started
	s.contacts[id] = ct
	return true, nil
}

func (s *Store) ReleaseStaleContacts(_ context.Context, workflowID string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for id, ct := range s.contacts {
		if ct.WorkflowID != workflowID || ct.Status != contact.StatusProcessing {
			continue
		}
		if ct.ProcessingStartedAt == nil || ct.ProcessingStartedAt.After(cutoff) {
			continue
		}
		ct.Status = contact.StatusActive
		ct.ProcessingStartedAt = nil
		ct.UpdatedAt = time.Now().UTC()
		s.contacts[id] = ct
		released++
	}
	return released, nil
}

func (s *Store) EnrollWorkflowContacts(_ context.Context, wf workflow.Workflow, limit int) ([]contact.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	enrolled := make(map[string]bool)
	for _, ct := range s.contacts {
		if ct.WorkflowID == wf.ID {
			enrolled[strings.ToLower(ct.Email)] = true
		}
	}

	candidates := make([]contact.Lead, 0)
	for _, ld := range s.leads {
		if ld.UserID != wf.UserID {
			continue
		}
		if wf.Trigger.Type == "tag" && !ld.HasTag(wf.Trigger.Tag) {
			continue
		}
		if enrolled[strings.ToLower(ld.Email)] {
			continue
		}
		candidates = append(candidates, ld)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := time.Now().UTC()
	result := make([]contact.Contact, 0, len(candidates))
	for _, ld := range candidates {
		due := now
		ct := contact.Contact{
			WorkflowID: wf.ID,
			UserID:     wf.UserID,
			Email:      ld.Email,
			FullName:   ld.FullName,
			Company:    ld.Company,
			JobTitle:   ld.JobTitle,
			Status:     contact.StatusActive,
			NextRunAt:  &due,
			State: contact.State{
				Tags:  append([]string(nil), ld.Tags...),
				Props: cloneStringMap(ld.Props),
			},
		}
		created, err := s.createContactLocked(ct)
		if err != nil {
			return result, err
		}
		result = append(result, created)
	}
	return result, nil
}

// LeadStore implementation ----------------------------------------------------

func (s *Store) CreateLead(_ context.Context, ld contact.Lead) (contact.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ld.ID == "" {
		ld.ID = s.nextIDLocked()
	} else if _, exists := s.leads[ld.ID]; exists {
		return contact.Lead{}, fmt.Errorf("lead %s already exists", ld.ID)
	}

	now := time.Now().UTC()
	ld.CreatedAt = now
	ld.UpdatedAt = now
	ld.Tags = append([]string(nil), ld.Tags...)
	ld.Props = cloneStringMap(ld.Props)

	s.leads[ld.ID] = ld
	return ld, nil
}

func (s *Store) GetLead(_ context.Context, id string) (contact.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ld, ok := s.leads[id]
	if !ok {
		return contact.Lead{}, fmt.Errorf("lead %s not found", id)
	}
	return ld, nil
}

func (s *Store) ListLeads(_ context.Context, userID string) ([]contact.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]contact.Lead, 0)
	for _, ld := range s.leads {
		if userID == "" || ld.UserID == userID {
			result = append(result, ld)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// SenderStore implementation --------------------------------------------------

func (s *Store) CreateSenderConfig(_ context.Context, cfg mail.SenderConfig) (mail.SenderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.UserID == "" {
		return mail.SenderConfig{}, fmt.Errorf("sender config requires a user id")
	}
	if cfg.ID == "" {
		cfg.ID = s.nextIDLocked()
	}

	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	s.senders[cfg.UserID] = cfg
	return cfg, nil
}

func (s *Store) GetSenderConfig(_ context.Context, userID string) (mail.SenderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.senders[userID]
	if !ok {
		return mail.SenderConfig{}, fmt.Errorf("sender config for user %s not found", userID)
	}
	return cfg, nil
}

// TemplateStore implementation ------------------------------------------------

func (s *Store) CreateTemplate(_ context.Context, tpl mail.Template) (mail.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tpl.ID == "" {
		tpl.ID = s.nextIDLocked()
	} else if _, exists := s.templates[tpl.ID]; exists {
		return mail.Template{}, fmt.Errorf("template %s already exists", tpl.ID)
	}

	now := time.Now().UTC()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	s.templates[tpl.ID] = tpl
	return tpl, nil
}

func (s *Store) GetTemplate(_ context.Context, id string) (mail.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, ok := s.templates[id]
	if !ok {
		return mail.Template{}, fmt.Errorf("template %s not found", id)
	}
	return tpl, nil
}

// MessageStore implementation -------------------------------------------------

func (s *Store) CreateMessage(_ context.Context, msg mail.Message) (mail.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = s.nextIDLocked()
	}
	msg.CreatedAt = time.Now().UTC()
	if msg.SentAt.IsZero() {
		msg.SentAt = msg.CreatedAt
	}

	s.messages[msg.ContactID] = append(s.messages[msg.ContactID], msg)
	return msg, nil
}

func (s *Store) ListMessages(_ context.Context, contactID string) ([]mail.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]mail.Message(nil), s.messages[contactID]...), nil
}

func (s *Store) HasInboundSince(_ context.Context, contactID string, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, msg := range s.messages[contactID] {
		if msg.Direction == mail.DirectionInbound && !msg.SentAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// CreditLedger implementation -------------------------------------------------

func (s *Store) GrantCredits(_ context.Context, userID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive")
	}
	s.balances[userID] += amount
	return nil
}

func (s *Store) ConsumeCredits(_ context.Context, userID string, amount int64, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive")
	}
	if s.hasEntryLocked(userID, billing.EntryDebit, reference) {
		return nil
	}
	if s.balances[userID] < amount {
		return billing.ErrInsufficientCredits
	}
	s.balances[userID] -= amount
	s.ledger[userID] = append(s.ledger[userID], billing.Entry{
		ID:        s.nextIDLocked(),
		UserID:    userID,
		Kind:      billing.EntryDebit,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *Store) RefundCredits(_ context.Context, userID string, amount int64, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount <= 0 {
		return fmt.Errorf("refund amount must be positive")
	}
	if s.hasEntryLocked(userID, billing.EntryRefund, reference) {
		return nil
	}
	s.balances[userID] += amount
	s.ledger[userID] = append(s.ledger[userID], billing.Entry{
		ID:        s.nextIDLocked(),
		UserID:    userID,
		Kind:      billing.EntryRefund,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *Store) CreditBalance(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[userID], nil
}

func (s *Store) hasEntryLocked(userID string, kind billing.EntryKind, reference string) bool {
	for _, entry := range s.ledger[userID] {
		if entry.Kind == kind && entry.Reference == reference {
			return true
		}
	}
	return false
}

// AuditStore implementation ---------------------------------------------------

func (s *Store) AppendAudit(_ context.Context, entry audit.Entry) (audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = s.nextIDLocked()
	}
	entry.CreatedAt = time.Now().UTC()
	entry.Metadata = cloneStringMap(entry.Metadata)

	s.auditLog[entry.WorkflowID] = append(s.auditLog[entry.WorkflowID], entry)
	return entry, nil
}

func (s *Store) ListAudit(_ context.Context, workflowID string, limit int) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.auditLog[workflowID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]audit.Entry(nil), entries...), nil
}

// Helpers --------------------------------------------------------------------

func cloneStringMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneWorkflow(wf workflow.Workflow) workflow.Workflow {
	wf.Nodes = append([]workflow.Node(nil), wf.Nodes...)
	wf.Edges = append([]workflow.Edge(nil), wf.Edges...)
	wf.Steps = append([]workflow.Step(nil), wf.Steps...)
	if wf.LastRun != nil {
		sum := *wf.LastRun
		wf.LastRun = &sum
	}
	return wf
}

func cloneContact(ct contact.Contact) contact.Contact {
	if ct.NextRunAt != nil {
		t := *ct.NextRunAt
		ct.NextRunAt = &t
	}
	if ct.ProcessingStartedAt != nil {
		t := *ct.ProcessingStartedAt
		ct.ProcessingStartedAt = &t
	}
	ct.State = ct.State.Clone()
	return ct
}
