package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowsend/engine/internal/app/domain/contact"
	"github.com/flowsend/engine/internal/app/domain/mail"
	"github.com/flowsend/engine/internal/app/domain/workflow"
	"github.com/flowsend/engine/internal/app/services/credits"
	"github.com/flowsend/engine/internal/app/services/mailer"
	"github.com/flowsend/engine/internal/app/storage"
	"github.com/flowsend/engine/internal/app/storage/memory"
	"github.com/flowsend/engine/pkg/logger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []mailer.OutgoingEmail
	err  error
}

func (f *fakeTransport) Send(_ context.Context, _ mail.SenderConfig, msg mailer.OutgoingEmail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// flakyMessages wraps a message store with an injectable lookup error.
type flakyMessages struct {
	storage.MessageStore
	mu  sync.Mutex
	err error
}

func (f *flakyMessages) HasInboundSince(ctx context.Context, contactID string, since time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.MessageStore.HasInboundSince(ctx, contactID, since)
}

func (f *flakyMessages) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fixture struct {
	t     *testing.T
	store *memory.Store
	clock *fakeClock
	smtp  *fakeTransport
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	clock := &fakeClock{t: time.Now().UTC().Truncate(time.Second)}
	smtp := &fakeTransport{}
	svc := New(Config{
		Workflows: store,
		Contacts:  store,
		Senders:   store,
		Templates: store,
		Messages:  store,
		Audit:     store,
		Credits:   credits.New(store, logger.NewNop()),
		Transport: smtp,
		Log:       logger.NewNop(),
		Now:       clock.Now,
	})
	return &fixture{t: t, store: store, clock: clock, smtp: smtp, svc: svc}
}

func node(id string, kind workflow.NodeKind, config map[string]any) workflow.Node {
	return workflow.Node{ID: id, Kind: kind, Config: config}
}

func edge(source, target, handle string) workflow.Edge {
	return workflow.Edge{Source: source, Target: target, Handle: handle}
}

func (fx *fixture) workflow(status workflow.Status, nodes []workflow.Node, edges []workflow.Edge) workflow.Workflow {
	fx.t.Helper()
	wf, err := fx.store.CreateWorkflow(context.Background(), workflow.Workflow{
		UserID:  "user-1",
		Name:    "seq",
		Status:  status,
		Trigger: workflow.Trigger{Type: "all"},
		Nodes:   nodes,
		Edges:   edges,
	})
	if err != nil {
		fx.t.Fatalf("create workflow: %v", err)
	}
	return wf
}

func (fx *fixture) contact(wfID string, state contact.State) contact.Contact {
	fx.t.Helper()
	due := fx.clock.Now()
	ct, err := fx.store.CreateContact(context.Background(), contact.Contact{
		WorkflowID: wfID,
		UserID:     "user-1",
		Email:      "jane@acme.com",
		FullName:   "Jane Doe",
		Company:    "Acme",
		JobTitle:   "CTO",
		Status:     contact.StatusActive,
		NextRunAt:  &due,
		State:      state,
	})
	if err != nil {
		fx.t.Fatalf("create contact: %v", err)
	}
	return ct
}

func (fx *fixture) sender() {
	fx.t.Helper()
	_, err := fx.store.CreateSenderConfig(context.Background(), mail.SenderConfig{
		UserID:    "user-1",
		FromName:  "Sam Seller",
		FromEmail: "sam@flowsend.io",
		Host:      "smtp.example.com",
		Port:      587,
	})
	if err != nil {
		fx.t.Fatalf("create sender config: %v", err)
	}
}

func (fx *fixture) grant(amount int64) {
	fx.t.Helper()
	if err := fx.store.GrantCredits(context.Background(), "user-1", amount); err != nil {
		fx.t.Fatalf("grant credits: %v", err)
	}
}

func (fx *fixture) balance() int64 {
	fx.t.Helper()
	b, err := fx.store.CreditBalance(context.Background(), "user-1")
	if err != nil {
		fx.t.Fatalf("balance: %v", err)
	}
	return b
}

func (fx *fixture) reload(id string) contact.Contact {
	fx.t.Helper()
	ct, err := fx.store.GetContact(context.Background(), id)
	if err != nil {
		fx.t.Fatalf("get contact: %v", err)
	}
	return ct
}

func (fx *fixture) tick(wf workflow.Workflow) workflow.RunSummary {
	fx.t.Helper()
	summary, err := fx.svc.TickWorkflow(context.Background(), wf, TickOptions{SkipEnroll: true})
	if err != nil {
		fx.t.Fatalf("tick workflow: %v", err)
	}
	return summary
}

func sendNodes() ([]workflow.Node, []workflow.Edge) {
	nodes := []workflow.Node{
		node("start", workflow.KindTrigger, nil),
		node("mail", workflow.KindSendEmail, map[string]any{
			"subject": "Hi {first_name}",
			"body":    "Greetings from {company}.",
		}),
		node("done", workflow.KindExit, nil),
	}
	edges := []workflow.Edge{edge("start", "mail", ""), edge("mail", "done", "")}
	return nodes, edges
}

func TestWaitNodeHonorsDuration(t *testing.T) {
	fx := newFixture(t)
	wf := fx.workflow(workflow.StatusLive,
		[]workflow.Node{
			node("start", workflow.KindTrigger, nil),
			node("pause", workflow.KindWait, map[string]any{"duration": 2, "unit": "hours"}),
			node("done", workflow.KindExit, nil),
		},
		[]workflow.Edge{edge("start", "pause", ""), edge("pause", "done", "")},
	)
	ct := fx.contact(wf.ID, contact.State{})
	start := fx.clock.Now()

	summary := fx.tick(wf)
	if summary.Processed != 1 || summary.Waiting != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	got := fx.reload(ct.ID)
	target := start.Add(2 * time.Hour)
	if got.Status != contact.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(target) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, target)
	}
	if got.CurrentStep != 0 {
		t.Fatalf("current_step = %d, want 0", got.CurrentStep)
	}

	// A premature poll re-persists the same target and keeps status active.
	fx.clock.Advance(time.Hour)
	if ok, err := fx.store.ClaimContact(context.Background(), ct.ID, fx.clock.Now()); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	outcome, err := fx.svc.runContact(context.Background(), wf, fx.reload(ct.ID))
	if err != nil {
		t.Fatalf("run contact: %v", err)
	}
	if outcome != OutcomeWaiting {
		t.Fatalf("outcome = %s, want waiting", outcome)
	}
	got = fx.reload(ct.ID)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(target) {
		t.Fatalf("premature poll moved next_run_at to %v", got.NextRunAt)
	}

	// Past the target the contact advances and completes.
	fx.clock.Advance(time.Hour + time.Minute)
	summary = fx.tick(wf)
	if summary.Completed != 1 {
		t.Fatalf("unexpected summary after expiry: %+v", summary)
	}
	got = fx.reload(ct.ID)
	if got.Status != contact.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.CurrentStep != 2 {
		t.Fatalf("current_step = %d, want 2", got.CurrentStep)
	}
	if len(got.State.WaitUntil) != 0 {
		t.Fatalf("wait marker not cleared: %v", got.State.WaitUntil)
	}
}

func TestSendFailureRefundsCredit(t *testing.T) {
	fx := newFixture(t)
	fx.sender()
	fx.grant(3)
	nodes, edges := sendNodes()
	wf := fx.workflow(workflow.StatusLive, nodes, edges)
	ct := fx.contact(wf.ID, contact.State{})

	fx.smtp.fail(errors.New("connection reset"))
	summary := fx.tick(wf)
	if summary.Waiting != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	if got := fx.balance(); got != 3 {
		t.Fatalf("balance after failed send = %d, want 3", got)
	}
	got := fx.reload(ct.ID)
	if got.Status != contact.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	want := fx.clock.Now().Add(sendRetryBackoff)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, want)
	}
	if got.State.CurrentNodeID != "mail" {
		t.Fatalf("pointer moved to %q on failure", got.State.CurrentNodeID)
	}
	if !strings.Contains(got.LastError, "smtp send") {
		t.Fatalf("last_error = %q", got.LastError)
	}

	// After the backoff the retry succeeds and the credit is spent once.
	fx.smtp.fail(nil)
	fx.clock.Advance(sendRetryBackoff + time.Minute)
	summary = fx.tick(wf)
	if summary.Sent != 1 {
		t.Fatalf("unexpected summary on retry: %+v", summary)
	}
	if got := fx.balance(); got != 2 {
		t.Fatalf("balance after send = %d, want 2", got)
	}
	if fx.smtp.sentCount() != 1 {
		t.Fatalf("sent %d emails, want 1", fx.smtp.sentCount())
	}
	got = fx.reload(ct.ID)
	if got.CurrentStep != 1 {
		t.Fatalf("current_step = %d, want 1", got.CurrentStep)
	}
	msgs, err := fx.store.ListMessages(context.Background(), ct.ID)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("messages = %d (%v), want 1", len(msgs), err)
	}
	if msgs[0].Direction != mail.DirectionOutbound {
		t.Fatalf("message direction = %s", msgs[0].Direction)
	}
}

func TestCreditDeclineBlocksWithoutSending(t *testing.T) {
	fx := newFixture(t)
	fx.sender()
	nodes, edges := sendNodes()
	wf := fx.workflow(workflow.StatusLive, nodes, edges)
	ct := fx.contact(wf.ID, contact.State{})

	summary := fx.tick(wf)
	if summary.CreditBlocked != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if fx.smtp.sentCount() != 0 {
		t.Fatalf("sent mail despite credit decline")
	}
	if got := fx.balance(); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}

	got := fx.reload(ct.ID)
	want := fx.clock.Now().Add(creditRetryBackoff)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, want)
	}
	if got.Status != contact.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
}

func TestConditionReplyBeatsTag(t *testing.T) {
	fx := newFixture(t)
	lastSent := fx.clock.Now().Add(-time.Hour)
	wf := fx.workflow(workflow.StatusLive,
		[]workflow.Node{
			node("start", workflow.KindTrigger, nil),
			node("branch", workflow.KindCondition, map[string]any{
				"clauses": []any{
					map[string]any{"handle": "if", "signal": "has_replied"},
					map[string]any{"handle": "else_if_1", "signal": "has_tag", "value": "vip"},
				},
			}),
			node("replied", workflow.KindExit, nil),
			node("vip", workflow.KindExit, nil),
			node("other", workflow.KindExit, nil),
		},
		[]workflow.Edge{
			edge("start", "branch", ""),
			edge("branch", "replied", "if"),
			edge("branch", "vip", "else_if_1"),
			edge("branch", "other", "else"),
		},
	)
	ct := fx.contact(wf.ID, contact.State{Tags: []string{"vip"}, LastSentAt: lastSent})

	if _, err := fx.store.CreateMessage(context.Background(), mail.Message{
		UserID:    "user-1",
		ContactID: ct.ID,
		Direction: mail.DirectionInbound,
		SentAt:    lastSent.Add(30 * time.Minute),
	}); err != nil {
		t.Fatalf("create inbound message: %v", err)
	}

	summary := fx.tick(wf)
	if summary.Completed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	got := fx.reload(ct.ID)
	if got.State.CurrentNodeID != "replied" {
		t.Fatalf("routed to %q, want replied branch", got.State.CurrentNodeID)
	}
}

func TestConditionFallsThroughToElse(t *testing.T) {
	fx := newFixture(t)
	wf := fx.workflow(workflow.StatusLive,
		[]workflow.Node{
			node("start", workflow.KindTrigger, nil),
			node("branch", workflow.KindCondition, map[string]any{
				"clauses": []any{
					map[string]any{"handle": "if", "signal": "has_tag", "value": "vip"},
				},
			}),
			node("vip", workflow.KindExit, nil),
			node("other", workflow.KindExit, nil),
		},
		[]workflow.Edge{
			edge("start", "branch", ""),
			edge("branch", "vip", "if"),
			edge("branch", "other", "else"),
		},
	)
	ct := fx.contact(wf.ID, contact.State{})

	fx.tick(wf)
	if got := fx.reload(ct.ID); got.State.CurrentNodeID != "other" {
		t.Fatalf("routed to %q, want else branch", got.State.CurrentNodeID)
	}
}

func TestWebhookFailureReschedulesWithoutAdvancing(t *testing.T) {
	fx := newFixture(t)
	var status int32 = http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	wf := fx.workflow(workflow.StatusLive,
		[]workflow.Node{
			node("start", workflow.KindTrigger, nil),
			node("hook", workflow.KindWebhook, map[string]any{"url": srv.URL}),
			node("done", workflow.KindExit, nil),
		},
		[]workflow.Edge{edge("start", "hook", ""), edge("hook", "done", "")},
	)
	ct := fx.contact(wf.ID, contact.State{})

	summary := fx.tick(wf)
	if summary.Waiting != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	got := fx.reload(ct.ID)
	want := fx.clock.Now().Add(webhookRetryBackoff)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, want)
	}
	if got.CurrentStep != 0 || got.State.CurrentNodeID != "hook" {
		t.Fatalf("advanced on failure: step=%d node=%q", got.CurrentStep, got.State.CurrentNodeID)
	}
	if len(got.State.WebhookPreview) != 0 {
		t.Fatalf("preview stored on failure: %v", got.State.WebhookPreview)
	}

	atomic.StoreInt32(&status, http.StatusOK)
	fx.clock.Advance(webhookRetryBackoff + time.Minute)
	summary = fx.tick(wf)
	if summary.Completed != 1 {
		t.Fatalf("unexpected summary on retry: %+v", summary)
	}
	got = fx.reload(ct.ID)
	if got.Status != contact.StatusCompleted || got.CurrentStep != 2 {
		t.Fatalf("status=%s step=%d, want completed/2", got.Status, got.CurrentStep)
	}
	preview := got.State.WebhookPreview["hook"]
	if preview == "" || len(preview) > 2000 {
		t.Fatalf("bad preview (len %d)", len(preview))
	}
	if !strings.Contains(preview, "200") {
		t.Fatalf("preview missing status: %q", preview)
	}
}

func TestConditionLookupFailureRetries(t *testing.T) {
	store := memory.New()
	clock := &fakeClock{t: time.Now().UTC().Truncate(time.Second)}
	smtp := &fakeTransport{}
	messages := &flakyMessages{MessageStore: store}
	svc := New(Config{
		Workflows: store,
		Contacts:  store,
		Senders:   store,
		Templates: store,
		Messages:  messages,
		Audit:     store,
		Credits:   credits.New(store, logger.NewNop()),
		Transport: smtp,
		Log:       logger.NewNop(),
		Now:       clock.Now,
	})
	fx := &fixture{t: t, store: store, clock: clock, smtp: smtp, svc: svc}

	wf := fx.workflow(workflow.StatusLive,
		[]workflow.Node{
			node("start", workflow.KindTrigger, nil),
			node("branch", workflow.KindCondition, map[string]any{
				"clauses": []any{
					map[string]any{"handle": "if", "signal": "has_replied"},
				},
			}),
			node("replied", workflow.KindExit, nil),
			node("other", workflow.KindExit, nil),
		},
		[]workflow.Edge{
			edge("start", "branch", ""),
			edge("branch", "replied", "if"),
			edge("branch", "other", "else"),
		},
	)
	ct := fx.contact(wf.ID, contact.State{})

	// A failing message-log lookup must not be read as a false signal.
	messages.fail(errors.New("message log unavailable"))
	summary := fx.tick(wf)
	if summary.Waiting != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	got := fx.reload(ct.ID)
	if got.Status != contact.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	want := fx.clock.Now().Add(lookupRetryBackoff)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, want)
	}
	if got.State.CurrentNodeID != "branch" {
		t.Fatalf("pointer moved to %q on lookup failure", got.State.CurrentNodeID)
	}
	if !strings.Contains(got.LastError, "evaluate has_replied") {
		t.Fatalf("last_error = %q", got.LastError)
	}

	// Once the log answers again the branch resolves normally.
	messages.fail(nil)
	fx.clock.Advance(lookupRetryBackoff + time.Minute)
	summary = fx.tick(wf)
	if summary.Completed != 1 {
		t.Fatalf("unexpected summary on retry: %+v", summary)
	}
	got = fx.reload(ct.ID)
	if got.Status != contact.StatusCompleted || got.State.CurrentNodeID != "other" {
		t.Fatalf("status=%s node=%q, want completed via else", got.Status, got.State.CurrentNodeID)
	}
}

func TestMissingSenderConfigReschedules(t *testing.T) {
	fx := newFixture(t)
	nodes, edges := sendNodes()
	wf := fx.workflow(workflow.StatusLive, nodes, edges)
	ct := fx.contact(wf.ID, contact.State{})

	summary := fx.tick(wf)
	if summary.Waiting != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if fx.smtp.sentCount() != 0 {
		t.Fatalf("sent mail without a sender config")
	}
	got := fx.reload(ct.ID)
	if got.Status != contact.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	want := fx.clock.Now().Add(configRetryBackoff)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, want)
	}
	if got.CurrentStep != 0 || got.State.CurrentNodeID != "mail" {
		t.Fatalf("advanced without sender: step=%d node=%q", got.CurrentStep, got.State.CurrentNodeID)
	}
	if !strings.Contains(got.LastError, "load sender config") {
		t.Fatalf("last_error = %q", got.LastError)
	}

	// Configuring a sender fixes the workflow on the next due tick.
	fx.sender()
	fx.grant(1)
	fx.clock.Advance(configRetryBackoff + time.Minute)
	if summary := fx.tick(wf); summary.Sent != 1 {
		t.Fatalf("unexpected summary after fixing config: %+v", summary)
	}
}

func TestBlankRenderedBodyReschedules(t *testing.T) {
	fx := newFixture(t)
	fx.sender()
	fx.grant(1)
	wf := fx.workflow(workflow.StatusLive,
		[]workflow.Node{
			node("start", workflow.KindTrigger, nil),
			node("mail", workflow.KindSendEmail, map[string]any{
				"subject": "Hi {first_name}",
				"body":    "{nickname}",
			}),
			node("done", workflow.KindExit, nil),
		},
		[]workflow.Edge{edge("start", "mail", ""), edge("mail", "done", "")},
	)
	ct := fx.contact(wf.ID, contact.State{})

	summary := fx.tick(wf)
	if summary.Waiting != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if fx.smtp.sentCount() != 0 {
		t.Fatalf("sent mail with an empty body")
	}
	if got := fx.balance(); got != 1 {
		t.Fatalf("balance = %d, want 1 (no debit before render check)", got)
	}
	got := fx.reload(ct.ID)
	want := fx.clock.Now().Add(configRetryBackoff)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, want)
	}
	if got.State.CurrentNodeID != "mail" {
		t.Fatalf("pointer moved to %q on blank render", got.State.CurrentNodeID)
	}
	if !strings.Contains(got.LastError, "rendered subject or body is empty") {
		t.Fatalf("last_error = %q", got.LastError)
	}
}

func TestConditionWithoutElseEdgeExits(t *testing.T) {
	fx := newFixture(t)
	wf := fx.workflow(workflow.StatusLive,
		[]workflow.Node{
			node("start", workflow.KindTrigger, nil),
			node("branch", workflow.KindCondition, map[string]any{
				"clauses": []any{
					map[string]any{"handle": "if", "signal": "has_tag", "value": "vip"},
				},
			}),
			node("vip", workflow.KindSendEmail, map[string]any{"subject": "s", "body": "b"}),
		},
		[]workflow.Edge{
			edge("start", "branch", ""),
			edge("branch", "vip", "if"),
		},
	)
	ct := fx.contact(wf.ID, contact.State{})

	summary := fx.tick(wf)
	if summary.Completed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	got := fx.reload(ct.ID)
	if got.Status != contact.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.State.CurrentNodeID == "vip" {
		t.Fatalf("false condition travelled the true branch")
	}
	if fx.smtp.sentCount() != 0 {
		t.Fatalf("sent mail down an unmatched branch")
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	if got := truncate("héllo", 2); got != "h" {
		t.Fatalf("truncate split a rune: %q", got)
	}
	if got := truncate("héllo", 3); got != "hé" {
		t.Fatalf("truncate(3) = %q", got)
	}
	if got := truncate("héllo", 10); got != "héllo" {
		t.Fatalf("short string altered: %q", got)
	}
}

func TestDraftWorkflowProcessesNothing(t *testing.T) {
	fx := newFixture(t)
	nodes, edges := sendNodes()
	wf := fx.workflow(workflow.StatusDraft, nodes, edges)
	ct := fx.contact(wf.ID, contact.State{})

	summary, err := fx.svc.TickWorkflow(context.Background(), wf, TickOptions{})
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if summary.Processed != 0 {
		t.Fatalf("draft workflow processed %d contacts", summary.Processed)
	}

	got := fx.reload(ct.ID)
	if got.Status != contact.StatusActive || got.CurrentStep != 0 {
		t.Fatalf("draft tick touched contact: %+v", got)
	}
	stored, err := fx.store.GetWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if stored.LastRun != nil {
		t.Fatalf("draft tick recorded a run summary")
	}
}

func TestPausedWorkflowStopsClaims(t *testing.T) {
	fx := newFixture(t)
	nodes, edges := sendNodes()
	wf := fx.workflow(workflow.StatusPaused, nodes, edges)
	ct := fx.contact(wf.ID, contact.State{})

	summary, err := fx.svc.TickWorkflow(context.Background(), wf, TickOptions{})
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if summary.Processed != 0 {
		t.Fatalf("paused workflow processed %d contacts", summary.Processed)
	}
	if got := fx.reload(ct.ID); got.Status != contact.StatusActive {
		t.Fatalf("paused tick touched contact: %+v", got)
	}
}

func TestUnsupportedNodeKindFailsTerminally(t *testing.T) {
	fx := newFixture(t)
	wf := fx.workflow(workflow.StatusLive,
		[]workflow.Node{
			node("start", workflow.KindTrigger, nil),
			node("odd", workflow.NodeKind("enrich"), nil),
		},
		[]workflow.Edge{edge("start", "odd", "")},
	)
	ct := fx.contact(wf.ID, contact.State{})

	summary := fx.tick(wf)
	if summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	got := fx.reload(ct.ID)
	if got.Status != contact.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.LastError, "unsupported node kind") {
		t.Fatalf("last_error = %q", got.LastError)
	}
	if got.NextRunAt != nil {
		t.Fatalf("failed contact still scheduled: %v", got.NextRunAt)
	}
}

func TestEndToEndGraphRun(t *testing.T) {
	fx := newFixture(t)
	fx.sender()
	fx.grant(5)
	wf := fx.workflow(workflow.StatusLive,
		[]workflow.Node{
			node("start", workflow.KindTrigger, nil),
			node("pause", workflow.KindWait, map[string]any{"duration": 1, "unit": "minutes"}),
			node("mail", workflow.KindSendEmail, map[string]any{
				"subject": "Hi {first_name}",
				"body":    "From {company}.",
			}),
			node("done", workflow.KindExit, nil),
		},
		[]workflow.Edge{
			edge("start", "pause", ""),
			edge("pause", "mail", ""),
			edge("mail", "done", ""),
		},
	)
	ct := fx.contact(wf.ID, contact.State{})

	if summary := fx.tick(wf); summary.Waiting != 1 {
		t.Fatalf("tick 1: %+v", summary)
	}
	fx.clock.Advance(2 * time.Minute)
	if summary := fx.tick(wf); summary.Sent != 1 {
		t.Fatalf("tick 2: %+v", summary)
	}
	if summary := fx.tick(wf); summary.Completed != 1 {
		t.Fatalf("tick 3: %+v", summary)
	}

	got := fx.reload(ct.ID)
	if got.Status != contact.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.CurrentStep != 3 {
		t.Fatalf("current_step = %d, want 3 (wait, send, exit)", got.CurrentStep)
	}
	if fx.smtp.sentCount() != 1 {
		t.Fatalf("sent %d emails, want 1", fx.smtp.sentCount())
	}
	if got := fx.balance(); got != 4 {
		t.Fatalf("balance = %d, want 4", got)
	}
	if fx.smtp.sent[0].Subject != "Hi Jane" {
		t.Fatalf("subject = %q", fx.smtp.sent[0].Subject)
	}
}

func TestLegacyStepListRun(t *testing.T) {
	fx := newFixture(t)
	fx.sender()
	fx.grant(2)
	wf, err := fx.store.CreateWorkflow(context.Background(), workflow.Workflow{
		UserID:  "user-1",
		Name:    "legacy",
		Status:  workflow.StatusLive,
		Trigger: workflow.Trigger{Type: "all"},
		Steps: []workflow.Step{
			{Kind: workflow.KindWait, Config: map[string]any{"duration": 1, "unit": "minutes"}},
			{Kind: workflow.KindSendEmail, Config: map[string]any{"subject": "Hello", "body": "Hello there."}},
		},
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	ct := fx.contact(wf.ID, contact.State{})

	if summary := fx.tick(wf); summary.Waiting != 1 {
		t.Fatalf("tick 1: %+v", summary)
	}
	fx.clock.Advance(2 * time.Minute)
	if summary := fx.tick(wf); summary.Sent != 1 {
		t.Fatalf("tick 2: %+v", summary)
	}
	if summary := fx.tick(wf); summary.Completed != 1 {
		t.Fatalf("tick 3: %+v", summary)
	}

	got := fx.reload(ct.ID)
	if got.Status != contact.StatusCompleted || got.CurrentStep != 2 {
		t.Fatalf("status=%s step=%d, want completed/2", got.Status, got.CurrentStep)
	}
	if fx.smtp.sentCount() != 1 {
		t.Fatalf("sent %d emails, want 1", fx.smtp.sentCount())
	}
}

func TestRunSummaryPersisted(t *testing.T) {
	fx := newFixture(t)
	fx.sender()
	fx.grant(1)
	nodes, edges := sendNodes()
	wf := fx.workflow(workflow.StatusLive, nodes, edges)
	fx.contact(wf.ID, contact.State{})

	fx.tick(wf)
	stored, err := fx.store.GetWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if stored.LastRun == nil {
		t.Fatalf("run summary not recorded")
	}
	if stored.LastRun.Processed != 1 || stored.LastRun.Sent != 1 {
		t.Fatalf("unexpected recorded summary: %+v", stored.LastRun)
	}
	if stored.LastRunAt.IsZero() {
		t.Fatalf("last_run_at not set")
	}
}
