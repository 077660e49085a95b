package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	app "github.com/flowsend/engine/internal/app"
	"github.com/flowsend/engine/internal/app/domain/contact"
	"github.com/flowsend/engine/internal/app/domain/mail"
	"github.com/flowsend/engine/internal/app/domain/workflow"
	"github.com/flowsend/engine/internal/app/services/mailer"
	"github.com/flowsend/engine/internal/app/storage/memory"
	"github.com/flowsend/engine/internal/middleware"
	"github.com/flowsend/engine/pkg/logger"
)

type nopTransport struct{}

func (nopTransport) Send(context.Context, mail.SenderConfig, mailer.OutgoingEmail) error {
	return nil
}

func newTestApp(t *testing.T) (*app.Application, *memory.Store, workflow.Workflow) {
	t.Helper()
	store := memory.New()
	application, err := app.NewWithOptions(app.Stores{
		Workflows: store,
		Contacts:  store,
		Leads:     store,
		Senders:   store,
		Templates: store,
		Messages:  store,
		Credits:   store,
		Audit:     store,
	}, app.Options{Transport: nopTransport{}}, logger.NewNop())
	if err != nil {
		t.Fatalf("build application: %v", err)
	}

	wf, err := store.CreateWorkflow(context.Background(), workflow.Workflow{
		UserID:  "user-1",
		Name:    "welcome",
		Status:  workflow.StatusLive,
		Trigger: workflow.Trigger{Type: "all"},
		Nodes: []workflow.Node{
			{ID: "start", Kind: workflow.KindTrigger},
			{ID: "done", Kind: workflow.KindExit},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "done"}},
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if _, err := store.CreateLead(context.Background(), contact.Lead{
		UserID:   "user-1",
		Email:    "jane@acme.com",
		FullName: "Jane Doe",
	}); err != nil {
		t.Fatalf("create lead: %v", err)
	}
	return application, store, wf
}

func doRequest(t *testing.T, handler http.Handler, claims *middleware.Claims, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	if claims != nil {
		req = req.WithContext(middleware.WithClaims(req.Context(), *claims))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func serviceClaims() *middleware.Claims {
	return &middleware.Claims{UserID: "svc", Role: middleware.RoleService}
}

func userClaims(id string) *middleware.Claims {
	return &middleware.Claims{UserID: id}
}

func TestEngineEndpointRequiresCredentials(t *testing.T) {
	application, _, _ := newTestApp(t)
	handler := NewHandler(application, logger.NewNop())

	rec := doRequest(t, handler, nil, http.MethodPost, "/engine", engineRequest{Action: "tick"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestTickRequiresServiceCredential(t *testing.T) {
	application, _, _ := newTestApp(t)
	handler := NewHandler(application, logger.NewNop())

	rec := doRequest(t, handler, userClaims("user-1"), http.MethodPost, "/engine", engineRequest{Action: "tick"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("user tick: status = %d, want 403", rec.Code)
	}

	rec = doRequest(t, handler, serviceClaims(), http.MethodPost, "/engine", engineRequest{Action: "tick"})
	if rec.Code != http.StatusOK {
		t.Fatalf("service tick: status = %d body = %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Results []struct {
			WorkflowID string `json:"workflow_id"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(out.Results))
	}
}

func TestRunNowEnforcesOwnership(t *testing.T) {
	application, _, wf := newTestApp(t)
	handler := NewHandler(application, logger.NewNop())

	rec := doRequest(t, handler, userClaims("user-2"), http.MethodPost, "/engine",
		engineRequest{Action: "run_now", WorkflowID: wf.ID})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign workflow: status = %d, want 403", rec.Code)
	}

	rec = doRequest(t, handler, userClaims("user-1"), http.MethodPost, "/engine",
		engineRequest{Action: "run_now", WorkflowID: wf.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("own workflow: status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestRunNowRequiresWorkflowID(t *testing.T) {
	application, _, _ := newTestApp(t)
	handler := NewHandler(application, logger.NewNop())

	rec := doRequest(t, handler, serviceClaims(), http.MethodPost, "/engine", engineRequest{Action: "run_now"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestEnrollNowCreatesContacts(t *testing.T) {
	application, store, wf := newTestApp(t)
	handler := NewHandler(application, logger.NewNop())

	rec := doRequest(t, handler, serviceClaims(), http.MethodPost, "/engine",
		engineRequest{Action: "enroll_now", WorkflowID: wf.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Enrolled int `json:"enrolled"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Enrolled != 1 {
		t.Fatalf("enrolled = %d, want 1", out.Enrolled)
	}

	contacts, err := store.ListContacts(context.Background(), wf.ID)
	if err != nil || len(contacts) != 1 {
		t.Fatalf("contacts = %d (%v), want 1", len(contacts), err)
	}
	if contacts[0].Status != contact.StatusActive {
		t.Fatalf("contact status = %s", contacts[0].Status)
	}
}

func TestUnknownActionRejected(t *testing.T) {
	application, _, _ := newTestApp(t)
	handler := NewHandler(application, logger.NewNop())

	rec := doRequest(t, handler, serviceClaims(), http.MethodPost, "/engine", engineRequest{Action: "reprocess"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAuditTrailListsEngineEvents(t *testing.T) {
	application, _, wf := newTestApp(t)
	handler := NewHandler(application, logger.NewNop())

	rec := doRequest(t, handler, serviceClaims(), http.MethodPost, "/engine",
		engineRequest{Action: "run_now", WorkflowID: wf.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("run_now: status = %d", rec.Code)
	}

	rec = doRequest(t, handler, userClaims("user-1"), http.MethodGet, "/audit?workflow_id="+wf.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit: status = %d body = %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Entries []struct {
			EventType string `json:"EventType"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Entries) == 0 {
		t.Fatalf("no audit entries recorded")
	}
}

func TestHealthEndpoint(t *testing.T) {
	application, _, _ := newTestApp(t)
	handler := NewHandler(application, logger.NewNop())

	rec := doRequest(t, handler, nil, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequestTrailServiceOnly(t *testing.T) {
	application, _, _ := newTestApp(t)
	handler := NewHandler(application, logger.NewNop())

	doRequest(t, handler, serviceClaims(), http.MethodPost, "/engine", engineRequest{Action: "tick"})

	rec := doRequest(t, handler, userClaims("user-1"), http.MethodGet, "/requests", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("user request trail: status = %d, want 403", rec.Code)
	}

	rec = doRequest(t, handler, serviceClaims(), http.MethodGet, "/requests", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("service request trail: status = %d", rec.Code)
	}
	var out struct {
		Entries []requestEntry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Entries) == 0 {
		t.Fatalf("request ring is empty")
	}
}
