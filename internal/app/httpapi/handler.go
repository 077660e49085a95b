// Package httpapi exposes the engine over HTTP: one action entrypoint,
// the audit trail, and health.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	app "github.com/flowsend/engine/internal/app"
	"github.com/flowsend/engine/internal/app/domain/workflow"
	"github.com/flowsend/engine/internal/middleware"
	"github.com/flowsend/engine/pkg/logger"
)

// handler bundles the HTTP endpoints over the application services.
type handler struct {
	app      *app.Application
	requests *requestLog
	log      *logger.Logger
}

// NewHandler returns a mux exposing the engine API. Authentication is the
// auth middleware's job; this handler only reads the claims it attached.
func NewHandler(application *app.Application, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{app: application, requests: newRequestLog(0), log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/engine", h.engine)
	mux.HandleFunc("/audit", h.auditTrail)
	mux.HandleFunc("/requests", h.requestTrail)
	mux.HandleFunc("/healthz", h.health)
	return h.recorded(mux)
}

// engineRequest is the single entrypoint payload.
type engineRequest struct {
	Action     string `json:"action"`
	WorkflowID string `json:"workflow_id,omitempty"`
	BatchSize  int    `json:"batch_size,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func (h *handler) engine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload engineRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("missing credentials"))
		return
	}

	switch strings.ToLower(strings.TrimSpace(payload.Action)) {
	case "tick":
		if !claims.Service() {
			writeError(w, http.StatusForbidden, errors.New("tick requires the service credential"))
			return
		}
		results, err := h.app.Engine.Tick(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})

	case "run_all":
		if !claims.Service() {
			writeError(w, http.StatusForbidden, errors.New("run_all requires the service credential"))
			return
		}
		results, err := h.app.Engine.RunAll(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})

	case "run_now":
		wf, status, err := h.authorizeWorkflow(r, claims, payload.WorkflowID)
		if err != nil {
			writeError(w, status, err)
			return
		}
		summary, err := h.app.Engine.RunNow(r.Context(), wf.ID, payload.BatchSize)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflow_id": wf.ID, "summary": summary})

	case "enroll_now":
		wf, status, err := h.authorizeWorkflow(r, claims, payload.WorkflowID)
		if err != nil {
			writeError(w, status, err)
			return
		}
		enrolled, err := h.app.Engine.EnrollNow(r.Context(), wf.ID, payload.Limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflow_id": wf.ID, "enrolled": enrolled})

	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported action %q", payload.Action))
	}
}

// authorizeWorkflow loads the workflow and enforces the credential scope:
// the service credential reaches every workflow, an end-user credential
// only its own.
func (h *handler) authorizeWorkflow(r *http.Request, claims middleware.Claims, workflowID string) (workflow.Workflow, int, error) {
	if strings.TrimSpace(workflowID) == "" {
		return workflow.Workflow{}, http.StatusBadRequest, errors.New("workflow_id is required")
	}
	wf, err := h.app.Stores.Workflows.GetWorkflow(r.Context(), workflowID)
	if err != nil {
		return workflow.Workflow{}, http.StatusNotFound, err
	}
	if !claims.Service() && wf.UserID != claims.UserID {
		return workflow.Workflow{}, http.StatusForbidden, errors.New("workflow not owned by caller")
	}
	return wf, 0, nil
}

func (h *handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("missing credentials"))
		return
	}
	workflowID := r.URL.Query().Get("workflow_id")
	if workflowID == "" {
		writeError(w, http.StatusBadRequest, errors.New("workflow_id is required"))
		return
	}
	if _, status, err := h.authorizeWorkflow(r, claims, workflowID); err != nil {
		writeError(w, status, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
	}
	entries, err := h.app.Stores.Audit.ListAudit(r.Context(), workflowID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// requestTrail serves the in-memory request ring. Service credential only.
func (h *handler) requestTrail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok || !claims.Service() {
		writeError(w, http.StatusForbidden, errors.New("request trail requires the service credential"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": h.requests.listLimit(limit)})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recorded appends one request audit entry per served request.
func (h *handler) recorded(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		claims, _ := middleware.ClaimsFrom(r.Context())
		h.requests.add(requestEntry{
			Time:       time.Now().UTC(),
			User:       claims.UserID,
			Role:       claims.Role,
			Path:       r.URL.Path,
			Method:     r.Method,
			Status:     wrapped.status,
			RemoteAddr: r.RemoteAddr,
		})
	})
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
