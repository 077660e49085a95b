// Package engine implements the automation execution engine: enrollment,
// scheduling, exactly-once claiming and the per-contact interpreter that
// advances enrollees through a workflow graph.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowsend/engine/internal/app/domain/workflow"
	"github.com/flowsend/engine/internal/app/services/credits"
	"github.com/flowsend/engine/internal/app/services/mailer"
	"github.com/flowsend/engine/internal/app/storage"
	"github.com/flowsend/engine/internal/httputil"
	"github.com/flowsend/engine/pkg/logger"
)

const (
	// DefaultBatchSize caps how many due contacts one workflow tick claims.
	DefaultBatchSize = 80
	// DefaultEnrollLimit caps how many leads one tick enrolls.
	DefaultEnrollLimit = 200

	// maxTransitions bounds one claimed invocation so a cyclic graph of
	// no-op transitions cannot spin forever.
	maxTransitions = 12

	// staleLeaseAfter is how long a processing lease may be held before the
	// sweeper assumes the worker died and releases the contact.
	staleLeaseAfter = 15 * time.Minute

	sendRetryBackoff    = 15 * time.Minute
	configRetryBackoff  = 15 * time.Minute
	webhookRetryBackoff = 10 * time.Minute
	lookupRetryBackoff  = 10 * time.Minute
	creditRetryBackoff  = 60 * time.Minute
)

// Config wires the engine's collaborators.
type Config struct {
	Workflows storage.WorkflowStore
	Contacts  storage.ContactStore
	Senders   storage.SenderStore
	Templates storage.TemplateStore
	Messages  storage.MessageStore
	Audit     storage.AuditStore

	Credits   *credits.Service
	Transport mailer.Transport
	Webhooks  *httputil.Client

	Metrics *Metrics
	Log     *logger.Logger

	BatchSize   int
	EnrollLimit int

	// Now overrides the engine clock. Tests only.
	Now func() time.Time
}

// Service is the execution engine.
type Service struct {
	workflows storage.WorkflowStore
	contacts  storage.ContactStore
	senders   storage.SenderStore
	templates storage.TemplateStore
	messages  storage.MessageStore

	credits   *credits.Service
	transport mailer.Transport
	webhooks  *httputil.Client

	audit   *auditor
	metrics *Metrics
	log     *logger.Logger

	batchSize   int
	enrollLimit int
	now         func() time.Time
}

// New creates a configured engine service.
func New(cfg Config) *Service {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("engine")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	webhooks := cfg.Webhooks
	if webhooks == nil {
		webhooks = httputil.NewClient(maxWebhookTimeout, webhookBodyLimit)
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	enroll := cfg.EnrollLimit
	if enroll <= 0 {
		enroll = DefaultEnrollLimit
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		workflows:   cfg.Workflows,
		contacts:    cfg.Contacts,
		senders:     cfg.Senders,
		templates:   cfg.Templates,
		messages:    cfg.Messages,
		credits:     cfg.Credits,
		transport:   cfg.Transport,
		webhooks:    webhooks,
		audit:       &auditor{store: cfg.Audit, log: log},
		metrics:     metrics,
		log:         log,
		batchSize:   batch,
		enrollLimit: enroll,
		now:         now,
	}
}

// TickResult pairs a workflow with the summary of its pass.
type TickResult struct {
	WorkflowID string              `json:"workflow_id"`
	Summary    workflow.RunSummary `json:"summary"`
}

// Tick runs one scheduled pass over every workflow that can make progress.
// One workflow's failure never blocks the others.
func (s *Service) Tick(ctx context.Context) ([]TickResult, error) {
	wfs, err := s.workflows.ListWorkflowsByStatus(ctx, workflow.StatusLive, workflow.StatusPaused)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	results := make([]TickResult, 0, len(wfs))
	for _, wf := range wfs {
		summary, err := s.TickWorkflow(ctx, wf, TickOptions{})
		if err != nil {
			s.log.WithError(err).WithField("workflow_id", wf.ID).Error("workflow tick failed")
			continue
		}
		results = append(results, TickResult{WorkflowID: wf.ID, Summary: summary})
	}
	return results, nil
}

// RunAll force-runs every workflow that is not archived.
func (s *Service) RunAll(ctx context.Context) ([]TickResult, error) {
	wfs, err := s.workflows.ListWorkflowsByStatus(ctx,
		workflow.StatusDraft, workflow.StatusLive, workflow.StatusPaused)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	results := make([]TickResult, 0, len(wfs))
	for _, wf := range wfs {
		summary, err := s.TickWorkflow(ctx, wf, TickOptions{Force: true})
		if err != nil {
			s.log.WithError(err).WithField("workflow_id", wf.ID).Error("forced workflow run failed")
			continue
		}
		results = append(results, TickResult{WorkflowID: wf.ID, Summary: summary})
	}
	return results, nil
}

// RunNow force-runs a single workflow regardless of its status.
func (s *Service) RunNow(ctx context.Context, workflowID string, batch int) (workflow.RunSummary, error) {
	wf, err := s.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return workflow.RunSummary{}, fmt.Errorf("load workflow: %w", err)
	}
	return s.TickWorkflow(ctx, wf, TickOptions{Force: true, BatchSize: batch})
}

// EnrollNow enrolls matching leads without claiming or processing anyone.
func (s *Service) EnrollNow(ctx context.Context, workflowID string, limit int) (int, error) {
	wf, err := s.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return 0, fmt.Errorf("load workflow: %w", err)
	}
	if limit <= 0 {
		limit = s.enrollLimit
	}
	return s.enroll(ctx, wf, limit)
}
