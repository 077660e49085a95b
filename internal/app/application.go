// Package app wires stores and services into one application.
package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowsend/engine/internal/app/services/credits"
	"github.com/flowsend/engine/internal/app/services/engine"
	"github.com/flowsend/engine/internal/app/services/mailer"
	"github.com/flowsend/engine/internal/app/storage"
	"github.com/flowsend/engine/internal/app/storage/memory"
	"github.com/flowsend/engine/internal/httputil"
	"github.com/flowsend/engine/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Workflows storage.WorkflowStore
	Contacts  storage.ContactStore
	Leads     storage.LeadStore
	Senders   storage.SenderStore
	Templates storage.TemplateStore
	Messages  storage.MessageStore
	Credits   storage.CreditLedger
	Audit     storage.AuditStore
}

// Options tune the application's collaborators. Zero values select the
// production defaults.
type Options struct {
	// Transport delivers outbound mail; defaults to SMTP.
	Transport mailer.Transport
	// Webhooks issues outbound webhook calls.
	Webhooks *httputil.Client

	BatchSize   int
	EnrollLimit int
	SendTimeout time.Duration

	// Now overrides the engine clock. Tests only.
	Now func() time.Time
}

// Application ties the domain services together.
type Application struct {
	log      *logger.Logger
	registry *prometheus.Registry

	Stores  Stores
	Credits *credits.Service
	Engine  *engine.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, log *logger.Logger) (*Application, error) {
	return NewWithOptions(stores, Options{}, log)
}

// NewWithOptions builds an application with explicit collaborator options.
func NewWithOptions(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Workflows == nil {
		stores.Workflows = mem
	}
	if stores.Contacts == nil {
		stores.Contacts = mem
	}
	if stores.Leads == nil {
		stores.Leads = mem
	}
	if stores.Senders == nil {
		stores.Senders = mem
	}
	if stores.Templates == nil {
		stores.Templates = mem
	}
	if stores.Messages == nil {
		stores.Messages = mem
	}
	if stores.Credits == nil {
		stores.Credits = mem
	}
	if stores.Audit == nil {
		stores.Audit = mem
	}

	transport := opts.Transport
	if transport == nil {
		transport = mailer.NewSMTPTransport(opts.SendTimeout)
	}

	registry := prometheus.NewRegistry()
	creditsService := credits.New(stores.Credits, log)
	engineService := engine.New(engine.Config{
		Workflows:   stores.Workflows,
		Contacts:    stores.Contacts,
		Senders:     stores.Senders,
		Templates:   stores.Templates,
		Messages:    stores.Messages,
		Audit:       stores.Audit,
		Credits:     creditsService,
		Transport:   transport,
		Webhooks:    opts.Webhooks,
		Metrics:     engine.NewMetrics(registry),
		Log:         log.WithField("component", "engine"),
		BatchSize:   opts.BatchSize,
		EnrollLimit: opts.EnrollLimit,
		Now:         opts.Now,
	})

	return &Application{
		log:      log,
		registry: registry,
		Stores:   stores,
		Credits:  creditsService,
		Engine:   engineService,
	}, nil
}

// Registry exposes the application's metric collectors for serving.
func (a *Application) Registry() *prometheus.Registry {
	return a.registry
}
