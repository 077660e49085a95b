package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	ContactsProcessed *prometheus.CounterVec
	ContactsEnrolled  prometheus.Counter
	EmailsSent        prometheus.Counter
	WebhookCalls      *prometheus.CounterVec
	TickDuration      prometheus.Histogram
}

// NewMetrics registers the engine collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ContactsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_contacts_processed_total",
			Help: "Claimed contact invocations by final outcome.",
		}, []string{"outcome"}),
		ContactsEnrolled: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_contacts_enrolled_total",
			Help: "Leads enrolled into workflows.",
		}),
		EmailsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_emails_sent_total",
			Help: "Emails delivered through the mail transport.",
		}),
		WebhookCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_webhook_calls_total",
			Help: "Outbound webhook calls by result.",
		}, []string{"result"}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_tick_duration_seconds",
			Help:    "Duration of one workflow tick.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) observeOutcome(o Outcome) {
	m.ContactsProcessed.WithLabelValues(string(o)).Inc()
}
