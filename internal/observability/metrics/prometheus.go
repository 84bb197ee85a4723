// Package metrics provides Prometheus metrics for the lifecycle engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	PrescriptionsIssued    prometheus.Counter
	DispensesTotal         prometheus.Counter
	DispensesRejected      *prometheus.CounterVec
	RevocationsTotal       *prometheus.CounterVec
	BulkRevocations        prometheus.Counter
	RollbacksTotal         prometheus.Counter
	ScheduledProcessed     prometheus.Counter
	AuditEntriesTotal      *prometheus.CounterVec
	OperationDuration      prometheus.Histogram
	AuditOutboxPending     prometheus.Gauge
	NotificationsPublished prometheus.Counter
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		PrescriptionsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_issued_total",
			Help: "Total prescriptions issued and signed",
		}),
		DispensesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispenses_total",
			Help: "Total successful dispense transactions",
		}),
		DispensesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispenses_rejected_total",
			Help: "Dispense attempts rejected, by reason",
		}, []string{"reason"}),
		RevocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revocations_total",
			Help: "Total prescriptions revoked, by reason",
		}, []string{"reason"}),
		BulkRevocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulk_revocations_total",
			Help: "Total bulk revocation executions",
		}),
		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulk_rollbacks_total",
			Help: "Total bulk revocation rollbacks",
		}),
		ScheduledProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduled_revocations_processed_total",
			Help: "Total due scheduled revocations processed",
		}),
		AuditEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Total audit ledger entries appended, by event type",
		}, []string{"event_type"}),
		OperationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lifecycle_operation_duration_seconds",
			Help:    "Lifecycle operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		AuditOutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_outbox_pending_entries",
			Help: "Pending audit outbox entries",
		}),
		NotificationsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patient_notifications_published_total",
			Help: "Total patient notifications published",
		}),
	}

	prometheus.MustRegister(
		m.PrescriptionsIssued,
		m.DispensesTotal,
		m.DispensesRejected,
		m.RevocationsTotal,
		m.BulkRevocations,
		m.RollbacksTotal,
		m.ScheduledProcessed,
		m.AuditEntriesTotal,
		m.OperationDuration,
		m.AuditOutboxPending,
		m.NotificationsPublished,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
