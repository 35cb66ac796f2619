package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

// Metrics aggregates the engine's prometheus counters.
type Metrics struct {
	WebhookOutcomes   *prometheus.CounterVec
	PayoutTransitions *prometheus.CounterVec
	LedgerEntries     *prometheus.CounterVec
	EventsEmitted     *prometheus.CounterVec
	SchedulerRuns     *prometheus.CounterVec
	SchedulerErrors   *prometheus.CounterVec
}

func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WebhookOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "freeside_webhook_outcomes_total",
			Help: "Webhook processing results by provider and outcome.",
		}, []string{"provider", "outcome"}),
		PayoutTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "freeside_payout_transitions_total",
			Help: "Payout state machine transitions by from/to status.",
		}, []string{"from", "to"}),
		LedgerEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "freeside_ledger_entries_total",
			Help: "Credit ledger entries written by entry type.",
		}, []string{"entry_type"}),
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "freeside_events_emitted_total",
			Help: "Event log rows written by vocabulary and event type.",
		}, []string{"vocabulary", "event_type"}),
		SchedulerRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "freeside_scheduler_job_runs_total",
			Help: "Scheduler job executions by job name.",
		}, []string{"job"}),
		SchedulerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "freeside_scheduler_job_errors_total",
			Help: "Scheduler job failures by job name.",
		}, []string{"job"}),
	}
}

func (m *Metrics) RecordWebhookOutcome(provider, outcome string) {
	if m == nil {
		return
	}
	m.WebhookOutcomes.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) RecordPayoutTransition(from, to string) {
	if m == nil {
		return
	}
	m.PayoutTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordLedgerEntry(entryType string) {
	if m == nil {
		return
	}
	m.LedgerEntries.WithLabelValues(entryType).Inc()
}

func (m *Metrics) RecordEventEmitted(vocabulary, eventType string) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(vocabulary, eventType).Inc()
}

func (m *Metrics) RecordSchedulerRun(job string) {
	if m == nil {
		return
	}
	m.SchedulerRuns.WithLabelValues(job).Inc()
}

func (m *Metrics) RecordSchedulerError(job string) {
	if m == nil {
		return
	}
	m.SchedulerErrors.WithLabelValues(job).Inc()
}

var Module = fx.Module("metrics",
	fx.Provide(New),
)
