// Package metrics exposes Prometheus collectors for the outbox, bus and retry
// components.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/goliatone/go-permission/bus"
	"github.com/goliatone/go-permission/outbox"
	"github.com/goliatone/go-permission/retry"
)

const DefaultNamespace = "permission"

// Metrics holds the collectors. All recorders are nil safe.
type Metrics struct {
	// Commits by event type and result
	Commits *prometheus.CounterVec

	CommitLatency *prometheus.HistogramVec

	// Published events by type and subscribers reached
	Published *prometheus.CounterVec

	SubscriberFanout prometheus.Histogram

	SubscriberFailures *prometheus.CounterVec

	// Retry sweep outcomes: triggered, skipped, exhausted, failed
	RetryOutcomes *prometheus.CounterVec

	SweepLatency prometheus.Histogram
}

var (
	_ outbox.Metrics = (*Metrics)(nil)
	_ bus.Metrics    = (*Metrics)(nil)
	_ retry.Metrics  = (*Metrics)(nil)
)

// New registers all collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)
	return &Metrics{
		Commits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_commits_total",
			Help:      "Outbox commits by event type and result",
		}, []string{"event_type", "result"}),

		CommitLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_commit_duration_seconds",
			Help:      "Duration of event store appends made by the outbox",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"event_type"}),

		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_published_total",
			Help:      "Events published on the bus by type",
		}, []string{"event_type"}),

		SubscriberFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_subscriber_fanout",
			Help:      "Number of subscribers an event was queued for",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
		}),

		SubscriberFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_subscriber_failures_total",
			Help:      "Subscriber handler failures by subscriber and event type",
		}, []string{"subscriber", "event_type"}),

		RetryOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_outcomes_total",
			Help:      "Retry sweep outcomes per request",
		}, []string{"outcome"}),

		SweepLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_sweep_duration_seconds",
			Help:      "Duration of a full retry sweep",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
	}
}

// RecordCommit records one outbox append.
func (m *Metrics) RecordCommit(eventType string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Commits.WithLabelValues(eventType, result).Inc()
	m.CommitLatency.WithLabelValues(eventType).Observe(d.Seconds())
}

// EventPublished records a bus publish.
func (m *Metrics) EventPublished(eventType string, subscribers int) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(eventType).Inc()
	m.SubscriberFanout.Observe(float64(subscribers))
}

func (m *Metrics) SubscriberFailed(subscriber, eventType string) {
	if m != nil {
		m.SubscriberFailures.WithLabelValues(subscriber, eventType).Inc()
	}
}

// RecordSweep records the per request outcomes of one sweep.
func (m *Metrics) RecordSweep(report retry.SweepReport, d time.Duration) {
	if m == nil {
		return
	}
	m.RetryOutcomes.WithLabelValues("triggered").Add(float64(report.Triggered))
	m.RetryOutcomes.WithLabelValues("skipped").Add(float64(report.Skipped))
	m.RetryOutcomes.WithLabelValues("exhausted").Add(float64(report.Exhausted))
	m.RetryOutcomes.WithLabelValues("failed").Add(float64(report.Failed))
	m.SweepLatency.Observe(d.Seconds())
}
