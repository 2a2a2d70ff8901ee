package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's prometheus collectors. Registration happens on
// an injectable registerer so tests can use a fresh registry.
type Metrics struct {
	JobsSettled  *prometheus.CounterVec
	StageRetries *prometheus.CounterVec
	StageSeconds *prometheus.HistogramVec
	QueueDepth   prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New builds and registers the collectors. Passing nil registers on the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	gatherer := prometheus.Gatherer(prometheus.DefaultGatherer)
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		JobsSettled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "loom",
				Name:      "jobs_settled_total",
				Help:      "Jobs that reached a terminal status, by outcome.",
			},
			[]string{"status"},
		),
		StageRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "loom",
				Name:      "stage_retries_total",
				Help:      "Transient stage failures that triggered a retry.",
			},
			[]string{"stage"},
		),
		StageSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "loom",
				Name:      "stage_duration_seconds",
				Help:      "Wall-clock duration of stage executions.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"stage", "outcome"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "loom",
				Name:      "queue_depth",
				Help:      "Jobs currently in queued status.",
			},
		),
	}

	reg.MustRegister(m.JobsSettled, m.StageRetries, m.StageSeconds, m.QueueDepth)
	m.gatherer = gatherer
	return m
}

// Handler serves the registered collectors in the prometheus exposition
// format for the daemon's scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// NewNop builds unregistered collectors for callers that do not report.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(stage, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StageSeconds.WithLabelValues(stage, outcome).Observe(elapsed.Seconds())
}

// RecordSettled counts a job reaching a terminal status.
func (m *Metrics) RecordSettled(status string) {
	if m == nil {
		return
	}
	m.JobsSettled.WithLabelValues(status).Inc()
}

// RecordRetry counts a transient stage failure that will be retried.
func (m *Metrics) RecordRetry(stage string) {
	if m == nil {
		return
	}
	m.StageRetries.WithLabelValues(stage).Inc()
}
