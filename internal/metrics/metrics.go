// Package metrics holds the Prometheus instruments for the capture pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bookshot"

// Capture outcomes used as the "outcome" label.
const (
	OutcomeCompleted = "completed"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeOrphaned  = "orphaned"
)

// Metrics is safe to use through a nil pointer, in which case nothing is recorded.
type Metrics struct {
	CaptureAttempts  *prometheus.CounterVec
	CaptureDuration  prometheus.Histogram
	QueueEnqueued    *prometheus.CounterVec
	CapturesInFlight prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the instruments on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		CaptureAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_attempts_total",
			Help:      "Screenshot capture attempts by outcome.",
		}, []string{"outcome"}),
		CaptureDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capture_duration_seconds",
			Help:      "Time spent capturing and uploading a screenshot.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		QueueEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Capture jobs enqueued by reason.",
		}, []string{"reason"}),
		CapturesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "captures_in_flight",
			Help:      "Captures currently running.",
		}),
		registry: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveCapture(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.CaptureAttempts.WithLabelValues(outcome).Inc()
	m.CaptureDuration.Observe(took.Seconds())
}

func (m *Metrics) Enqueued(reason string) {
	if m == nil {
		return
	}
	m.QueueEnqueued.WithLabelValues(reason).Inc()
}

// TrackInFlight increments the in-flight gauge and returns the matching decrement.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.CapturesInFlight.Inc()
	return m.CapturesInFlight.Dec
}
