// Package metrics exposes Prometheus instrumentation for intake sessions,
// backend calls and predictions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered on a private registry
type Metrics struct {
	registry *prometheus.Registry

	transitions    *prometheus.CounterVec
	backendCalls   *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
	predictions    *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	historyAppends *prometheus.CounterVec
	activeSessions prometheus.Gauge
}

// New creates a metrics set with its own registry, including the Go
// runtime and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_state_transitions_total",
			Help: "Reconciliation state transitions by source and target state",
		}, []string{"from", "to"}),
		backendCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_backend_requests_total",
			Help: "Prediction backend calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		backendLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_backend_request_duration_seconds",
			Help:    "Prediction backend call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"operation"}),
		predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_predictions_total",
			Help: "Completed predictions by input source and predicted disease",
		}, []string{"source", "disease"}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_prediction_cache_lookups_total",
			Help: "Prediction cache lookups by tier and result",
		}, []string{"tier", "result"}),
		historyAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_history_appends_total",
			Help: "Prediction history appends by outcome",
		}, []string{"outcome"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "intake_active_sessions",
			Help: "Intake sessions currently held by the server",
		}),
	}
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Transition counts a state change
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// BackendCall records the outcome and duration of a backend request
func (m *Metrics) BackendCall(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.backendCalls.WithLabelValues(operation, outcome).Inc()
	m.backendLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// Prediction counts a completed prediction
func (m *Metrics) Prediction(source, disease string) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(source, disease).Inc()
}

// CacheLookup counts a cache hit or miss for a tier ("memory" or "redis")
func (m *Metrics) CacheLookup(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

// HistoryAppend counts a history write
func (m *Metrics) HistoryAppend(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.historyAppends.WithLabelValues(outcome).Inc()
}

// SetActiveSessions reports the number of live sessions
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
