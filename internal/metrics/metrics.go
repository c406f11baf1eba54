// Package metrics exposes dispatch and session counters in the Prometheus
// text format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "genflow"

// Metrics owns a private registry so tests can create as many as they
// like. A nil *Metrics records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	attempts    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	unavailable *prometheus.CounterVec
	dispatches  *prometheus.CounterVec
}

// New registers the genflow collectors plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_attempts_total",
			Help:      "Calls to the remote generation service by outcome.",
		}, []string{"generator", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_attempt_seconds",
			Help:      "Duration of one credential attempt including its retry.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"generator"}),
		unavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_unavailable_total",
			Help:      "Candidates passed over because a quota ceiling was reached.",
		}, []string{"reason"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Generation requests by final result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attempts,
		m.latency,
		m.unavailable,
		m.dispatches,
	)
	return m
}

// Attempt records one credential attempt. outcome is "success" or an
// error class.
func (m *Metrics) Attempt(generator, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(generator, outcome).Inc()
	m.latency.WithLabelValues(generator).Observe(d.Seconds())
}

// Unavailable records a candidate skipped for reason.
func (m *Metrics) Unavailable(reason string) {
	if m == nil {
		return
	}
	m.unavailable.WithLabelValues(reason).Inc()
}

// Dispatch records the result of a whole dispatch: "success",
// "exhausted" or "error".
func (m *Metrics) Dispatch(result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
}

// TrackSessions exports the number of live sessions as reported by count.
func (m *Metrics) TrackSessions(count func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Sessions held in memory.",
	}, func() float64 { return float64(count()) }))
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
