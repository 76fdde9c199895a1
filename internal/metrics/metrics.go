package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors shared by the registry, the executor and the validator.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	selections  *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	degraded    prometheus.Counter
	attempts    *prometheus.CounterVec
	exhausted   *prometheus.CounterVec
	batches     *prometheus.CounterVec
	confirmed   prometheus.Counter
	callLatency *prometheus.HistogramVec
}

// New builds the collectors on a private prometheus registry.
func New(namespace string) (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.selections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "endpoint_selections_total",
		Help:      "Number of times an endpoint was returned by selection",
	}, []string{"endpoint"})

	m.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "endpoint_outcomes_total",
		Help:      "Recorded call outcomes per endpoint",
	}, []string{"endpoint", "outcome"})

	m.rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "endpoint_rate_limited_total",
		Help:      "Number of cooldowns installed per endpoint",
	}, []string{"endpoint"})

	m.degraded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "degraded_selections_total",
		Help:      "Selections that returned the fallback while every endpoint was cooling down",
	})

	m.attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "attempts_total",
		Help:      "Endpoint attempts made by the dispatch executor",
	}, []string{"task", "outcome"})

	m.exhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "exhausted_total",
		Help:      "Logical requests that failed on every endpoint",
	}, []string{"task"})

	m.batches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consensus",
		Name:      "batches_total",
		Help:      "Validated batches by agreement status",
	}, []string{"status"})

	m.confirmed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consensus",
		Name:      "confirmed_total",
		Help:      "Identifiers confirmed by consensus",
	})

	m.callLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "inference",
		Name:      "call_latency_seconds",
		Help:      "Latency of single inference calls",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})

	collectors := []prometheus.Collector{
		m.selections, m.outcomes, m.rateLimited, m.degraded,
		m.attempts, m.exhausted, m.batches, m.confirmed, m.callLatency,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	return m, nil
}

// Handler exposes the collectors in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry for tests and custom exporters.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) Selected(endpoint string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) Outcome(endpoint string, success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.outcomes.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) RateLimited(endpoint string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) Degraded() {
	if m == nil {
		return
	}
	m.degraded.Inc()
}

func (m *Metrics) Attempt(task, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(task, outcome).Inc()
}

func (m *Metrics) Exhausted(task string) {
	if m == nil {
		return
	}
	m.exhausted.WithLabelValues(task).Inc()
}

func (m *Metrics) Batch(status string, confirmed int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(status).Inc()
	m.confirmed.Add(float64(confirmed))
}

func (m *Metrics) CallLatency(endpoint string, d time.Duration) {
	if m == nil {
		return
	}
	m.callLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}
