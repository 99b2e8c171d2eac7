package proxy

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// Metrics holds Prometheus metrics for the proxy.
type Metrics struct {
	upstreamRequests   *prometheus.CounterVec
	upstreamDuration   *prometheus.HistogramVec
	fallbacksTotal     *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	registry           *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "upstream_requests_total",
			Help:      "Total number of upstream requests",
		},
		[]string{"service", "status"},
	)

	m.upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	m.fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "fallbacks_total",
			Help:      "Total number of fallback responses",
		},
		[]string{"service", "reason"},
	)

	m.breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)

	m.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"service"},
	)

	m.registry.MustRegister(m.collectors()...)

	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.upstreamRequests,
		m.upstreamDuration,
		m.fallbacksTotal,
		m.breakerTransitions,
		m.breakerState,
	}
}

// RecordUpstream records a completed upstream request. Status 0 marks a
// transport failure.
func (m *Metrics) RecordUpstream(service string, status int, duration time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.upstreamRequests.WithLabelValues(service, label).Inc()
	m.upstreamDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordFallback records a fallback response.
func (m *Metrics) RecordFallback(service, reason string) {
	m.fallbacksTotal.WithLabelValues(service, reason).Inc()
}

// RecordBreakerTransition records a breaker state change.
func (m *Metrics) RecordBreakerTransition(service string, from, to gobreaker.State) {
	m.breakerTransitions.WithLabelValues(service, from.String(), to.String()).Inc()
	m.breakerState.WithLabelValues(service).Set(float64(to))
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry, ignoring
// duplicate registration.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range m.collectors() {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
