package ratelimit

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the rate limiter.
type Metrics struct {
	decisionsTotal *prometheus.CounterVec
	storeErrors    prometheus.Counter
	registry       *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Total number of rate limit decisions",
		},
		[]string{"decision"},
	)

	m.storeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "store_errors_total",
			Help:      "Total number of counter store failures; affected requests are allowed",
		},
	)

	m.registry.MustRegister(m.decisionsTotal, m.storeErrors)

	return m
}

// RecordDecision records an allow or deny decision.
func (m *Metrics) RecordDecision(allowed bool) {
	if allowed {
		m.decisionsTotal.WithLabelValues("allowed").Inc()
		return
	}
	m.decisionsTotal.WithLabelValues("denied").Inc()
}

// RecordStoreError records a failed counter update.
func (m *Metrics) RecordStoreError() {
	m.storeErrors.Inc()
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry, ignoring
// duplicate registration.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range []prometheus.Collector{m.decisionsTotal, m.storeErrors} {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
