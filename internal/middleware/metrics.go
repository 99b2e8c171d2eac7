package middleware

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the middleware.
type Metrics struct {
	panicsRecovered prometheus.Counter
	terminated      *prometheus.CounterVec
	registry        *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.panicsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "middleware",
			Name:      "panics_recovered_total",
			Help:      "Total number of recovered handler panics",
		},
	)

	m.terminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "middleware",
			Name:      "terminated_requests_total",
			Help:      "Total number of requests answered by the filter chain",
		},
		[]string{"status"},
	)

	m.registry.MustRegister(m.panicsRecovered, m.terminated)

	return m
}

// RecordPanic records a recovered panic.
func (m *Metrics) RecordPanic() {
	m.panicsRecovered.Inc()
}

// RecordTerminated records a terminal chain response.
func (m *Metrics) RecordTerminated(status int) {
	m.terminated.WithLabelValues(strconv.Itoa(status)).Inc()
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry, ignoring
// duplicate registration.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range []prometheus.Collector{m.panicsRecovered, m.terminated} {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
