package jwt

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for token operations.
type Metrics struct {
	validationTotal    *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec
	signingTotal       *prometheus.CounterVec
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

	m.validationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jwt",
			Name:      "validation_total",
			Help:      "Total number of token validations by outcome and rejection reason",
		},
		[]string{"status", "reason"},
	)

	m.validationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jwt",
			Name:      "validation_duration_seconds",
			Help:      "Token validation duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		},
		[]string{"status"},
	)

	m.signingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jwt",
			Name:      "signing_total",
			Help:      "Total number of token signing attempts",
		},
		[]string{"status", "algorithm"},
	)

	m.registry.MustRegister(m.collectors()...)

	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.validationTotal,
		m.validationDuration,
		m.signingTotal,
	}
}

// RecordValidation records a validation attempt. reason is empty on success.
func (m *Metrics) RecordValidation(reason string, duration time.Duration) {
	status := "success"
	if reason != "" {
		status = "error"
	} else {
		reason = "none"
	}
	m.validationTotal.WithLabelValues(status, reason).Inc()
	m.validationDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordSigning records a signing attempt.
func (m *Metrics) RecordSigning(status, algorithm string) {
	m.signingTotal.WithLabelValues(status, algorithm).Inc()
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry. Duplicate
// registration after a config reload is ignored.
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
