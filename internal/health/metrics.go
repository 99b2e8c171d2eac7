package health

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for health reports.
type Metrics struct {
	reportsTotal    *prometheus.CounterVec
	componentStatus *prometheus.GaugeVec
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

	m.reportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "reports_total",
			Help:      "Total number of health reports by overall status",
		},
		[]string{"status"},
	)

	m.componentStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "component_up",
			Help:      "Component health (1=up, 0.5=degraded, 0=down)",
		},
		[]string{"component"},
	)

	m.registry.MustRegister(m.reportsTotal, m.componentStatus)

	return m
}

// RecordReport counts a report.
func (m *Metrics) RecordReport(status Status) {
	m.reportsTotal.WithLabelValues(string(status)).Inc()
}

// SetComponent records a component status.
func (m *Metrics) SetComponent(name string, status Status) {
	v := 1.0
	switch status {
	case StatusDegraded:
		v = 0.5
	case StatusDown:
		v = 0
	}
	m.componentStatus.WithLabelValues(name).Set(v)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry, ignoring
// duplicate registration.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range []prometheus.Collector{m.reportsTotal, m.componentStatus} {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
