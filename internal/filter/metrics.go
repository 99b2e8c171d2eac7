package filter

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the filter chain.
type Metrics struct {
	outcomesTotal *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	registry      *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "outcomes_total",
			Help:      "Total number of stage outcomes",
		},
		[]string{"stage", "outcome"},
	)

	m.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "stage_duration_seconds",
			Help:      "Stage execution duration in seconds",
			Buckets:   []float64{.00001, .0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"stage"},
	)

	m.registry.MustRegister(m.outcomesTotal, m.stageDuration)

	return m
}

// RecordStage records one stage execution.
func (m *Metrics) RecordStage(stage string, terminated bool, duration time.Duration) {
	outcome := "continue"
	if terminated {
		outcome = "terminate"
	}
	m.outcomesTotal.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry, ignoring
// duplicate registration.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range []prometheus.Collector{m.outcomesTotal, m.stageDuration} {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
