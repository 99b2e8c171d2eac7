package backend

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for instance selection and health checks.
type Metrics struct {
	selectionsTotal  *prometheus.CounterVec
	noInstancesTotal *prometheus.CounterVec
	healthChecks     *prometheus.CounterVec
	healthDuration   *prometheus.HistogramVec
	instanceHealthy  *prometheus.GaugeVec
	registry         *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.selectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "selections_total",
			Help:      "Total number of instance selections",
		},
		[]string{"service", "instance"},
	)

	m.noInstancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "no_instances_total",
			Help:      "Total number of selections without a live instance",
		},
		[]string{"service"},
	)

	m.healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "health_checks_total",
			Help:      "Total number of instance health checks",
		},
		[]string{"service", "result"},
	)

	m.healthDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "health_check_duration_seconds",
			Help:      "Health check duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	m.instanceHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "instance_healthy",
			Help:      "Instance health (1 healthy, 0 unhealthy)",
		},
		[]string{"service", "instance"},
	)

	m.registry.MustRegister(m.collectors()...)

	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.selectionsTotal,
		m.noInstancesTotal,
		m.healthChecks,
		m.healthDuration,
		m.instanceHealthy,
	}
}

// RecordSelection records a successful selection.
func (m *Metrics) RecordSelection(service, instance string) {
	m.selectionsTotal.WithLabelValues(service, instance).Inc()
}

// RecordNoInstances records a selection over an empty instance set.
func (m *Metrics) RecordNoInstances(service string) {
	m.noInstancesTotal.WithLabelValues(service).Inc()
}

// RecordHealthCheck records one health check result.
func (m *Metrics) RecordHealthCheck(service string, success bool, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	m.healthChecks.WithLabelValues(service, result).Inc()
	m.healthDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// SetInstanceHealthy publishes the health of an instance.
func (m *Metrics) SetInstanceHealthy(service, instance string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.instanceHealthy.WithLabelValues(service, instance).Set(v)
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
