package authz

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains authorization metrics.
type Metrics struct {
	// decisionTotal counts decisions by rule and outcome.
	decisionTotal *prometheus.CounterVec

	// ruleCount tracks the number of loaded rules.
	ruleCount prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates new authorization metrics.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.decisionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "decision_total",
			Help:      "Total number of authorization decisions",
		},
		[]string{"rule", "decision"},
	)

	m.ruleCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "rules",
			Help:      "Number of loaded authorization rules",
		},
	)

	m.registry.MustRegister(m.decisionTotal, m.ruleCount)

	return m
}

// RecordDecision records an authorization decision.
func (m *Metrics) RecordDecision(d Decision) {
	rule := d.Rule
	if rule == "" {
		if d.Reason == ReasonPublicPath {
			rule = "public"
		} else {
			rule = "default"
		}
	}
	decision := "deny"
	if d.Allowed {
		decision = "allow"
	}
	m.decisionTotal.WithLabelValues(rule, decision).Inc()
}

// SetRuleCount sets the number of loaded rules.
func (m *Metrics) SetRuleCount(n int) {
	m.ruleCount.Set(float64(n))
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry, ignoring
// duplicate registration.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range []prometheus.Collector{m.decisionTotal, m.ruleCount} {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
