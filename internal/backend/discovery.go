package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vyrodovalexey/marketgw/internal/config"
	"github.com/vyrodovalexey/marketgw/internal/observability"
)

// Discovery lists the live instances of a service.
type Discovery interface {
	Instances(ctx context.Context, serviceID string) ([]Instance, error)
}

// StaticDiscovery serves instances from configuration. Services with an
// enabled health check only expose instances that are not unhealthy.
type StaticDiscovery struct {
	logger  observability.Logger
	metrics *Metrics

	mu       sync.RWMutex
	services map[string][]Instance
	checkers map[string]*HealthChecker
	ctx      context.Context
}

// DiscoveryOption is a functional option for static discovery.
type DiscoveryOption func(*StaticDiscovery)

// WithDiscoveryLogger sets the logger.
func WithDiscoveryLogger(logger observability.Logger) DiscoveryOption {
	return func(d *StaticDiscovery) {
		d.logger = logger
	}
}

// WithDiscoveryMetrics sets the metrics shared with the health checkers.
func WithDiscoveryMetrics(metrics *Metrics) DiscoveryOption {
	return func(d *StaticDiscovery) {
		d.metrics = metrics
	}
}

// NewStaticDiscovery creates a discovery serving services.
func NewStaticDiscovery(services map[string]config.Service, opts ...DiscoveryOption) *StaticDiscovery {
	d := &StaticDiscovery{
		logger:   observability.NopLogger(),
		services: make(map[string][]Instance),
		checkers: make(map[string]*HealthChecker),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.metrics == nil {
		d.metrics = NewMetrics("gateway")
	}

	d.Update(services)
	return d
}

// Start starts the health checkers. Checkers added by later updates are
// started with the same context.
func (d *StaticDiscovery) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ctx = ctx
	for _, hc := range d.checkers {
		hc.Start(ctx)
	}
}

// Stop stops every health checker.
func (d *StaticDiscovery) Stop() {
	d.mu.Lock()
	checkers := make([]*HealthChecker, 0, len(d.checkers))
	for _, hc := range d.checkers {
		checkers = append(checkers, hc)
	}
	d.ctx = nil
	d.mu.Unlock()

	for _, hc := range checkers {
		hc.Stop()
	}
}

// Update replaces the service table. Health checkers are created, updated
// or stopped to follow the new configuration.
func (d *StaticDiscovery) Update(services map[string]config.Service) {
	next := make(map[string][]Instance, len(services))
	for name, svc := range services {
		next[name] = InstancesFromConfig(svc.Instances)
	}

	var stale []*HealthChecker

	d.mu.Lock()
	for name, hc := range d.checkers {
		svc, ok := services[name]
		if !ok || svc.HealthCheck == nil || !svc.HealthCheck.Enabled {
			stale = append(stale, hc)
			delete(d.checkers, name)
		}
	}
	for name, svc := range services {
		if svc.HealthCheck == nil || !svc.HealthCheck.Enabled {
			continue
		}
		if hc, ok := d.checkers[name]; ok {
			hc.SetInstances(next[name])
			continue
		}
		hc := NewHealthChecker(name, next[name], *svc.HealthCheck,
			WithHealthCheckLogger(d.logger),
			WithHealthCheckMetrics(d.metrics),
		)
		d.checkers[name] = hc
		if d.ctx != nil {
			hc.Start(d.ctx)
		}
	}
	d.services = next
	d.mu.Unlock()

	for _, hc := range stale {
		hc.Stop()
	}

	d.logger.Debug("service instances updated",
		observability.Int("services", len(next)),
	)
}

// Instances returns the live instances of serviceID in configuration order.
func (d *StaticDiscovery) Instances(ctx context.Context, serviceID string) ([]Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	all, ok := d.services[serviceID]
	hc := d.checkers[serviceID]
	d.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, serviceID)
	}
	if hc == nil {
		return append([]Instance(nil), all...), nil
	}

	live := make([]Instance, 0, len(all))
	for _, inst := range all {
		if hc.Healthy(inst.Address()) {
			live = append(live, inst)
		}
	}
	return live, nil
}

// Services returns the configured service ids, sorted.
func (d *StaticDiscovery) Services() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.services))
	for name := range d.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Checker returns the health checker of serviceID, nil when disabled.
func (d *StaticDiscovery) Checker(serviceID string) *HealthChecker {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.checkers[serviceID]
}
