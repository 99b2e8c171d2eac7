package backend

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/marketgw/internal/config"
	"github.com/vyrodovalexey/marketgw/internal/observability"
)

// HealthStatusFunc is called when an instance's health status changes.
type HealthStatusFunc func(service, address string, healthy bool)

// Health check default configuration constants.
const (
	// DefaultHealthyThreshold is the default number of consecutive successes
	// required to mark an instance as healthy.
	DefaultHealthyThreshold = 2

	// DefaultUnhealthyThreshold is the default number of consecutive failures
	// required to mark an instance as unhealthy.
	DefaultUnhealthyThreshold = 3
)

type target struct {
	instance  Instance
	status    atomic.Int32
	successes int
	failures  int
}

// HealthChecker performs periodic HTTP health checks on the instances of a
// single service.
type HealthChecker struct {
	service            string
	config             config.HealthCheck
	client             *http.Client
	logger             observability.Logger
	metrics            *Metrics
	onStatusChange     HealthStatusFunc
	healthyThreshold   int
	unhealthyThreshold int

	mu        sync.Mutex
	targets   map[string]*target
	running   bool
	cancel    context.CancelFunc
	stoppedCh chan struct{}
}

// HealthCheckOption is a functional option for configuring the health checker.
type HealthCheckOption func(*HealthChecker)

// WithHealthCheckLogger sets the logger for the health checker.
func WithHealthCheckLogger(logger observability.Logger) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.logger = logger
	}
}

// WithHealthCheckClient sets the HTTP client for the health checker.
func WithHealthCheckClient(client *http.Client) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.client = client
	}
}

// WithHealthCheckMetrics sets the metrics for the health checker.
func WithHealthCheckMetrics(metrics *Metrics) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.metrics = metrics
	}
}

// WithHealthStatusCallback sets a callback for health status changes.
func WithHealthStatusCallback(fn HealthStatusFunc) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.onStatusChange = fn
	}
}

// NewHealthChecker creates a health checker for service.
func NewHealthChecker(service string, instances []Instance, cfg config.HealthCheck, opts ...HealthCheckOption) *HealthChecker {
	timeout := cfg.Timeout.OrDefault(config.DefaultHealthTimeout)

	hc := &HealthChecker{
		service:            service,
		config:             cfg,
		client:             &http.Client{Timeout: timeout},
		logger:             observability.NopLogger(),
		healthyThreshold:   cfg.HealthyThreshold,
		unhealthyThreshold: cfg.UnhealthyThreshold,
		targets:            make(map[string]*target),
	}

	if hc.healthyThreshold <= 0 {
		hc.healthyThreshold = DefaultHealthyThreshold
	}
	if hc.unhealthyThreshold <= 0 {
		hc.unhealthyThreshold = DefaultUnhealthyThreshold
	}
	if hc.config.Path == "" {
		hc.config.Path = config.DefaultHealthCheckPath
	}

	for _, opt := range opts {
		opt(hc)
	}

	if hc.metrics == nil {
		hc.metrics = NewMetrics("gateway")
	}

	hc.SetInstances(instances)
	return hc
}

// SetInstances replaces the checked instances. Instances already known keep
// their status.
func (hc *HealthChecker) SetInstances(instances []Instance) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	next := make(map[string]*target, len(instances))
	for _, inst := range instances {
		addr := inst.Address()
		if t, ok := hc.targets[addr]; ok {
			next[addr] = t
			continue
		}
		next[addr] = &target{instance: inst}
	}
	hc.targets = next
}

// Status returns the status of the instance at addr.
func (hc *HealthChecker) Status(addr string) Status {
	hc.mu.Lock()
	t, ok := hc.targets[addr]
	hc.mu.Unlock()
	if !ok {
		return StatusUnknown
	}
	return Status(t.status.Load())
}

// Healthy reports whether addr may receive traffic. Instances that have not
// been checked yet are considered healthy.
func (hc *HealthChecker) Healthy(addr string) bool {
	return hc.Status(addr) != StatusUnhealthy
}

// Start starts the health checker.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	runCtx, cancel := context.WithCancel(ctx)
	hc.cancel = cancel
	hc.stoppedCh = make(chan struct{})
	stoppedCh := hc.stoppedCh
	hc.mu.Unlock()

	go hc.run(runCtx, stoppedCh)
}

// Stop stops the health checker, aborting checks in flight, and waits for
// the loop to exit.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	cancel, stoppedCh := hc.cancel, hc.stoppedCh
	hc.mu.Unlock()

	cancel()
	<-stoppedCh
}

// IsRunning returns true if the health checker is running.
func (hc *HealthChecker) IsRunning() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.running
}

func (hc *HealthChecker) run(ctx context.Context, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(hc.config.Interval.OrDefault(config.DefaultHealthInterval))
	defer ticker.Stop()

	hc.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.CheckAll(ctx)
		}
	}
}

// CheckAll checks every instance once.
func (hc *HealthChecker) CheckAll(ctx context.Context) {
	hc.mu.Lock()
	targets := make([]*target, 0, len(hc.targets))
	for _, t := range hc.targets {
		targets = append(targets, t)
	}
	hc.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t *target) {
			defer wg.Done()
			hc.check(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (hc *HealthChecker) check(ctx context.Context, t *target) {
	if ctx.Err() != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.instance.URL()+hc.config.Path, http.NoBody)
	if err != nil {
		hc.recordFailure(t, err)
		return
	}

	start := time.Now()
	resp, err := hc.client.Do(req)
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		hc.metrics.RecordHealthCheck(hc.service, false, duration)
		hc.recordFailure(t, err)
		return
	}
	_ = resp.Body.Close()

	ok := resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
	hc.metrics.RecordHealthCheck(hc.service, ok, duration)
	if ok {
		hc.recordSuccess(t)
	} else {
		hc.recordFailure(t, nil)
	}
}

func (hc *HealthChecker) recordSuccess(t *target) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	t.successes++
	t.failures = 0

	if t.successes < hc.healthyThreshold || Status(t.status.Load()) == StatusHealthy {
		return
	}

	addr := t.instance.Address()
	hc.logger.Info("instance became healthy",
		observability.String("service", hc.service),
		observability.String("address", addr),
	)
	t.status.Store(int32(StatusHealthy))
	hc.metrics.SetInstanceHealthy(hc.service, addr, true)
	if hc.onStatusChange != nil {
		hc.onStatusChange(hc.service, addr, true)
	}
}

func (hc *HealthChecker) recordFailure(t *target, err error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	t.failures++
	t.successes = 0

	if t.failures < hc.unhealthyThreshold || Status(t.status.Load()) == StatusUnhealthy {
		return
	}

	addr := t.instance.Address()
	fields := []observability.Field{
		observability.String("service", hc.service),
		observability.String("address", addr),
		observability.Int("failures", t.failures),
	}
	if err != nil {
		fields = append(fields, observability.Error(err))
	}
	hc.logger.Warn("instance became unhealthy", fields...)
	t.status.Store(int32(StatusUnhealthy))
	hc.metrics.SetInstanceHealthy(hc.service, addr, false)
	if hc.onStatusChange != nil {
		hc.onStatusChange(hc.service, addr, false)
	}
}
