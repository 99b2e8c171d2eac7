// Package health serves the gateway health endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Path is where the health document is served.
const Path = "/actuator/health"

// DefaultCheckTimeout bounds a single health report.
const DefaultCheckTimeout = 2 * time.Second

// Status represents the health status.
type Status string

const (
	// StatusUp indicates the component is healthy.
	StatusUp Status = "UP"
	// StatusDegraded indicates the component works with reduced capacity.
	StatusDegraded Status = "DEGRADED"
	// StatusDown indicates the component is unhealthy.
	StatusDown Status = "DOWN"
)

// Check represents an individual health check result.
type Check struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// CheckFunc performs a health check.
type CheckFunc func(ctx context.Context) Check

// Response is the health document.
type Response struct {
	Status     Status           `json:"status"`
	Version    string           `json:"version,omitempty"`
	Uptime     string           `json:"uptime"`
	Components map[string]Check `json:"components,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Checker aggregates registered checks.
type Checker struct {
	version string
	started time.Time
	now     func() time.Time
	timeout time.Duration
	metrics *Metrics

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// Option is a functional option for the checker.
type Option func(*Checker)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		c.now = now
	}
}

// WithTimeout bounds how long a report may take.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Checker) {
		c.timeout = timeout
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(c *Checker) {
		c.metrics = metrics
	}
}

// NewChecker creates a new health checker.
func NewChecker(version string, opts ...Option) *Checker {
	c := &Checker{
		version: version,
		now:     time.Now,
		timeout: DefaultCheckTimeout,
		checks:  make(map[string]CheckFunc),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.metrics == nil {
		c.metrics = NewMetrics("gateway")
	}
	c.started = c.now()

	return c
}

// RegisterCheck registers a named check, replacing any previous one.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// UnregisterCheck removes a check.
func (c *Checker) UnregisterCheck(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// Report runs every check and aggregates the result. The overall status is
// the worst component status.
func (c *Checker) Report(ctx context.Context) Response {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()
	sort.Strings(names)

	resp := Response{
		Status:    StatusUp,
		Version:   c.version,
		Uptime:    c.now().Sub(c.started).Round(time.Second).String(),
		Timestamp: c.now(),
	}

	if len(names) > 0 {
		resp.Components = make(map[string]Check, len(names))
	}
	for _, name := range names {
		check := checks[name](ctx)
		resp.Components[name] = check
		c.metrics.SetComponent(name, check.Status)
		resp.Status = worst(resp.Status, check.Status)
	}
	c.metrics.RecordReport(resp.Status)

	return resp
}

func worst(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusDown:
			return 2
		case StatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// ServeHTTP writes the health document. A DOWN gateway answers 503.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := c.Report(r.Context())

	status := http.StatusOK
	if resp.Status == StatusDown {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}
