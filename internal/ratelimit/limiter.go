// Package ratelimit implements fixed window rate limiting per client.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/marketgw/internal/observability"
	"github.com/vyrodovalexey/marketgw/internal/ratelimit/store"
)

// Default limits.
const (
	DefaultRequests = 60
	DefaultWindow   = time.Minute
)

// Result represents the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Limit is the maximum number of requests allowed per window.
	Limit int

	// Remaining is the number of requests left in the current window.
	Remaining int

	// ResetAfter is the duration until the window resets.
	ResetAfter time.Duration
}

// FixedWindowLimiter counts requests per client in windows that start with
// the client's first request and reset abruptly once they elapse.
type FixedWindowLimiter struct {
	store   store.Store
	limit   int
	window  time.Duration
	now     func() time.Time
	logger  observability.Logger
	metrics *Metrics
	// denyLog samples denial warnings.
	denyLog *rate.Limiter
}

// Option is a functional option for the limiter.
type Option func(*FixedWindowLimiter)

// WithStore sets the counter store. Defaults to an in-memory store.
func WithStore(s store.Store) Option {
	return func(l *FixedWindowLimiter) {
		l.store = s
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *FixedWindowLimiter) {
		l.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *FixedWindowLimiter) {
		l.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(l *FixedWindowLimiter) {
		l.metrics = metrics
	}
}

// WithDenyLogRate sets how many denial warnings per second may be logged.
func WithDenyLogRate(perSecond float64, burst int) Option {
	return func(l *FixedWindowLimiter) {
		l.denyLog = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewFixedWindowLimiter creates a limiter allowing limit requests per window.
func NewFixedWindowLimiter(limit int, window time.Duration, opts ...Option) (*FixedWindowLimiter, error) {
	if limit < 1 {
		return nil, fmt.Errorf("rate limit must be at least 1, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate limit window must be positive, got %s", window)
	}

	l := &FixedWindowLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		logger:  observability.NopLogger(),
		denyLog: rate.NewLimiter(rate.Limit(1), 5),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.store == nil {
		l.store = store.NewMemoryStore()
	}
	if l.metrics == nil {
		l.metrics = NewMetrics("gateway")
	}

	return l, nil
}

// Allow counts one request for key. A cancelled context returns its error
// without touching the counter. Store failures are returned with a Result
// that allows the request.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, err := l.store.Take(ctx, key, l.limit, l.window, l.now())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		l.metrics.RecordStoreError()
		l.logger.WithContext(ctx).Error("rate limit store failed, allowing request",
			observability.String("client", key),
			observability.Error(err),
		)
		return &Result{Allowed: true, Limit: l.limit, Remaining: l.limit, ResetAfter: l.window}, err
	}

	l.metrics.RecordDecision(w.Allowed)
	if !w.Allowed && l.denyLog.Allow() {
		l.logger.WithContext(ctx).Warn("rate limit exceeded",
			observability.String("client", key),
			observability.Int("limit", l.limit),
			observability.Duration("reset_after", w.ResetAfter),
		)
	}

	remaining := l.limit - w.Count
	if remaining < 0 || !w.Allowed {
		remaining = 0
	}

	return &Result{
		Allowed:    w.Allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: w.ResetAfter,
	}, nil
}

// Limit returns the configured capacity.
func (l *FixedWindowLimiter) Limit() int {
	return l.limit
}

// Window returns the configured window length.
func (l *FixedWindowLimiter) Window() time.Duration {
	return l.window
}

// Close closes the underlying store.
func (l *FixedWindowLimiter) Close() error {
	return l.store.Close()
}
