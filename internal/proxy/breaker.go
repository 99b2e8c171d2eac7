package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/marketgw/internal/config"
	"github.com/vyrodovalexey/marketgw/internal/observability"
)

type breakerEntry struct {
	settings config.CircuitBreaker
	cb       *gobreaker.CircuitBreaker
}

// Breakers holds one circuit breaker per service.
type Breakers struct {
	logger  observability.Logger
	metrics *Metrics
	tracer  trace.Tracer

	mu      sync.RWMutex
	configs map[string]config.CircuitBreaker
	entries map[string]*breakerEntry
}

func newBreakers(logger observability.Logger, metrics *Metrics, tracer trace.Tracer) *Breakers {
	return &Breakers{
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		configs: make(map[string]config.CircuitBreaker),
		entries: make(map[string]*breakerEntry),
	}
}

// Update applies per-service breaker settings. Breakers whose settings did
// not change keep their state.
func (b *Breakers) Update(services map[string]config.Service) {
	configs := make(map[string]config.CircuitBreaker, len(services))
	for name, svc := range services {
		if svc.CircuitBreaker != nil {
			configs[name] = *svc.CircuitBreaker
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.configs = configs
	for name, entry := range b.entries {
		if settings, ok := configs[name]; !ok || settings != entry.settings {
			delete(b.entries, name)
		}
	}
}

// Get returns the breaker of service, creating it on first use.
func (b *Breakers) Get(service string) *gobreaker.CircuitBreaker {
	b.mu.RLock()
	entry, ok := b.entries[service]
	b.mu.RUnlock()
	if ok {
		return entry.cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if entry, ok := b.entries[service]; ok {
		return entry.cb
	}

	settings := withBreakerDefaults(b.configs[service])
	entry = &breakerEntry{settings: b.configs[service], cb: b.newBreaker(service, settings)}
	b.entries[service] = entry
	return entry.cb
}

func withBreakerDefaults(c config.CircuitBreaker) config.CircuitBreaker {
	if c.MaxRequests <= 0 {
		c.MaxRequests = config.DefaultBreakerMaxRequests
	}
	if c.Interval <= 0 {
		c.Interval = config.Duration(config.DefaultBreakerInterval)
	}
	if c.Timeout <= 0 {
		c.Timeout = config.Duration(config.DefaultBreakerTimeout)
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = config.DefaultBreakerThreshold
	}
	return c
}

func (b *Breakers) newBreaker(service string, c config.CircuitBreaker) *gobreaker.CircuitBreaker {
	threshold := safeIntToUint32(c.FailureThreshold)

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: safeIntToUint32(c.MaxRequests),
		Interval:    c.Interval.Duration(),
		Timeout:     c.Timeout.Duration(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Cancelled client requests are not upstream failures.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info("circuit breaker state change",
				observability.String("service", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			b.metrics.RecordBreakerTransition(name, from, to)

			_, span := b.tracer.Start(context.Background(), "circuitbreaker.state_change",
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithTimestamp(time.Now()),
			)
			span.AddEvent("state_change", trace.WithAttributes(
				attribute.String("circuitbreaker.name", name),
				attribute.String("circuitbreaker.from", from.String()),
				attribute.String("circuitbreaker.to", to.String()),
			))
			span.End()
		},
	})
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
