package filter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/marketgw/internal/observability"
)

// ErrDuplicateOrder is returned when two stages share an order value.
var ErrDuplicateOrder = errors.New("duplicate stage order")

// Chain runs stages in ascending order. It is immutable after construction
// and safe for concurrent use.
type Chain struct {
	stages  []Stage
	tracer  trace.Tracer
	logger  observability.Logger
	metrics *Metrics
}

// ChainOption is a functional option for the chain.
type ChainOption func(*Chain)

// WithTracer sets the tracer used for stage spans.
func WithTracer(tracer trace.Tracer) ChainOption {
	return func(c *Chain) {
		c.tracer = tracer
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) ChainOption {
	return func(c *Chain) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) ChainOption {
	return func(c *Chain) {
		c.metrics = metrics
	}
}

// NewChain sorts stages by order once. Two stages with the same order are
// rejected so the execution order is always total.
func NewChain(stages []Stage, opts ...ChainOption) (*Chain, error) {
	sorted := append([]Stage(nil), stages...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order() < sorted[j].Order()
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Order() == sorted[i-1].Order() {
			return nil, fmt.Errorf("%w: %s and %s both use %d",
				ErrDuplicateOrder, sorted[i-1].Name(), sorted[i].Name(), sorted[i].Order())
		}
	}

	c := &Chain{
		stages: sorted,
		tracer: otel.Tracer("marketgw/filter"),
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.metrics == nil {
		c.metrics = NewMetrics("gateway")
	}

	return c, nil
}

// Stages returns the stage names in execution order.
func (c *Chain) Stages() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name()
	}
	return names
}

// Process runs the stages and returns the first terminal outcome, or the
// final request when every stage continued. A cancelled context stops the
// chain before the next stage.
func (c *Chain) Process(ctx context.Context, req *Request) Outcome {
	for _, stage := range c.stages {
		if ctx.Err() != nil {
			c.logger.WithContext(ctx).Debug("request abandoned",
				observability.String("stage", stage.Name()),
			)
			return Terminate(NewResponse(StatusClientClosedRequest))
		}

		out := c.apply(ctx, stage, req)
		if out.Terminated() {
			return out
		}
		req = out.Request()
	}
	return Continue(req)
}

func (c *Chain) apply(ctx context.Context, stage Stage, req *Request) Outcome {
	ctx, span := c.tracer.Start(ctx, "filter."+stage.Name(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.Path),
			attribute.Int("filter.order", stage.Order()),
		),
	)
	defer span.End()

	start := time.Now()
	out := stage.Apply(ctx, req)
	c.metrics.RecordStage(stage.Name(), out.Terminated(), time.Since(start))

	if out.Terminated() {
		span.SetAttributes(
			attribute.String("filter.outcome", "terminate"),
			attribute.Int("http.response.status_code", out.Response().Status),
		)
		span.SetStatus(codes.Error, "request terminated")
		return out
	}

	span.SetAttributes(attribute.String("filter.outcome", "continue"))
	return out
}
