package proxy

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/marketgw/internal/backend"
	"github.com/vyrodovalexey/marketgw/internal/config"
	"github.com/vyrodovalexey/marketgw/internal/observability"
)

// Fallback reasons.
const (
	reasonNoInstances = "no_instances"
	reasonOpen        = "circuit_open"
	reasonUpstream    = "upstream_error"
	reasonDiscovery   = "discovery_error"
)

// Selector picks one instance of a service.
type Selector interface {
	Choose(serviceID string, live []backend.Instance) (backend.Instance, error)
}

// Handler routes requests to upstream instances.
type Handler struct {
	router    *Router
	discovery backend.Discovery
	selector  Selector
	breakers  *Breakers
	fallbacks map[string]Fallback
	transport http.RoundTripper
	logger    observability.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// Option is a functional option for the handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(h *Handler) {
		h.metrics = metrics
	}
}

// WithTransport sets the upstream transport.
func WithTransport(transport http.RoundTripper) Option {
	return func(h *Handler) {
		h.transport = transport
	}
}

// WithTracer sets the tracer used for upstream spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(h *Handler) {
		h.tracer = tracer
	}
}

// WithClock sets the time source used for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// WithFallbacks replaces the fallback table.
func WithFallbacks(fallbacks map[string]Fallback) Option {
	return func(h *Handler) {
		h.fallbacks = fallbacks
	}
}

// NewHandler creates a proxy handler for routes.
func NewHandler(
	routes []config.Route,
	services map[string]config.Service,
	discovery backend.Discovery,
	selector Selector,
	opts ...Option,
) (*Handler, error) {
	router, err := NewRouter(routes)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		router:    router,
		discovery: discovery,
		selector:  selector,
		fallbacks: DefaultFallbacks(),
		transport: http.DefaultTransport,
		logger:    observability.NopLogger(),
		tracer:    otel.Tracer("marketgw/proxy"),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.metrics == nil {
		h.metrics = NewMetrics("gateway")
	}

	h.breakers = newBreakers(h.logger, h.metrics, h.tracer)
	h.breakers.Update(services)

	return h, nil
}

// UpdateServices applies reloaded circuit breaker settings.
func (h *Handler) UpdateServices(services map[string]config.Service) {
	h.breakers.Update(services)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if name, ok := strings.CutPrefix(r.URL.Path, FallbackPathPrefix); ok && name != "" && !strings.Contains(name, "/") {
		writeFallback(w, fallbackFor(h.fallbacks, name), h.now())
		return
	}

	route, ok := h.router.Match(r.URL.Path)
	if !ok {
		h.logger.WithContext(r.Context()).Debug("no route",
			observability.String("path", r.URL.Path),
		)
		writeNotFound(w, r.URL.Path, h.now())
		return
	}

	h.serveRoute(w, r, route)
}

func (h *Handler) serveRoute(w http.ResponseWriter, r *http.Request, route Route) {
	ctx := r.Context()
	logger := h.logger.WithContext(ctx)

	live, err := h.discovery.Instances(ctx, route.Service)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("instance discovery failed",
			observability.String("service", route.Service),
			observability.Error(err),
		)
		h.fallback(w, route, reasonDiscovery)
		return
	}

	inst, err := h.selector.Choose(route.Service, live)
	if err != nil {
		logger.Warn("no live instance",
			observability.String("service", route.Service),
		)
		h.fallback(w, route, reasonNoInstances)
		return
	}

	var wrote bool
	_, err = h.breakers.Get(route.Service).Execute(func() (interface{}, error) {
		var callErr error
		wrote, callErr = h.forward(w, r, route, inst)
		return nil, callErr
	})

	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		h.fallback(w, route, reasonOpen)
	case !wrote && ctx.Err() == nil:
		logger.Warn("upstream request failed",
			observability.String("service", route.Service),
			observability.String("instance", inst.Address()),
			observability.Error(err),
		)
		h.fallback(w, route, reasonUpstream)
	}
}

// forward proxies r to inst. It reports whether a response was written to
// w and the error the breaker should account.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, route Route, inst backend.Instance) (bool, error) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.upstream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("proxy.service", route.Service),
			attribute.String("server.address", inst.Address()),
			attribute.String("http.request.method", r.Method),
		),
	)
	defer span.End()

	target := &url.URL{Scheme: "http", Host: inst.Address()}

	var (
		upstreamErr error
		status      int
		written     = true
	)

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: h.transport,
		ModifyResponse: func(resp *http.Response) error {
			status = resp.StatusCode
			if resp.StatusCode >= http.StatusInternalServerError {
				upstreamErr = &UpstreamStatusError{
					Service:  route.Service,
					Instance: inst.Address(),
					Status:   resp.StatusCode,
				}
			}
			return nil
		},
		ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, err error) {
			upstreamErr = err
			written = false
		},
	}

	start := time.Now()
	rp.ServeHTTP(w, r.WithContext(ctx))
	h.metrics.RecordUpstream(route.Service, status, time.Since(start))

	if upstreamErr != nil {
		span.RecordError(upstreamErr)
		span.SetStatus(codes.Error, upstreamErr.Error())
	} else {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}

	return written, upstreamErr
}

func (h *Handler) fallback(w http.ResponseWriter, route Route, reason string) {
	h.metrics.RecordFallback(route.Service, reason)
	writeFallback(w, fallbackFor(h.fallbacks, route.Fallback), h.now())
}

// Router returns the route table.
func (h *Handler) Router() *Router {
	return h.router
}
