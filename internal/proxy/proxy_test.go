package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/marketgw/internal/backend"
	"github.com/vyrodovalexey/marketgw/internal/config"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// staticDiscovery returns fixed instances per service.
type staticDiscovery map[string][]backend.Instance

func (d staticDiscovery) Instances(ctx context.Context, id string) ([]backend.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inst, ok := d[id]
	if !ok {
		return nil, backend.ErrUnknownService
	}
	return inst, nil
}

func instanceOf(t *testing.T, srv *httptest.Server) backend.Instance {
	t.Helper()

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return backend.Instance{Host: host, Port: p}
}

func newHandler(t *testing.T, d backend.Discovery, services map[string]config.Service) (*Handler, *Metrics) {
	t.Helper()

	metrics := NewMetrics("test")
	h, err := NewHandler(config.DefaultRoutes(), services, d,
		backend.NewWeightedRoundRobin(nil, backend.WithSelectorMetrics(backend.NewMetrics("test"))),
		WithMetrics(metrics),
		WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)
	return h, metrics
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// ============================================================================
// Router
// ============================================================================

func TestRouter_Match(t *testing.T) {
	t.Parallel()

	r, err := NewRouter(append(config.DefaultRoutes(), config.Route{Prefix: "/api/orders/archive/", Service: "archive"}))
	require.NoError(t, err)

	tests := []struct {
		path     string
		service  string
		fallback string
		ok       bool
	}{
		{path: "/api/products", service: "product-service", fallback: "product-service", ok: true},
		{path: "/api/products/5", service: "product-service", fallback: "product-service", ok: true},
		{path: "/api/productsx", ok: false},
		{path: "/graphql", service: "product-service", fallback: "graphql", ok: true},
		{path: "/api/auth/login", service: "user-service", fallback: "user-service", ok: true},
		{path: "/api/users/9", service: "user-service", fallback: "user-service", ok: true},
		{path: "/api/orders/archive/1", service: "archive", fallback: "archive", ok: true},
		{path: "/api/orders/1", service: "order-service", fallback: "order-service", ok: true},
		{path: "/", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()

			route, ok := r.Match(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.service, route.Service)
			assert.Equal(t, tt.fallback, route.Fallback)
		})
	}
}

func TestNewRouter_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		routes []config.Route
	}{
		{name: "relative", routes: []config.Route{{Prefix: "api", Service: "s"}}},
		{name: "root", routes: []config.Route{{Prefix: "/", Service: "s"}}},
		{name: "no service", routes: []config.Route{{Prefix: "/api"}}},
		{name: "duplicate", routes: []config.Route{{Prefix: "/api", Service: "a"}, {Prefix: "/api/", Service: "b"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewRouter(tt.routes)
			require.ErrorIs(t, err, ErrInvalidRoute)
		})
	}
}

// ============================================================================
// Fallback
// ============================================================================

func TestFallbackEndpoint(t *testing.T) {
	t.Parallel()

	h, _ := newHandler(t, staticDiscovery{}, nil)

	tests := []struct {
		path    string
		message string
		service string
	}{
		{path: "/fallback/user-service", message: "User Service is currently unavailable. Please try again later.", service: "user-service"},
		{path: "/fallback/product-service", message: "Product Service is currently unavailable. Please try again later.", service: "product-service"},
		{path: "/fallback/order-service", message: "Order Service is currently unavailable. Please try again later.", service: "order-service"},
		{path: "/fallback/graphql", message: "GraphQL Service is currently unavailable. Please try again later.", service: "product-service-graphql"},
		{path: "/fallback/inventory-service", message: "Inventory Service is currently unavailable. Please try again later.", service: "inventory-service"},
		{path: "/fallback/billing", message: "Billing Service is currently unavailable. Please try again later.", service: "billing"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			body := decode(t, rec)
			assert.Equal(t, tt.message, body["message"])
			assert.Equal(t, tt.service, body["service"])
			assert.Equal(t, "SERVICE_UNAVAILABLE", body["status"])
			assert.Equal(t, fixedNow.Format(time.RFC3339Nano), body["timestamp"])
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()

	h, _ := newHandler(t, staticDiscovery{}, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 404, body["status"])
	assert.Equal(t, "/api/unknown", body["path"])
}

// ============================================================================
// Proxying
// ============================================================================

func TestProxy_ForwardsToSelectedInstance(t *testing.T) {
	t.Parallel()

	var hitsA, hitsB atomic.Int32
	var gotUser atomic.Value
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsA.Add(1)
		gotUser.Store(r.Header.Get("X-User-Id"))
		assert.Equal(t, "/api/orders/7", r.URL.Path)
		assert.Equal(t, "q=1", r.URL.RawQuery)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("from-a"))
	}))
	t.Cleanup(a.Close)
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hitsB.Add(1)
		_, _ = w.Write([]byte("from-b"))
	}))
	t.Cleanup(b.Close)

	h, metrics := newHandler(t, staticDiscovery{
		"order-service": {instanceOf(t, a), instanceOf(t, b)},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/7?q=1", nil)
	req.Header.Set("X-User-Id", "42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "from-a", rec.Body.String())
	assert.Equal(t, "42", gotUser.Load())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders/7", nil))
	assert.Equal(t, "from-b", rec.Body.String())

	assert.EqualValues(t, 1, hitsA.Load())
	assert.EqualValues(t, 1, hitsB.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.upstreamRequests.WithLabelValues("order-service", "200")))
}

func TestProxy_NoInstancesFallback(t *testing.T) {
	t.Parallel()

	h, metrics := newHandler(t, staticDiscovery{"product-service": nil}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/graphql", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "product-service-graphql", decode(t, rec)["service"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.fallbacksTotal.WithLabelValues("product-service", reasonNoInstances)))
}

func TestProxy_DiscoveryErrorFallback(t *testing.T) {
	t.Parallel()

	h, metrics := newHandler(t, staticDiscovery{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users/1", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "user-service", decode(t, rec)["service"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.fallbacksTotal.WithLabelValues("user-service", reasonDiscovery)))
}

func TestProxy_TransportErrorFallback(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	inst := instanceOf(t, srv)
	srv.Close()

	h, metrics := newHandler(t, staticDiscovery{"order-service": {inst}}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "order-service", decode(t, rec)["service"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.fallbacksTotal.WithLabelValues("order-service", reasonUpstream)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.upstreamRequests.WithLabelValues("order-service", "error")))
}

func TestProxy_BreakerOpensOnServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	services := map[string]config.Service{
		"product-service": {CircuitBreaker: &config.CircuitBreaker{
			FailureThreshold: 2,
			Timeout:          config.Duration(time.Hour),
		}},
	}
	h, metrics := newHandler(t, staticDiscovery{"product-service": {instanceOf(t, srv)}}, services)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/products", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code, "server errors are relayed")
	}
	assert.Equal(t, gobreaker.StateOpen, h.breakers.Get("product-service").State())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/products", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Product Service is currently unavailable. Please try again later.", decode(t, rec)["message"])

	assert.EqualValues(t, 2, hits.Load(), "open breaker does not call the upstream")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.fallbacksTotal.WithLabelValues("product-service", reasonOpen)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.breakerTransitions.WithLabelValues("product-service", "closed", "open")))
}

func TestProxy_ClientErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	services := map[string]config.Service{
		"order-service": {CircuitBreaker: &config.CircuitBreaker{FailureThreshold: 1}},
	}
	h, _ := newHandler(t, staticDiscovery{"order-service": {instanceOf(t, srv)}}, services)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/orders", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	assert.Equal(t, gobreaker.StateClosed, h.breakers.Get("order-service").State())
}

func TestBreakers_UpdateResetsChangedSettings(t *testing.T) {
	t.Parallel()

	h, _ := newHandler(t, staticDiscovery{}, map[string]config.Service{
		"a": {CircuitBreaker: &config.CircuitBreaker{FailureThreshold: 1}},
		"b": {CircuitBreaker: &config.CircuitBreaker{FailureThreshold: 1}},
	})

	trip := func(name string) {
		_, _ = h.breakers.Get(name).Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	}
	trip("a")
	trip("b")
	require.Equal(t, gobreaker.StateOpen, h.breakers.Get("a").State())

	h.UpdateServices(map[string]config.Service{
		"a": {CircuitBreaker: &config.CircuitBreaker{FailureThreshold: 1}},
		"b": {CircuitBreaker: &config.CircuitBreaker{FailureThreshold: 3}},
	})

	assert.Equal(t, gobreaker.StateOpen, h.breakers.Get("a").State(), "unchanged settings keep state")
	assert.Equal(t, gobreaker.StateClosed, h.breakers.Get("b").State())
}

func TestFallbackFor(t *testing.T) {
	t.Parallel()

	fb := fallbackFor(DefaultFallbacks(), "shipping-service")
	assert.Equal(t, "shipping-service", fb.Service)
	assert.Equal(t, "Shipping Service is currently unavailable. Please try again later.", fb.Message)
}
