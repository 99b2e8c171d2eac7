package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/marketgw/internal/filter"
	"github.com/vyrodovalexey/marketgw/internal/observability"
)

// ============================================================================
// RequestID
// ============================================================================

func TestRequestID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		incoming string
		want     string
	}{
		{name: "generated", incoming: "", want: "generated-id"},
		{name: "propagated", incoming: "client-id", want: "client-id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var fromCtx, fromHeader string
			h := RequestIDWithGenerator(func() string { return "generated-id" })(
				http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
					fromCtx = observability.RequestIDFromContext(r.Context())
					fromHeader = r.Header.Get(RequestIDHeader)
				}),
			)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, fromCtx)
			assert.Equal(t, tt.want, fromHeader)
			assert.Equal(t, tt.want, rec.Header().Get(RequestIDHeader))
		})
	}
}

func TestRequestID_UUID(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	RequestID()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)
}

// ============================================================================
// Recovery
// ============================================================================

func TestRecovery(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.ErrorLevel)
	metrics := NewMetrics("test")

	h := Recovery(observability.NewLoggerFromZap(zap.New(core)), metrics)(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }),
	)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.panicsRecovered))
}

func TestRecovery_AbortHandlerPropagates(t *testing.T) {
	t.Parallel()

	h := Recovery(observability.NopLogger(), nil)(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic(http.ErrAbortHandler) }),
	)

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

// ============================================================================
// AccessLog
// ============================================================================

func TestAccessLog(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	metrics := observability.NewMetrics("test")

	h := AccessLog(observability.NewLoggerFromZap(zap.New(core)), metrics)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte("hello"))
		}),
	)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/orders", nil))

	entries := logs.FilterMessage("access").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, http.StatusCreated, fields["status"])
	assert.EqualValues(t, 5, fields["size"])
	assert.Equal(t, "/api/orders", fields["path"])

	count, err := testutil.GatherAndCount(metrics.Registry(), "test_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAccessLog_DefaultStatus(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	h := AccessLog(observability.NewLoggerFromZap(zap.New(core)), nil)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		}),
	)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, 1, logs.Len())
	assert.EqualValues(t, http.StatusOK, logs.All()[0].ContextMap()["status"])
}

// ============================================================================
// Pipeline
// ============================================================================

// headerStage terminates when the request carries a given header, otherwise
// derives identity headers.
type headerStage struct {
	order     int
	terminate string
	status    int
}

func (s headerStage) Name() string { return "test" }
func (s headerStage) Order() int   { return s.order }

func (s headerStage) Apply(_ context.Context, req *filter.Request) filter.Outcome {
	if req.Header.Get(s.terminate) != "" {
		resp := filter.NewResponse(s.status)
		resp.Header.Set("X-RateLimit-Limit", "60")
		return filter.Terminate(resp)
	}
	return filter.Continue(req.WithHeaders(map[string]string{
		filter.HeaderUserID:   "42",
		filter.HeaderUserRole: "USER",
	}))
}

func newPipeline(t *testing.T, metrics *Metrics, backend http.Handler) http.Handler {
	t.Helper()

	chain, err := filter.NewChain([]filter.Stage{
		headerStage{order: 1, terminate: "X-Deny", status: http.StatusTooManyRequests},
	}, filter.WithMetrics(filter.NewMetrics("test")))
	require.NoError(t, err)

	return Pipeline(chain, nil, metrics)(backend)
}

func TestPipeline_Terminated(t *testing.T) {
	t.Parallel()

	reached := false
	metrics := NewMetrics("test")
	h := newPipeline(t, metrics, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		reached = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("X-Deny", "1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.False(t, reached)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.terminated.WithLabelValues("429")))
}

func TestPipeline_ForwardsDerivedHeaders(t *testing.T) {
	t.Parallel()

	var got http.Header
	h := newPipeline(t, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set(filter.HeaderUserID, "attacker")
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "42", got.Get(filter.HeaderUserID))
	assert.Equal(t, "USER", got.Get(filter.HeaderUserRole))
	assert.Equal(t, "application/json", got.Get("Accept"))

	// The caller's request is untouched.
	assert.Equal(t, "attacker", req.Header.Get(filter.HeaderUserID))
}

func TestPipeline_StripsIdentityWithoutStages(t *testing.T) {
	t.Parallel()

	chain, err := filter.NewChain(nil, filter.WithMetrics(filter.NewMetrics("test")))
	require.NoError(t, err)

	var got http.Header
	h := Pipeline(chain, observability.NopLogger(), nil)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = r.Header
	}))

	req := httptest.NewRequest(http.MethodGet, "/actuator/health", nil)
	req.Header.Set(filter.HeaderUserRole, "ADMIN")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	assert.Empty(t, got.Get(filter.HeaderUserRole))
}

func TestMetrics_MustRegister(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	reg := prometheus.NewRegistry()
	m.MustRegister(reg)
	assert.NotPanics(t, func() { m.MustRegister(reg) })
}
