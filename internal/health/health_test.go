package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/marketgw/internal/backend"
)

type fakeLister struct {
	services map[string][]backend.Instance
	err      error
}

func (f fakeLister) Services() []string {
	names := make([]string, 0, len(f.services))
	for name := range f.services {
		names = append(names, name)
	}
	return names
}

func (f fakeLister) Instances(_ context.Context, id string) ([]backend.Instance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.services[id], nil
}

func fixedClock(times ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}
}

// ============================================================================
// Report
// ============================================================================

func TestChecker_NoChecks(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewChecker("1.2.3", WithClock(fixedClock(start, start.Add(90*time.Second))))

	resp := c.Report(context.Background())
	assert.Equal(t, StatusUp, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "1m30s", resp.Uptime)
	assert.Nil(t, resp.Components)
}

func TestChecker_WorstStatusWins(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{name: "all up", statuses: []Status{StatusUp, StatusUp}, want: StatusUp},
		{name: "degraded", statuses: []Status{StatusUp, StatusDegraded}, want: StatusDegraded},
		{name: "down", statuses: []Status{StatusDegraded, StatusDown, StatusUp}, want: StatusDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := NewChecker("")
			for i, s := range tt.statuses {
				s := s
				c.RegisterCheck(string(rune('a'+i)), func(context.Context) Check { return Check{Status: s} })
			}
			assert.Equal(t, tt.want, c.Report(context.Background()).Status)
		})
	}
}

func TestChecker_Unregister(t *testing.T) {
	t.Parallel()

	c := NewChecker("")
	c.RegisterCheck("redis", func(context.Context) Check { return Check{Status: StatusDown} })
	require.Equal(t, StatusDown, c.Report(context.Background()).Status)

	c.UnregisterCheck("redis")
	assert.Equal(t, StatusUp, c.Report(context.Background()).Status)
}

func TestChecker_TimeoutReachesChecks(t *testing.T) {
	t.Parallel()

	c := NewChecker("", WithTimeout(10*time.Millisecond))
	c.RegisterCheck("slow", PingCheck(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	resp := c.Report(context.Background())
	assert.Equal(t, StatusDown, resp.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), resp.Components["slow"].Message)
}

func TestChecker_Metrics(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics("test")
	c := NewChecker("", WithMetrics(metrics))
	c.RegisterCheck("services", func(context.Context) Check { return Check{Status: StatusDegraded} })
	c.Report(context.Background())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.reportsTotal.WithLabelValues("DEGRADED")))
	assert.Equal(t, 0.5, testutil.ToFloat64(metrics.componentStatus.WithLabelValues("services")))

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	metrics.MustRegister(reg)
}

// ============================================================================
// Checks
// ============================================================================

func TestServicesCheck(t *testing.T) {
	t.Parallel()

	inst := backend.Instance{Host: "localhost", Port: 8081}

	up := ServicesCheck(fakeLister{services: map[string][]backend.Instance{
		"product-service": {inst, inst},
		"order-service":   {inst},
	}})(context.Background())
	assert.Equal(t, StatusUp, up.Status)
	assert.Equal(t, 2, up.Details["product-service"])
	assert.Empty(t, up.Message)

	degraded := ServicesCheck(fakeLister{services: map[string][]backend.Instance{
		"product-service": {inst},
		"order-service":   nil,
	}})(context.Background())
	assert.Equal(t, StatusDegraded, degraded.Status)
	assert.Equal(t, 0, degraded.Details["order-service"])

	down := ServicesCheck(fakeLister{
		services: map[string][]backend.Instance{"user-service": nil},
		err:      errors.New("boom"),
	})(context.Background())
	assert.Equal(t, StatusDown, down.Status)
	assert.Contains(t, down.Message, "user-service")
}

// ============================================================================
// HTTP
// ============================================================================

func TestChecker_ServeHTTP(t *testing.T) {
	t.Parallel()

	c := NewChecker("dev")
	c.RegisterCheck("services", func(context.Context) Check { return Check{Status: StatusDegraded} })

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Path, nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusDegraded, body.Status)
	assert.Equal(t, StatusDegraded, body.Components["services"].Status)
}

func TestChecker_ServeHTTP_Down(t *testing.T) {
	t.Parallel()

	c := NewChecker("")
	c.RegisterCheck("redis", PingCheck(func(context.Context) error { return errors.New("refused") }))

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Path, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, Path, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestChecker_ServeHTTP_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	NewChecker("").ServeHTTP(rec, httptest.NewRequest(http.MethodPost, Path, nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
}
