package filter

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/marketgw/internal/auth/jwt"
	"github.com/vyrodovalexey/marketgw/internal/authz"
	"github.com/vyrodovalexey/marketgw/internal/config"
	"github.com/vyrodovalexey/marketgw/internal/ratelimit"
	"github.com/vyrodovalexey/marketgw/internal/ratelimit/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type gateway struct {
	chain  *Chain
	store  *store.MemoryStore
	signer *jwt.Signer
}

func newGateway(t *testing.T, limit int) *gateway {
	t.Helper()

	validator, err := jwt.NewValidator(testSecret, jwt.WithValidatorMetrics(jwt.NewMetrics("test")))
	require.NoError(t, err)
	signer, err := jwt.NewSigner(testSecret, jwt.WithSignerMetrics(jwt.NewMetrics("test")))
	require.NoError(t, err)

	mem := store.NewMemoryStore()
	limiter, err := ratelimit.NewFixedWindowLimiter(limit, time.Minute,
		ratelimit.WithStore(mem),
		ratelimit.WithMetrics(ratelimit.NewMetrics("test")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = limiter.Close() })

	engine, err := authz.NewEngine(authz.Config{PublicPaths: config.DefaultPublicPaths},
		authz.WithMetrics(authz.NewMetrics("test")))
	require.NoError(t, err)

	chain, err := NewChain([]Stage{
		NewAuthorizationStage(engine),
		NewRateLimitStage(limiter, config.DefaultExemptPaths),
		NewAuthenticationStage(validator, config.DefaultExemptPaths, nil),
	}, WithMetrics(NewMetrics("test")))
	require.NoError(t, err)

	return &gateway{chain: chain, store: mem, signer: signer}
}

func (g *gateway) token(t *testing.T, subject string, role jwt.Role) string {
	t.Helper()
	tok, err := g.signer.Sign(context.Background(), &jwt.Claims{Subject: subject, Role: role})
	require.NoError(t, err)
	return tok
}

func request(method, path, token string) *Request {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return &Request{Path: path, Method: method, Header: h, ClientAddress: "10.1.1.1:40000"}
}

func TestStages_Order(t *testing.T) {
	t.Parallel()

	g := newGateway(t, 10)
	assert.Equal(t, []string{"authentication", "rate_limit", "authorization"}, g.chain.Stages())
}

func TestStages_Scenarios(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		path   string
		role   jwt.Role
		noAuth bool
		status int
	}{
		{name: "user lists orders", method: http.MethodGet, path: "/api/orders", role: jwt.RoleUser},
		{name: "user creates product", method: http.MethodPost, path: "/api/products", role: jwt.RoleUser, status: http.StatusForbidden},
		{name: "manager creates product", method: http.MethodPost, path: "/api/products", role: jwt.RoleManager},
		{name: "user updates order status", method: http.MethodPut, path: "/api/orders/9/status", role: jwt.RoleUser},
		{name: "missing token", method: http.MethodGet, path: "/api/orders", noAuth: true, status: http.StatusUnauthorized},
		{name: "exempt login without token", method: http.MethodPost, path: "/api/auth/login", noAuth: true},
		{name: "exempt actuator", method: http.MethodGet, path: "/actuator/health", noAuth: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g := newGateway(t, 10)
			tok := ""
			if !tt.noAuth {
				tok = g.token(t, "42", tt.role)
			}

			out := g.chain.Process(context.Background(), request(tt.method, tt.path, tok))
			if tt.status != 0 {
				require.True(t, out.Terminated())
				assert.Equal(t, tt.status, out.Response().Status)
				return
			}
			require.False(t, out.Terminated())
			if !tt.noAuth {
				assert.Equal(t, "42", out.Request().Header.Get(HeaderUserID))
				assert.Equal(t, tt.role.String(), out.Request().Header.Get(HeaderUserRole))
			}
		})
	}
}

func TestStages_InvalidTokenDoesNotCount(t *testing.T) {
	t.Parallel()

	g := newGateway(t, 3)
	ctx := context.Background()

	for _, raw := range []string{"garbage", "a.b.c", ""} {
		req := request(http.MethodGet, "/api/orders", "")
		if raw != "" {
			req.Header.Set("Authorization", "Bearer "+raw)
		}
		out := g.chain.Process(ctx, req)
		require.True(t, out.Terminated())
		assert.Equal(t, http.StatusUnauthorized, out.Response().Status)
	}
	assert.Zero(t, g.store.Len(), "rejected requests never reach the counter")

	tok := g.token(t, "7", jwt.RoleUser)
	for i := 0; i < 3; i++ {
		out := g.chain.Process(ctx, request(http.MethodGet, "/api/orders", tok))
		require.False(t, out.Terminated(), "request %d", i)
	}
}

func TestStages_RateLimitExceeded(t *testing.T) {
	t.Parallel()

	g := newGateway(t, 2)
	ctx := context.Background()
	tok := g.token(t, "7", jwt.RoleUser)

	for i := 0; i < 2; i++ {
		require.False(t, g.chain.Process(ctx, request(http.MethodGet, "/api/orders", tok)).Terminated())
	}

	out := g.chain.Process(ctx, request(http.MethodGet, "/api/orders", tok))
	require.True(t, out.Terminated())
	assert.Equal(t, http.StatusTooManyRequests, out.Response().Status)
	assert.Equal(t, "2", out.Response().Header.Get(HeaderRateLimitLimit))
	assert.Equal(t, "0", out.Response().Header.Get(HeaderRateLimitRemaining))

	// Exempt paths are not limited.
	assert.False(t, g.chain.Process(ctx, request(http.MethodGet, "/actuator/health", "")).Terminated())

	// Denied requests do not reach authorization: a forbidden call is still 429.
	out = g.chain.Process(ctx, request(http.MethodPost, "/api/products", tok))
	assert.Equal(t, http.StatusTooManyRequests, out.Response().Status)
}

func TestStages_ForwardedClientsAreSeparate(t *testing.T) {
	t.Parallel()

	g := newGateway(t, 1)
	ctx := context.Background()
	tok := g.token(t, "7", jwt.RoleUser)

	a := request(http.MethodGet, "/api/orders", tok)
	a.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.1")
	b := request(http.MethodGet, "/api/orders", tok)
	b.Header.Set("X-Forwarded-For", "203.0.113.2")

	assert.False(t, g.chain.Process(ctx, a).Terminated())
	assert.False(t, g.chain.Process(ctx, b).Terminated())
	assert.True(t, g.chain.Process(ctx, a).Terminated())
}

// stubLimiter returns a fixed result.
type stubLimiter struct {
	res *ratelimit.Result
	err error
}

func (s stubLimiter) Allow(context.Context, string) (*ratelimit.Result, error) { return s.res, s.err }
func (s stubLimiter) Limit() int                                               { return 5 }

func TestRateLimitStage_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		limiter    stubLimiter
		terminated bool
		status     int
	}{
		{
			name:    "store failure allows",
			limiter: stubLimiter{res: &ratelimit.Result{Allowed: true, Limit: 5}, err: errors.New("redis down")},
		},
		{
			name:    "store failure without result allows",
			limiter: stubLimiter{err: errors.New("redis down")},
		},
		{
			name:       "cancelled",
			limiter:    stubLimiter{err: context.Canceled},
			terminated: true,
			status:     StatusClientClosedRequest,
		},
		{
			name:       "deadline",
			limiter:    stubLimiter{err: context.DeadlineExceeded},
			terminated: true,
			status:     StatusClientClosedRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out := NewRateLimitStage(tt.limiter, nil).Apply(context.Background(), request(http.MethodGet, "/api/orders", ""))
			assert.Equal(t, tt.terminated, out.Terminated())
			if tt.terminated {
				assert.Equal(t, tt.status, out.Response().Status)
			}
		})
	}
}

func TestAuthenticationStage_WrongScheme(t *testing.T) {
	t.Parallel()

	g := newGateway(t, 10)
	tok := g.token(t, "1", jwt.RoleAdmin)

	req := request(http.MethodGet, "/api/orders", "")
	req.Header.Set("Authorization", "bearer "+tok)

	out := g.chain.Process(context.Background(), req)
	require.True(t, out.Terminated())
	assert.Equal(t, http.StatusUnauthorized, out.Response().Status)
}
