package filter

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/vyrodovalexey/marketgw/internal/auth/jwt"
	"github.com/vyrodovalexey/marketgw/internal/authz"
	"github.com/vyrodovalexey/marketgw/internal/observability"
	"github.com/vyrodovalexey/marketgw/internal/ratelimit"
)

// Stage orders. Authentication runs first so later stages only ever see an
// established identity.
const (
	OrderAuthentication = -100
	OrderRateLimit      = -50
	OrderAuthorization  = 0
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
)

// TokenValidator verifies bearer tokens.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*jwt.Claims, error)
}

// Limiter counts requests per client.
type Limiter interface {
	Allow(ctx context.Context, key string) (*ratelimit.Result, error)
	Limit() int
}

// Authorizer decides access for a role.
type Authorizer interface {
	Authorize(ctx context.Context, path, method, role string) authz.Decision
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// ============================================================================
// Authentication
// ============================================================================

// AuthenticationStage validates the bearer token and attaches the identity
// headers.
type AuthenticationStage struct {
	validator TokenValidator
	exempt    []string
	logger    observability.Logger
}

// NewAuthenticationStage creates the authentication stage. Paths starting
// with an exempt prefix skip validation.
func NewAuthenticationStage(v TokenValidator, exempt []string, logger observability.Logger) *AuthenticationStage {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &AuthenticationStage{
		validator: v,
		exempt:    append([]string(nil), exempt...),
		logger:    logger,
	}
}

// Name implements Stage.
func (s *AuthenticationStage) Name() string { return "authentication" }

// Order implements Stage.
func (s *AuthenticationStage) Order() int { return OrderAuthentication }

// Apply implements Stage.
func (s *AuthenticationStage) Apply(ctx context.Context, req *Request) Outcome {
	if hasAnyPrefix(req.Path, s.exempt) {
		return Continue(req)
	}

	raw, err := jwt.BearerToken(req.Header)
	if err != nil {
		s.logger.WithContext(ctx).Debug("missing bearer token",
			observability.String("path", req.Path),
			observability.Error(err),
		)
		return Terminate(NewResponse(http.StatusUnauthorized))
	}

	claims, err := s.validator.Validate(ctx, raw)
	if err != nil {
		return Terminate(NewResponse(http.StatusUnauthorized))
	}

	return Continue(req.WithHeaders(map[string]string{
		HeaderUserID:   claims.Subject,
		HeaderUserRole: claims.Role.String(),
	}))
}

// ============================================================================
// Rate limiting
// ============================================================================

// RateLimitStage applies the per-client fixed window limit.
type RateLimitStage struct {
	limiter Limiter
	exempt  []string
}

// NewRateLimitStage creates the rate limit stage.
func NewRateLimitStage(l Limiter, exempt []string) *RateLimitStage {
	return &RateLimitStage{
		limiter: l,
		exempt:  append([]string(nil), exempt...),
	}
}

// Name implements Stage.
func (s *RateLimitStage) Name() string { return "rate_limit" }

// Order implements Stage.
func (s *RateLimitStage) Order() int { return OrderRateLimit }

// Apply implements Stage.
func (s *RateLimitStage) Apply(ctx context.Context, req *Request) Outcome {
	if hasAnyPrefix(req.Path, s.exempt) {
		return Continue(req)
	}

	res, err := s.limiter.Allow(ctx, ratelimit.ClientKey(req.Header, req.ClientAddress))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Terminate(NewResponse(StatusClientClosedRequest))
		}
		// Store failure; the limiter already logged it and allows the request.
		if res == nil || res.Allowed {
			return Continue(req)
		}
	}

	if !res.Allowed {
		resp := NewResponse(http.StatusTooManyRequests)
		resp.Header.Set(HeaderRateLimitLimit, strconv.Itoa(s.limiter.Limit()))
		resp.Header.Set(HeaderRateLimitRemaining, "0")
		return Terminate(resp)
	}

	return Continue(req)
}

// ============================================================================
// Authorization
// ============================================================================

// AuthorizationStage checks the derived role against the access policy.
type AuthorizationStage struct {
	authorizer Authorizer
}

// NewAuthorizationStage creates the authorization stage.
func NewAuthorizationStage(a Authorizer) *AuthorizationStage {
	return &AuthorizationStage{authorizer: a}
}

// Name implements Stage.
func (s *AuthorizationStage) Name() string { return "authorization" }

// Order implements Stage.
func (s *AuthorizationStage) Order() int { return OrderAuthorization }

// Apply implements Stage.
func (s *AuthorizationStage) Apply(ctx context.Context, req *Request) Outcome {
	d := s.authorizer.Authorize(ctx, req.Path, req.Method, req.Header.Get(HeaderUserRole))
	if !d.Allowed {
		return Terminate(NewResponse(http.StatusForbidden))
	}
	return Continue(req)
}
