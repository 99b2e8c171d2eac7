package jwt

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/marketgw/internal/observability"
)

// DefaultTokenTTL is the lifetime of issued tokens when the claims carry no
// expiry.
const DefaultTokenTTL = 24 * time.Hour

// Signer issues tokens accepted by a Validator built from the same secret.
type Signer struct {
	key       jwk.Key
	algorithm jwa.SignatureAlgorithm
	ttl       time.Duration
	now       func() time.Time
	logger    observability.Logger
	metrics   *Metrics
}

// SignerOption is a functional option for the signer.
type SignerOption func(*Signer)

// WithSigningAlgorithm sets the HMAC algorithm. Defaults to HS256.
func WithSigningAlgorithm(alg string) SignerOption {
	return func(s *Signer) {
		s.algorithm = jwa.SignatureAlgorithm(alg)
	}
}

// WithTTL sets the default token lifetime.
func WithTTL(ttl time.Duration) SignerOption {
	return func(s *Signer) {
		s.ttl = ttl
	}
}

// WithSignerClock sets the time source for iat and exp.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		s.now = now
	}
}

// WithSignerLogger sets the logger for the signer.
func WithSignerLogger(logger observability.Logger) SignerOption {
	return func(s *Signer) {
		s.logger = logger
	}
}

// WithSignerMetrics sets the metrics for the signer.
func WithSignerMetrics(metrics *Metrics) SignerOption {
	return func(s *Signer) {
		s.metrics = metrics
	}
}

// NewSigner creates a signer using secret.
func NewSigner(secret string, opts ...SignerOption) (*Signer, error) {
	key, err := symmetricKey(secret)
	if err != nil {
		return nil, err
	}

	s := &Signer{
		key:       key,
		algorithm: jwa.HS256,
		ttl:       DefaultTokenTTL,
		now:       time.Now,
		logger:    observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	switch s.algorithm {
	case jwa.HS256, jwa.HS384, jwa.HS512:
	default:
		return nil, NewSigningError("unsupported algorithm "+s.algorithm.String(), nil)
	}

	if s.metrics == nil {
		s.metrics = NewMetrics("gateway")
	}

	return s, nil
}

// Sign issues a token for claims. Zero IssuedAt and ExpiresAt are filled
// from the signer clock and TTL.
func (s *Signer) Sign(ctx context.Context, claims *Claims) (string, error) {
	alg := s.algorithm.String()

	if claims == nil || claims.Subject == "" {
		s.metrics.RecordSigning("error", alg)
		return "", NewSigningError("subject is required", nil)
	}
	if _, err := ParseRole(claims.Role.String()); err != nil {
		s.metrics.RecordSigning("error", alg)
		return "", NewSigningError("invalid role", err)
	}

	issuedAt := claims.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = s.now()
	}
	expiresAt := claims.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = issuedAt.Add(s.ttl)
	}

	tok, err := jwt.NewBuilder().
		JwtID(uuid.NewString()).
		Subject(claims.Subject).
		IssuedAt(issuedAt).
		Expiration(expiresAt).
		Claim(RoleClaim, claims.Role.String()).
		Build()
	if err != nil {
		s.metrics.RecordSigning("error", alg)
		return "", NewSigningError("failed to build token", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(s.algorithm, s.key))
	if err != nil {
		s.metrics.RecordSigning("error", alg)
		return "", NewSigningError("failed to sign token", err)
	}

	s.metrics.RecordSigning("success", alg)
	s.logger.WithContext(ctx).Debug("token issued",
		observability.String("subject", claims.Subject),
		observability.String("role", claims.Role.String()),
	)

	return string(signed), nil
}
