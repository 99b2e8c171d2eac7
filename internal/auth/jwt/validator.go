package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/marketgw/internal/observability"
)

// Validator verifies HMAC-signed tokens against a shared secret.
// It holds no mutable state and is safe for concurrent use.
type Validator struct {
	key        jwk.Key
	algorithms map[jwa.SignatureAlgorithm]bool
	clockSkew  time.Duration
	now        func() time.Time
	logger     observability.Logger
	metrics    *Metrics
}

// ValidatorOption is a functional option for the validator.
type ValidatorOption func(*Validator)

// WithClockSkew sets the tolerance applied to exp, nbf and iat.
func WithClockSkew(skew time.Duration) ValidatorOption {
	return func(v *Validator) {
		v.clockSkew = skew
	}
}

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.now = now
	}
}

// WithAlgorithms restricts the accepted signing algorithms.
func WithAlgorithms(algs ...string) ValidatorOption {
	return func(v *Validator) {
		v.algorithms = make(map[jwa.SignatureAlgorithm]bool, len(algs))
		for _, alg := range algs {
			v.algorithms[jwa.SignatureAlgorithm(alg)] = true
		}
	}
}

// WithValidatorLogger sets the logger for the validator.
func WithValidatorLogger(logger observability.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = logger
	}
}

// WithValidatorMetrics sets the metrics for the validator.
func WithValidatorMetrics(metrics *Metrics) ValidatorOption {
	return func(v *Validator) {
		v.metrics = metrics
	}
}

// NewValidator creates a validator for tokens signed with secret.
func NewValidator(secret string, opts ...ValidatorOption) (*Validator, error) {
	key, err := symmetricKey(secret)
	if err != nil {
		return nil, err
	}

	v := &Validator{
		key: key,
		algorithms: map[jwa.SignatureAlgorithm]bool{
			jwa.HS256: true,
			jwa.HS384: true,
			jwa.HS512: true,
		},
		now:    time.Now,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.metrics == nil {
		v.metrics = NewMetrics("gateway")
	}

	return v, nil
}

func symmetricKey(secret string) (jwk.Key, error) {
	if secret == "" {
		return nil, ErrInvalidKey
	}
	key, err := jwk.FromRaw([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return key, nil
}

// Validate verifies raw and returns its claims. Any failure yields
// ErrInvalidToken.
func (v *Validator) Validate(ctx context.Context, raw string) (*Claims, error) {
	start := time.Now()

	claims, reason := v.validate(ctx, raw)
	v.metrics.RecordValidation(reason, time.Since(start))
	if reason != "" {
		v.logger.WithContext(ctx).Debug("token rejected",
			observability.String("reason", reason),
		)
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func (v *Validator) validate(ctx context.Context, raw string) (*Claims, string) {
	if ctx.Err() != nil {
		return nil, reasonCancelled
	}
	if raw == "" {
		return nil, reasonEmpty
	}

	msg, err := jws.Parse([]byte(raw))
	if err != nil || len(msg.Signatures()) != 1 {
		return nil, reasonMalformed
	}

	// The key is only ever tried with the algorithm named in the header, and
	// only when that algorithm is allowed.
	alg := msg.Signatures()[0].ProtectedHeaders().Algorithm()
	if !v.algorithms[alg] {
		return nil, reasonAlgorithm
	}

	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(alg, v.key),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(v.now)),
		jwt.WithAcceptableSkew(v.clockSkew),
	)
	if err != nil {
		return nil, classify(err)
	}

	return claimsFromToken(tok)
}

func claimsFromToken(tok jwt.Token) (*Claims, string) {
	if tok.Subject() == "" {
		return nil, reasonClaims
	}

	value, ok := tok.Get(RoleClaim)
	if !ok {
		return nil, reasonClaims
	}
	name, ok := value.(string)
	if !ok {
		return nil, reasonClaims
	}
	role, err := ParseRole(name)
	if err != nil {
		return nil, reasonClaims
	}

	return &Claims{
		Subject:   tok.Subject(),
		Role:      role,
		IssuedAt:  tok.IssuedAt(),
		ExpiresAt: tok.Expiration(),
	}, ""
}

func classify(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired()):
		return reasonExpired
	case errors.Is(err, jwt.ErrTokenNotYetValid()):
		return reasonNotYetValid
	case jwt.IsValidationError(err):
		return reasonClaims
	default:
		return reasonSignature
	}
}
