package jwt

import (
	"errors"
	"fmt"
)

// Supported HMAC algorithms.
const (
	AlgHS256 = "HS256"
	AlgHS384 = "HS384"
	AlgHS512 = "HS512"
)

// Sentinel errors for JWT operations.
var (
	// ErrInvalidToken is the only validation error surfaced to callers.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidKey indicates that the signing secret is unusable.
	ErrInvalidKey = errors.New("signing key is invalid")

	// ErrUnknownRole indicates a role outside the supported set.
	ErrUnknownRole = errors.New("unknown role")
)

// Reasons recorded for rejected tokens.
const (
	reasonEmpty       = "empty"
	reasonMalformed   = "malformed"
	reasonAlgorithm   = "algorithm"
	reasonSignature   = "signature"
	reasonExpired     = "expired"
	reasonNotYetValid = "not_yet_valid"
	reasonClaims      = "claims"
	reasonCancelled   = "cancelled"
)

// SigningError represents a JWT signing error.
type SigningError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *SigningError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("jwt signing error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("jwt signing error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *SigningError) Unwrap() error {
	return e.Cause
}

// NewSigningError creates a new SigningError.
func NewSigningError(message string, cause error) *SigningError {
	return &SigningError{
		Message: message,
		Cause:   cause,
	}
}
