package jwt

import (
	"errors"
	"net/http"
	"strings"
)

// Errors for token extraction.
var (
	ErrMissingHeader = errors.New("missing authorization header")
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
)

const bearerPrefix = "Bearer "

// BearerToken returns the token from an "Authorization: Bearer <token>"
// header.
func BearerToken(h http.Header) (string, error) {
	authHeader := h.Get("Authorization")
	if authHeader == "" {
		return "", ErrMissingHeader
	}
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", ErrInvalidPrefix
	}
	return strings.TrimSpace(authHeader[len(bearerPrefix):]), nil
}
