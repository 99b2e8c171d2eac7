package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// UnknownClient is the key shared by every request without a usable address.
const UnknownClient = "unknown"

// ClientKey derives the rate limit key for a request: the first
// X-Forwarded-For entry, then X-Real-IP, then the socket host of remoteAddr.
// Blank values fall through to the next source.
func ClientKey(h http.Header, remoteAddr string) string {
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if xri := strings.TrimSpace(h.Get("X-Real-IP")); xri != "" {
		return xri
	}

	if host := RemoteHost(remoteAddr); host != "" {
		return host
	}

	return UnknownClient
}

// RemoteHost strips the port and IPv6 brackets from a socket address.
func RemoteHost(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return strings.Trim(remoteAddr, "[]")
}
