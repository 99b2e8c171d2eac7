// Package store provides counter storage for fixed window rate limiting.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("store is closed")

// Window is the state of a counter after a Take.
type Window struct {
	// Allowed reports whether the take incremented the counter.
	Allowed bool

	// Count is the number of requests counted in the current window.
	Count int

	// ResetAfter is the time left until the window resets.
	ResetAfter time.Duration
}

// Store holds per-key fixed window counters.
type Store interface {
	// Take applies one request to the counter for key. The window starts at
	// the first request and resets once now is at least window past its
	// start. The counter is only incremented while below limit. Each call
	// is atomic per key: it either counts fully or not at all.
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Window, error)

	// Close releases resources held by the store.
	Close() error
}
