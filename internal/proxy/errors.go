package proxy

import (
	"errors"
	"fmt"
)

// ErrInvalidRoute indicates a route that cannot be compiled.
var ErrInvalidRoute = errors.New("invalid route")

// UpstreamStatusError reports a server error returned by an instance. The
// response itself is relayed to the client; the error only feeds the
// circuit breaker.
type UpstreamStatusError struct {
	Service  string
	Instance string
	Status   int
}

// Error implements the error interface.
func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream %s at %s returned %d", e.Service, e.Instance, e.Status)
}
