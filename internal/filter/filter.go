// Package filter composes request stages into an ordered chain that stops
// at the first stage producing a terminal response.
package filter

import (
	"context"
	"net/http"
)

// Identity headers derived by the authentication stage.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
)

// StatusClientClosedRequest is reported when the client went away before
// the chain completed.
const StatusClientClosedRequest = 499

// Request describes an inbound request as seen by the stages.
type Request struct {
	Path   string
	Method string
	Header http.Header
	// ClientAddress is the socket address of the peer.
	ClientAddress string
}

// FromHTTP builds a descriptor from r. Identity headers supplied by the
// client are dropped so only values derived by the chain reach upstreams.
func FromHTTP(r *http.Request) *Request {
	h := r.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Del(HeaderUserID)
	h.Del(HeaderUserRole)

	return &Request{
		Path:          r.URL.Path,
		Method:        r.Method,
		Header:        h,
		ClientAddress: r.RemoteAddr,
	}
}

// WithHeaders returns a copy of the request with the given headers set.
// The receiver is not modified.
func (r *Request) WithHeaders(kv map[string]string) *Request {
	clone := *r
	clone.Header = r.Header.Clone()
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	for k, v := range kv {
		clone.Header.Set(k, v)
	}
	return &clone
}

// Response is a terminal response produced by a stage.
type Response struct {
	Status int
	Header http.Header
}

// NewResponse returns a response with the given status and no headers.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: http.Header{}}
}

// Outcome is either Continue with a request or Terminate with a response.
type Outcome struct {
	request  *Request
	response *Response
}

// Continue passes req to the next stage.
func Continue(req *Request) Outcome {
	return Outcome{request: req}
}

// Terminate ends the chain with resp.
func Terminate(resp *Response) Outcome {
	return Outcome{response: resp}
}

// Terminated reports whether the chain was stopped.
func (o Outcome) Terminated() bool {
	return o.response != nil
}

// Request returns the request to continue with, nil when terminated.
func (o Outcome) Request() *Request {
	return o.request
}

// Response returns the terminal response, nil when continuing.
func (o Outcome) Response() *Response {
	return o.response
}

// Stage is one step of the chain. Lower orders run first.
type Stage interface {
	Name() string
	Order() int
	Apply(ctx context.Context, req *Request) Outcome
}
