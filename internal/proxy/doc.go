// Package proxy forwards authorized requests to upstream service instances.
//
// A request is routed by path prefix to a service, an instance is chosen by
// the weighted selector and the call runs under the service circuit
// breaker. When the service cannot be reached the client receives the
// service fallback: a 503 JSON document also served at /fallback/{name}.
package proxy
