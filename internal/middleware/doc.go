// Package middleware provides the HTTP middleware of the gateway.
//
// Middleware functions follow the standard Go pattern:
//
//	handler := middleware.RequestID()(
//	    middleware.Recovery(logger, metrics)(
//	        middleware.AccessLog(logger, httpMetrics)(
//	            middleware.Pipeline(chain, logger, metrics)(proxy),
//	        ),
//	    ),
//	)
//
// Pipeline adapts the filter chain to net/http: terminal outcomes are
// written directly and only requests that pass every stage reach the
// wrapped handler.
package middleware
