package middleware

import (
	"net/http"

	"github.com/vyrodovalexey/marketgw/internal/filter"
	"github.com/vyrodovalexey/marketgw/internal/observability"
)

// Pipeline returns a middleware running chain for every request. Terminal
// outcomes are written with their headers and an empty body. Requests that
// pass reach next carrying only the headers derived by the chain; identity
// headers sent by the client are never forwarded.
func Pipeline(chain *filter.Chain, logger observability.Logger, metrics *Metrics) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			out := chain.Process(ctx, filter.FromHTTP(r))

			if out.Terminated() {
				resp := out.Response()
				for k, vv := range resp.Header {
					for _, v := range vv {
						w.Header().Add(k, v)
					}
				}
				if metrics != nil {
					metrics.RecordTerminated(resp.Status)
				}
				logger.WithContext(ctx).Debug("request terminated by filter chain",
					observability.String("path", r.URL.Path),
					observability.String("method", r.Method),
					observability.Int("status", resp.Status),
				)
				w.WriteHeader(resp.Status)
				return
			}

			forwarded := r.Clone(ctx)
			forwarded.Header = out.Request().Header
			next.ServeHTTP(w, forwarded)
		})
	}
}
