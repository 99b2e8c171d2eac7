package proxy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vyrodovalexey/marketgw/internal/config"
)

// Route is a compiled prefix route.
type Route struct {
	Prefix   string
	Service  string
	Fallback string
}

// Router matches request paths against prefix routes. The longest matching
// prefix wins.
type Router struct {
	routes []Route
}

// NewRouter compiles routes.
func NewRouter(routes []config.Route) (*Router, error) {
	compiled := make([]Route, 0, len(routes))
	seen := make(map[string]bool, len(routes))

	for _, r := range routes {
		prefix := strings.TrimSuffix(r.Prefix, "/")
		if !strings.HasPrefix(r.Prefix, "/") || prefix == "" {
			return nil, fmt.Errorf("%w: invalid prefix %q", ErrInvalidRoute, r.Prefix)
		}
		if r.Service == "" {
			return nil, fmt.Errorf("%w: prefix %q has no service", ErrInvalidRoute, r.Prefix)
		}
		if seen[prefix] {
			return nil, fmt.Errorf("%w: duplicate prefix %q", ErrInvalidRoute, r.Prefix)
		}
		seen[prefix] = true

		fallback := r.Fallback
		if fallback == "" {
			fallback = r.Service
		}
		compiled = append(compiled, Route{Prefix: prefix, Service: r.Service, Fallback: fallback})
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return len(compiled[i].Prefix) > len(compiled[j].Prefix)
	})

	return &Router{routes: compiled}, nil
}

// Match returns the route for path. A prefix matches the path itself and
// anything below it, never a sibling sharing the same leading characters.
func (r *Router) Match(path string) (Route, bool) {
	for _, route := range r.routes {
		if path == route.Prefix || strings.HasPrefix(path, route.Prefix+"/") {
			return route, true
		}
	}
	return Route{}, false
}

// Routes returns the compiled routes, longest prefix first.
func (r *Router) Routes() []Route {
	return append([]Route(nil), r.routes...)
}
