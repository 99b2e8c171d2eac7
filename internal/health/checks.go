package health

import (
	"context"
	"fmt"

	"github.com/vyrodovalexey/marketgw/internal/backend"
)

// ServiceLister lists services and their live instances.
type ServiceLister interface {
	Services() []string
	Instances(ctx context.Context, serviceID string) ([]backend.Instance, error)
}

// ServicesCheck reports the live instance count of every service. A service
// without live instances is DEGRADED, not DOWN: the gateway keeps serving
// its fallback.
func ServicesCheck(lister ServiceLister) CheckFunc {
	return func(ctx context.Context) Check {
		details := make(map[string]any)
		status := StatusUp

		for _, id := range lister.Services() {
			live, err := lister.Instances(ctx, id)
			if err != nil {
				return Check{Status: StatusDown, Message: fmt.Sprintf("%s: %v", id, err)}
			}
			details[id] = len(live)
			if len(live) == 0 {
				status = StatusDegraded
			}
		}

		check := Check{Status: status, Details: details}
		if status == StatusDegraded {
			check.Message = "some services have no live instances"
		}
		return check
	}
}

// PingFunc checks a dependency.
type PingFunc func(ctx context.Context) error

// PingCheck turns a ping into a check that is DOWN when the ping fails.
func PingCheck(ping PingFunc) CheckFunc {
	return func(ctx context.Context) Check {
		if err := ping(ctx); err != nil {
			return Check{Status: StatusDown, Message: err.Error()}
		}
		return Check{Status: StatusUp}
	}
}
