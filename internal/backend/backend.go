// Package backend resolves upstream service instances and selects one per
// request using weighted round robin.
package backend

import (
	"errors"
	"net"
	"strconv"

	"github.com/vyrodovalexey/marketgw/internal/config"
)

// Sentinel errors.
var (
	// ErrNoInstances is returned when a service has no live instance.
	ErrNoInstances = errors.New("no live instances")

	// ErrUnknownService is returned for a service missing from discovery.
	ErrUnknownService = errors.New("unknown service")
)

// Status represents the health status of an instance.
type Status int32

const (
	// StatusUnknown indicates the instance has not been checked yet.
	StatusUnknown Status = iota
	// StatusHealthy indicates the instance passed its health checks.
	StatusHealthy
	// StatusUnhealthy indicates the instance failed its health checks.
	StatusUnhealthy
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Instance is a single upstream address.
type Instance struct {
	Host string
	Port int
}

// Address returns the "host:port" identifier used by the weight table.
func (i Instance) Address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// URL returns the plain HTTP base URL of the instance.
func (i Instance) URL() string {
	return "http://" + i.Address()
}

// InstancesFromConfig converts configured instances.
func InstancesFromConfig(in []config.Instance) []Instance {
	out := make([]Instance, 0, len(in))
	for _, inst := range in {
		out = append(out, Instance{Host: inst.Host, Port: inst.Port})
	}
	return out
}
