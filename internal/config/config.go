// Package config provides configuration loading, validation and hot reload
// for the gateway.
package config

import (
	"net"
	"strconv"
	"time"
)

// Default values applied to unset configuration fields.
const (
	DefaultListen             = ":8080"
	DefaultRateLimitRequests  = 60
	DefaultRateLimitWindow    = time.Minute
	DefaultSweepInterval      = time.Minute
	DefaultRedisPrefix        = "marketgw:ratelimit:"
	DefaultHealthCheckPath    = "/actuator/health"
	DefaultHealthInterval     = 10 * time.Second
	DefaultHealthTimeout      = 2 * time.Second
	DefaultBreakerMaxRequests = 1
	DefaultBreakerInterval    = time.Minute
	DefaultBreakerTimeout     = 30 * time.Second
	DefaultBreakerThreshold   = 5
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultTracingEndpoint    = "localhost:4317"
	MinSecretLength           = 32
)

// Default path lists. Exempt paths bypass authentication and rate limiting;
// public paths bypass authorization.
var (
	DefaultExemptPaths = []string{
		"/api/auth/register",
		"/api/auth/login",
		"/actuator",
		"/fallback",
	}

	DefaultPublicPaths = []string{
		"/api/users/register",
		"/api/users/login",
		"/api/auth/register",
		"/api/auth/login",
		"/swagger",
		"/api-docs",
		"/actuator",
	}
)

// GatewayConfig is the root configuration document.
type GatewayConfig struct {
	Listen          string              `yaml:"listen"`
	ShutdownTimeout Duration            `yaml:"shutdownTimeout,omitempty"`
	Auth            AuthConfig          `yaml:"auth"`
	RateLimit       RateLimitConfig     `yaml:"rateLimit"`
	Authz           AuthzConfig         `yaml:"authz"`
	Services        map[string]Service  `yaml:"services"`
	Routes          []Route             `yaml:"routes"`
	Observability   ObservabilityConfig `yaml:"observability"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	Secret      string   `yaml:"secret"`
	ClockSkew   Duration `yaml:"clockSkew,omitempty"`
	ExemptPaths []string `yaml:"exemptPaths,omitempty"`
}

// RateLimitConfig configures the fixed window rate limiter.
type RateLimitConfig struct {
	Requests      int          `yaml:"requests"`
	Window        Duration     `yaml:"window"`
	ExemptPaths   []string     `yaml:"exemptPaths,omitempty"`
	SweepInterval Duration     `yaml:"sweepInterval,omitempty"`
	Redis         *RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig selects the shared Redis counter store.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// AuthzConfig configures the access policy engine.
type AuthzConfig struct {
	FailClosed  bool         `yaml:"failClosed"`
	PublicPaths []string     `yaml:"publicPaths,omitempty"`
	Rules       []AccessRule `yaml:"rules,omitempty"`
}

// AccessRule is one entry of the ordered authorization table.
type AccessRule struct {
	Name       string   `yaml:"name"`
	Path       string   `yaml:"path"`
	Methods    []string `yaml:"methods"`
	Roles      []string `yaml:"roles"`
	OwnerRoles []string `yaml:"ownerRoles,omitempty"`
}

// Service describes an upstream service and its instances.
type Service struct {
	Instances      []Instance      `yaml:"instances"`
	HealthCheck    *HealthCheck    `yaml:"healthCheck,omitempty"`
	CircuitBreaker *CircuitBreaker `yaml:"circuitBreaker,omitempty"`
}

// Instance is a single upstream address with its load balancing weight.
type Instance struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Weight int    `yaml:"weight,omitempty"`
}

// HealthCheck configures active HTTP health checking of instances.
type HealthCheck struct {
	Enabled            bool     `yaml:"enabled"`
	Path               string   `yaml:"path,omitempty"`
	Interval           Duration `yaml:"interval,omitempty"`
	Timeout            Duration `yaml:"timeout,omitempty"`
	HealthyThreshold   int      `yaml:"healthyThreshold,omitempty"`
	UnhealthyThreshold int      `yaml:"unhealthyThreshold,omitempty"`
}

// CircuitBreaker configures the per-service breaker.
type CircuitBreaker struct {
	MaxRequests      int      `yaml:"maxRequests,omitempty"`
	Interval         Duration `yaml:"interval,omitempty"`
	Timeout          Duration `yaml:"timeout,omitempty"`
	FailureThreshold int      `yaml:"failureThreshold,omitempty"`
}

// Route maps a path prefix to a service. Fallback names the fallback
// response used when the service is unavailable and defaults to the
// service id.
type Route struct {
	Prefix   string `yaml:"prefix"`
	Service  string `yaml:"service"`
	Fallback string `yaml:"fallback,omitempty"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	LogLevel  string         `yaml:"logLevel,omitempty"`
	LogFormat string         `yaml:"logFormat,omitempty"`
	Tracing   *TracingConfig `yaml:"tracing,omitempty"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate,omitempty"`
	Insecure     bool    `yaml:"insecure,omitempty"`
}

// DefaultRoutes are the routes of the user, product and order services.
func DefaultRoutes() []Route {
	return []Route{
		{Prefix: "/api/auth", Service: "user-service"},
		{Prefix: "/api/users", Service: "user-service"},
		{Prefix: "/api/products", Service: "product-service"},
		{Prefix: "/graphql", Service: "product-service", Fallback: "graphql"},
		{Prefix: "/api/orders", Service: "order-service"},
	}
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *GatewayConfig {
	cfg := &GatewayConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields with their default values.
func (c *GatewayConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if c.Auth.ExemptPaths == nil {
		c.Auth.ExemptPaths = append([]string(nil), DefaultExemptPaths...)
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = DefaultRateLimitRequests
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = Duration(DefaultRateLimitWindow)
	}
	if c.RateLimit.ExemptPaths == nil {
		c.RateLimit.ExemptPaths = append([]string(nil), DefaultExemptPaths...)
	}
	if c.RateLimit.SweepInterval == 0 {
		c.RateLimit.SweepInterval = Duration(DefaultSweepInterval)
	}
	if r := c.RateLimit.Redis; r != nil && r.Prefix == "" {
		r.Prefix = DefaultRedisPrefix
	}
	if c.Authz.PublicPaths == nil {
		c.Authz.PublicPaths = append([]string(nil), DefaultPublicPaths...)
	}
	if c.Routes == nil {
		c.Routes = DefaultRoutes()
	}
	for name, svc := range c.Services {
		svc.applyDefaults()
		c.Services[name] = svc
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "json"
	}
	if t := c.Observability.Tracing; t != nil {
		if t.Endpoint == "" {
			t.Endpoint = DefaultTracingEndpoint
		}
		if t.SamplingRate == 0 {
			t.SamplingRate = 1.0
		}
	}
}

func (s *Service) applyDefaults() {
	for i := range s.Instances {
		if s.Instances[i].Weight == 0 {
			s.Instances[i].Weight = 1
		}
	}
	if hc := s.HealthCheck; hc != nil {
		if hc.Path == "" {
			hc.Path = DefaultHealthCheckPath
		}
		if hc.Interval == 0 {
			hc.Interval = Duration(DefaultHealthInterval)
		}
		if hc.Timeout == 0 {
			hc.Timeout = Duration(DefaultHealthTimeout)
		}
	}
	if s.CircuitBreaker == nil {
		s.CircuitBreaker = &CircuitBreaker{}
	}
	cb := s.CircuitBreaker
	if cb.MaxRequests == 0 {
		cb.MaxRequests = DefaultBreakerMaxRequests
	}
	if cb.Interval == 0 {
		cb.Interval = Duration(DefaultBreakerInterval)
	}
	if cb.Timeout == 0 {
		cb.Timeout = Duration(DefaultBreakerTimeout)
	}
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = DefaultBreakerThreshold
	}
}

// Weights returns the per-service weight table keyed by "host:port".
func (c *GatewayConfig) Weights() map[string]map[string]int {
	weights := make(map[string]map[string]int, len(c.Services))
	for name, svc := range c.Services {
		table := make(map[string]int, len(svc.Instances))
		for _, inst := range svc.Instances {
			if inst.Weight > 0 {
				table[inst.Address()] = inst.Weight
			}
		}
		weights[name] = table
	}
	return weights
}

// Address returns the "host:port" identifier of the instance.
func (i Instance) Address() string {
	return joinHostPort(i.Host, i.Port)
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
