package config

import (
	"fmt"
	"net/http"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// validator accumulates validation errors.
type validator struct {
	errors ValidationErrors
}

func (v *validator) addError(path, format string, args ...interface{}) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateConfig validates the configuration and reports every problem found.
func ValidateConfig(cfg *GatewayConfig) error {
	if cfg == nil {
		return &ValidationError{Message: "configuration is nil"}
	}

	v := &validator{}
	v.validateAuth(&cfg.Auth)
	v.validateRateLimit(&cfg.RateLimit)
	v.validateAuthz(&cfg.Authz)
	v.validateServices(cfg.Services)
	v.validateRoutes(cfg.Routes, cfg.Services)

	if t := cfg.Observability.Tracing; t != nil && (t.SamplingRate < 0 || t.SamplingRate > 1) {
		v.addError("observability.tracing.samplingRate", "must be between 0 and 1")
	}

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *validator) validateAuth(auth *AuthConfig) {
	if auth.Secret == "" {
		v.addError("auth.secret", "is required")
	} else if len(auth.Secret) < MinSecretLength {
		v.addError("auth.secret", "must be at least %d bytes for HMAC-SHA256", MinSecretLength)
	}
	if auth.ClockSkew < 0 {
		v.addError("auth.clockSkew", "must not be negative")
	}
	v.validatePrefixes("auth.exemptPaths", auth.ExemptPaths)
}

func (v *validator) validateRateLimit(rl *RateLimitConfig) {
	if rl.Requests < 1 {
		v.addError("rateLimit.requests", "must be at least 1")
	}
	if rl.Window <= 0 {
		v.addError("rateLimit.window", "must be positive")
	}
	if rl.SweepInterval < 0 {
		v.addError("rateLimit.sweepInterval", "must not be negative")
	}
	if rl.Redis != nil && rl.Redis.Enabled && rl.Redis.Address == "" {
		v.addError("rateLimit.redis.address", "is required when redis is enabled")
	}
	v.validatePrefixes("rateLimit.exemptPaths", rl.ExemptPaths)
}

func (v *validator) validateAuthz(authz *AuthzConfig) {
	v.validatePrefixes("authz.publicPaths", authz.PublicPaths)
	for i, rule := range authz.Rules {
		path := fmt.Sprintf("authz.rules[%d]", i)
		if !strings.HasPrefix(rule.Path, "/") {
			v.addError(path+".path", "must start with /")
		}
		if len(rule.Methods) == 0 {
			v.addError(path+".methods", "at least one method is required")
		}
		for _, m := range rule.Methods {
			if !isHTTPMethod(m) {
				v.addError(path+".methods", "unknown method %q", m)
			}
		}
		if len(rule.Roles) == 0 && len(rule.OwnerRoles) == 0 {
			v.addError(path+".roles", "at least one role is required")
		}
	}
}

func (v *validator) validateServices(services map[string]Service) {
	for name, svc := range services {
		path := "services." + name
		if len(svc.Instances) == 0 {
			v.addError(path+".instances", "at least one instance is required")
		}
		seen := make(map[string]bool, len(svc.Instances))
		for i, inst := range svc.Instances {
			ipath := fmt.Sprintf("%s.instances[%d]", path, i)
			if inst.Host == "" {
				v.addError(ipath+".host", "is required")
			}
			if inst.Port < 1 || inst.Port > 65535 {
				v.addError(ipath+".port", "must be between 1 and 65535")
			}
			if inst.Weight < 1 {
				v.addError(ipath+".weight", "must be at least 1")
			}
			if seen[inst.Address()] {
				v.addError(ipath, "duplicate instance %s", inst.Address())
			}
			seen[inst.Address()] = true
		}
		if hc := svc.HealthCheck; hc != nil && hc.Enabled && !strings.HasPrefix(hc.Path, "/") {
			v.addError(path+".healthCheck.path", "must start with /")
		}
	}
}

func (v *validator) validateRoutes(routes []Route, services map[string]Service) {
	for i, route := range routes {
		path := fmt.Sprintf("routes[%d]", i)
		if !strings.HasPrefix(route.Prefix, "/") {
			v.addError(path+".prefix", "must start with /")
		}
		if route.Service == "" {
			v.addError(path+".service", "is required")
			continue
		}
		if _, ok := services[route.Service]; !ok {
			v.addError(path+".service", "unknown service %q", route.Service)
		}
	}
}

func (v *validator) validatePrefixes(path string, prefixes []string) {
	for i, p := range prefixes {
		if !strings.HasPrefix(p, "/") {
			v.addError(fmt.Sprintf("%s[%d]", path, i), "must start with /")
		}
	}
}

func isHTTPMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
