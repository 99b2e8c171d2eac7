// Package authz decides whether a role may call a path and method, using an
// ordered rule table where the first matching rule wins.
package authz

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/vyrodovalexey/marketgw/internal/config"
	"github.com/vyrodovalexey/marketgw/internal/observability"
)

// Decision reasons.
const (
	ReasonPublicPath  = "public path"
	ReasonRoleAllowed = "role allowed"
	ReasonOwnerRole   = "owner role allowed provisionally"
	ReasonRoleDenied  = "role not permitted"
	ReasonNoRule      = "no matching rule"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	// Rule names the matching rule, empty when none matched.
	Rule   string
	Reason string
}

// Config configures the engine.
type Config struct {
	PublicPaths []string
	// Rules replaces the default table when non-nil.
	Rules []Rule
	// FailClosed denies requests no rule matches.
	FailClosed bool
}

// ConfigFromGateway converts the authz section of the gateway configuration.
func ConfigFromGateway(c config.AuthzConfig) Config {
	cfg := Config{
		PublicPaths: append([]string(nil), c.PublicPaths...),
		FailClosed:  c.FailClosed,
	}
	if c.PublicPaths == nil {
		cfg.PublicPaths = append([]string(nil), config.DefaultPublicPaths...)
	}
	if c.Rules != nil {
		cfg.Rules = make([]Rule, 0, len(c.Rules))
		for _, r := range c.Rules {
			cfg.Rules = append(cfg.Rules, Rule{
				Name:       r.Name,
				Path:       r.Path,
				Methods:    r.Methods,
				Roles:      r.Roles,
				OwnerRoles: r.OwnerRoles,
			})
		}
	}
	return cfg
}

// policy is an immutable compiled configuration.
type policy struct {
	publicPaths []string
	rules       []compiledRule
	failClosed  bool
}

// Engine evaluates requests against the current policy. The policy can be
// swapped at runtime with Update.
type Engine struct {
	policy  atomic.Pointer[policy]
	logger  observability.Logger
	metrics *Metrics
}

// Option is a functional option for the engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// NewEngine compiles cfg into a new engine.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.metrics == nil {
		e.metrics = NewMetrics("gateway")
	}

	if err := e.Update(cfg); err != nil {
		return nil, err
	}

	return e, nil
}

// Update compiles cfg and replaces the active policy. On error the previous
// policy stays active.
func (e *Engine) Update(cfg Config) error {
	p, err := compile(cfg)
	if err != nil {
		return err
	}
	e.policy.Store(p)
	e.metrics.SetRuleCount(len(p.rules))
	e.logger.Info("authorization policy loaded",
		observability.Int("rules", len(p.rules)),
		observability.Bool("fail_closed", p.failClosed),
	)
	return nil
}

func compile(cfg Config) (*policy, error) {
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}

	p := &policy{
		publicPaths: append([]string(nil), cfg.PublicPaths...),
		rules:       make([]compiledRule, 0, len(rules)),
		failClosed:  cfg.FailClosed,
	}
	for _, r := range rules {
		cr, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("invalid authorization rule: %w", err)
		}
		p.rules = append(p.rules, cr)
	}
	return p, nil
}

// Authorize decides whether role may call method on path. An empty role
// is denied by every matching rule.
func (e *Engine) Authorize(ctx context.Context, path, method, role string) Decision {
	d := e.policy.Load().evaluate(path, method, role)

	e.metrics.RecordDecision(d)
	if !d.Allowed {
		e.logger.WithContext(ctx).Debug("authorization denied",
			observability.String("path", path),
			observability.String("method", method),
			observability.String("role", role),
			observability.String("rule", d.Rule),
			observability.String("reason", d.Reason),
		)
	}
	return d
}

func (p *policy) evaluate(path, method, role string) Decision {
	for _, prefix := range p.publicPaths {
		if strings.HasPrefix(path, prefix) {
			return Decision{Allowed: true, Reason: ReasonPublicPath}
		}
	}

	for i := range p.rules {
		r := &p.rules[i]
		if !r.matches(path, method) {
			continue
		}
		switch {
		case role != "" && r.roles[role]:
			return Decision{Allowed: true, Rule: r.name, Reason: ReasonRoleAllowed}
		case role != "" && r.ownerRoles[role]:
			return Decision{Allowed: true, Rule: r.name, Reason: ReasonOwnerRole}
		default:
			return Decision{Allowed: false, Rule: r.name, Reason: ReasonRoleDenied}
		}
	}

	return Decision{Allowed: !p.failClosed, Reason: ReasonNoRule}
}
