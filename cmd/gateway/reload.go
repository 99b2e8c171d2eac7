package main

import (
	"fmt"
	"reflect"

	"github.com/vyrodovalexey/marketgw/internal/authz"
	"github.com/vyrodovalexey/marketgw/internal/backend"
	"github.com/vyrodovalexey/marketgw/internal/config"
	"github.com/vyrodovalexey/marketgw/internal/observability"
)

// reload applies a validated configuration to the running gateway. Weights,
// instances, health checks, circuit breakers and the authorization policy
// follow the new document; listener, secret, rate limit and routes need a
// restart.
func (app *application) reload(cfg *config.GatewayConfig) error {
	if err := app.authz.Update(authz.ConfigFromGateway(cfg.Authz)); err != nil {
		return fmt.Errorf("authorization: %w", err)
	}

	app.selector.SetWeights(backend.WeightTable(cfg.Weights()))
	app.discovery.Update(cfg.Services)
	app.proxy.UpdateServices(cfg.Services)

	for _, ignored := range restartOnlyChanges(app.config, cfg) {
		app.logger.Warn("configuration change requires a restart",
			observability.String("section", ignored),
		)
	}

	app.logger.Info("configuration applied",
		observability.Strings("services", app.discovery.Services()),
	)
	app.config = withStartupSections(app.config, cfg)
	return nil
}

// withStartupSections returns next with the restart-only sections of
// running, so later reloads keep comparing against what is actually live.
func withStartupSections(running, next *config.GatewayConfig) *config.GatewayConfig {
	applied := *next
	applied.Listen = running.Listen
	applied.Auth = running.Auth
	applied.RateLimit = running.RateLimit
	applied.Routes = running.Routes
	return &applied
}

// restartOnlyChanges lists the sections that differ between old and next
// but are only read at startup.
func restartOnlyChanges(old, next *config.GatewayConfig) []string {
	var changed []string
	if old.Listen != next.Listen {
		changed = append(changed, "listen")
	}
	if !reflect.DeepEqual(old.Auth, next.Auth) {
		changed = append(changed, "auth")
	}
	if !reflect.DeepEqual(old.RateLimit, next.RateLimit) {
		changed = append(changed, "rateLimit")
	}
	if !reflect.DeepEqual(old.Routes, next.Routes) {
		changed = append(changed, "routes")
	}
	return changed
}
