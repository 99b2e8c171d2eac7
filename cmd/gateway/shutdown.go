package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/marketgw/internal/config"
	"github.com/vyrodovalexey/marketgw/internal/observability"
)

// runGateway serves until SIGINT or SIGTERM, then shuts down gracefully.
func runGateway(app *application, configPath string, logger observability.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := app.start(ctx)
	watcher := startConfigWatcher(ctx, app, configPath, logger)

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serverErr:
		logger.Error("server error", observability.Error(err))
	}

	app.shutdown(watcher)
}

// start starts health checking and the HTTP server. The returned channel
// receives the error that stopped the server unexpectedly.
func (app *application) start(ctx context.Context) <-chan error {
	app.discovery.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("gateway listening", observability.String("address", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// startConfigWatcher starts the configuration watcher.
func startConfigWatcher(ctx context.Context, app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.GatewayConfig) {
		if reloadErr := app.reload(newCfg); reloadErr != nil {
			logger.Error("failed to reload configuration", observability.Error(reloadErr))
		}
	}, config.WithLogger(logger))
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
		_ = watcher.Stop()
		return nil
	}
	return watcher
}

// shutdown drains the server and releases every component.
func (app *application) shutdown(watcher *config.Watcher) {
	timeout := app.config.ShutdownTimeout.OrDefault(config.DefaultShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("failed to stop server gracefully", observability.Error(err))
	}

	app.close()

	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	app.logger.Info("gateway stopped")
}
