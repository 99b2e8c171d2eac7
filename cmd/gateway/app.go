package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/marketgw/internal/auth/jwt"
	"github.com/vyrodovalexey/marketgw/internal/authz"
	"github.com/vyrodovalexey/marketgw/internal/backend"
	"github.com/vyrodovalexey/marketgw/internal/config"
	"github.com/vyrodovalexey/marketgw/internal/filter"
	"github.com/vyrodovalexey/marketgw/internal/health"
	"github.com/vyrodovalexey/marketgw/internal/middleware"
	"github.com/vyrodovalexey/marketgw/internal/observability"
	"github.com/vyrodovalexey/marketgw/internal/proxy"
	"github.com/vyrodovalexey/marketgw/internal/ratelimit"
	"github.com/vyrodovalexey/marketgw/internal/ratelimit/store"
)

// MetricsPath is where Prometheus metrics are served.
const MetricsPath = "/actuator/prometheus"

const metricsNamespace = "gateway"

// application holds all application components.
type application struct {
	config    *config.GatewayConfig
	server    *http.Server
	handler   http.Handler
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	limiter   *ratelimit.FixedWindowLimiter
	redis     *store.RedisStore
	chain     *filter.Chain
	authz     *authz.Engine
	discovery *backend.StaticDiscovery
	selector  *backend.WeightedRoundRobin
	proxy     *proxy.Handler
	health    *health.Checker
	logger    observability.Logger
}

// initApplication builds every gateway component from cfg.
func initApplication(ctx context.Context, cfg *config.GatewayConfig, logger observability.Logger) (*application, error) {
	app := &application{
		config:  cfg,
		metrics: observability.NewMetrics(metricsNamespace),
		logger:  logger,
	}
	app.metrics.SetBuildInfo(version)

	tracer, err := initTracer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	app.tracer = tracer

	jwtMetrics := jwt.NewMetrics(metricsNamespace)
	validator, err := jwt.NewValidator(cfg.Auth.Secret,
		jwt.WithClockSkew(cfg.Auth.ClockSkew.Duration()),
		jwt.WithValidatorLogger(logger),
		jwt.WithValidatorMetrics(jwtMetrics),
	)
	if err != nil {
		return nil, fmt.Errorf("token validator: %w", err)
	}

	counters, err := app.initStore(ctx)
	if err != nil {
		return nil, err
	}

	rlMetrics := ratelimit.NewMetrics(metricsNamespace)
	app.limiter, err = ratelimit.NewFixedWindowLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window.Duration(),
		ratelimit.WithStore(counters),
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(rlMetrics),
	)
	if err != nil {
		_ = counters.Close()
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	authzMetrics := authz.NewMetrics(metricsNamespace)
	app.authz, err = authz.NewEngine(authz.ConfigFromGateway(cfg.Authz),
		authz.WithLogger(logger),
		authz.WithMetrics(authzMetrics),
	)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("authorization: %w", err)
	}

	filterMetrics := filter.NewMetrics(metricsNamespace)
	app.chain, err = filter.NewChain([]filter.Stage{
		filter.NewAuthenticationStage(validator, cfg.Auth.ExemptPaths, logger),
		filter.NewRateLimitStage(app.limiter, cfg.RateLimit.ExemptPaths),
		filter.NewAuthorizationStage(app.authz),
	},
		filter.WithTracer(tracer.Tracer()),
		filter.WithLogger(logger),
		filter.WithMetrics(filterMetrics),
	)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("filter chain: %w", err)
	}

	backendMetrics := backend.NewMetrics(metricsNamespace)
	app.discovery = backend.NewStaticDiscovery(cfg.Services,
		backend.WithDiscoveryLogger(logger),
		backend.WithDiscoveryMetrics(backendMetrics),
	)
	app.selector = backend.NewWeightedRoundRobin(backend.WeightTable(cfg.Weights()),
		backend.WithSelectorMetrics(backendMetrics),
	)

	proxyMetrics := proxy.NewMetrics(metricsNamespace)
	app.proxy, err = proxy.NewHandler(cfg.Routes, cfg.Services, app.discovery, app.selector,
		proxy.WithLogger(logger),
		proxy.WithMetrics(proxyMetrics),
		proxy.WithTracer(tracer.Tracer()),
	)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("proxy: %w", err)
	}

	healthMetrics := health.NewMetrics(metricsNamespace)
	app.health = health.NewChecker(version, health.WithMetrics(healthMetrics))
	app.health.RegisterCheck("services", health.ServicesCheck(app.discovery))
	if app.redis != nil {
		app.health.RegisterCheck("redis", health.PingCheck(app.redis.Ping))
	}

	mwMetrics := middleware.NewMetrics(metricsNamespace)

	registry := app.metrics.Registry()
	jwtMetrics.MustRegister(registry)
	rlMetrics.MustRegister(registry)
	authzMetrics.MustRegister(registry)
	filterMetrics.MustRegister(registry)
	backendMetrics.MustRegister(registry)
	proxyMetrics.MustRegister(registry)
	healthMetrics.MustRegister(registry)
	mwMetrics.MustRegister(registry)

	app.handler = buildHandler(app, mwMetrics)
	app.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("gateway initialized",
		observability.Strings("stages", app.chain.Stages()),
		observability.Int("routes", len(app.proxy.Router().Routes())),
		observability.Strings("services", app.discovery.Services()),
	)

	return app, nil
}

// initStore selects the counter store: Redis when enabled, memory otherwise.
func (app *application) initStore(ctx context.Context) (store.Store, error) {
	rl := app.config.RateLimit
	if rl.Redis == nil || !rl.Redis.Enabled {
		return store.NewMemoryStore(
			store.WithSweepInterval(rl.SweepInterval.OrDefault(config.DefaultSweepInterval)),
		), nil
	}

	redisCfg := store.DefaultRedisConfig()
	redisCfg.Address = rl.Redis.Address
	redisCfg.Password = rl.Redis.Password
	redisCfg.DB = rl.Redis.DB
	redisCfg.Prefix = rl.Redis.Prefix
	if redisCfg.Prefix == "" {
		redisCfg.Prefix = config.DefaultRedisPrefix
	}

	redisStore, err := store.ConnectRedisStore(ctx, redisCfg, app.logger)
	if err != nil {
		return nil, fmt.Errorf("rate limit store: %w", err)
	}
	app.redis = redisStore
	return redisStore, nil
}

// initTracer initializes the tracer.
func initTracer(ctx context.Context, cfg *config.GatewayConfig) (*observability.Tracer, error) {
	tracerCfg := observability.TracerConfig{
		ServiceName:  "marketgw",
		SamplingRate: 1.0,
	}
	if t := cfg.Observability.Tracing; t != nil {
		tracerCfg.Enabled = t.Enabled
		tracerCfg.OTLPEndpoint = t.Endpoint
		tracerCfg.SamplingRate = t.SamplingRate
		tracerCfg.Insecure = t.Insecure
	}
	return observability.NewTracer(ctx, tracerCfg)
}

// buildHandler mounts the operational endpoints on a gin engine and sends
// every other path through the filter chain to the proxy.
func buildHandler(app *application, mwMetrics *middleware.Metrics) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.RedirectTrailingSlash = false

	engine.Any(health.Path, gin.WrapH(app.health))
	engine.GET(MetricsPath, gin.WrapH(app.metrics.Handler()))
	engine.NoRoute(gin.WrapH(middleware.Pipeline(app.chain, app.logger, mwMetrics)(app.proxy)))

	var h http.Handler = engine
	h = middleware.AccessLog(app.logger, app.metrics)(h)
	h = middleware.RequestID()(h)
	h = middleware.Recovery(app.logger, mwMetrics)(h)

	return h
}

// close releases resources held outside the HTTP server.
func (app *application) close() {
	if app.discovery != nil {
		app.discovery.Stop()
	}
	if app.limiter != nil {
		if err := app.limiter.Close(); err != nil {
			app.logger.Error("failed to close rate limit store", observability.Error(err))
		}
	}
}
