// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the delivery gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"deliverygw/config"
	"deliverygw/internal/cache"
	"deliverygw/internal/delivery"
	"deliverygw/internal/httpclient"
	"deliverygw/internal/idempotency"
	"deliverygw/internal/oauth"
	"deliverygw/internal/observability"
	"deliverygw/internal/ratelimit"
	"deliverygw/internal/server"
	"deliverygw/internal/upstream"
)

// ProviderName labels the delivery provider in errors, logs and cache keys.
const ProviderName = "uber"

// idempotencyScope namespaces replay records of the create-delivery route.
const idempotencyScope = "deliveries"

// App represents the main application with all its dependencies.
type App struct {
	config *config.Config
	logger *slog.Logger
	store  cache.Store
	server *server.Server

	// cancel stops background work started in New (the local cache janitor)
	cancel context.CancelFunc

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the options for creating an App.
type Config struct {
	AppConfig *config.Config
	Logger    *slog.Logger
	// Registry receives the collectors when metrics are enabled; nil uses the
	// Prometheus default registry.
	Registry *prometheus.Registry
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	appCfg := cfg.AppConfig
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		metrics  *observability.Metrics
		gatherer prometheus.Gatherer
	)
	if appCfg.Metrics.Enabled {
		var reg prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer = prometheus.DefaultGatherer
		if cfg.Registry != nil {
			reg, gatherer = cfg.Registry, cfg.Registry
		}
		metrics = observability.NewMetrics(reg)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app := &App{
		config: appCfg,
		logger: logger,
		cancel: cancel,
	}

	store, err := cache.New(runCtx, appCfg.Cache, metrics)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	app.store = store

	httpCfg := httpclient.FromSettings(appCfg.HTTP)
	httpClient := httpclient.NewHTTPClient(&httpCfg)

	tokens := oauth.NewTokenSource(oauth.Config{
		Provider:     ProviderName,
		TokenURL:     appCfg.Uber.TokenURL,
		ClientID:     appCfg.Uber.ClientID,
		ClientSecret: appCfg.Uber.ClientSecret,
		Scope:        appCfg.Uber.Scope,
	}, store,
		oauth.WithHTTPClient(httpClient),
		oauth.WithLogger(logger),
		oauth.WithMetrics(metrics),
	)

	upCfg := upstream.DefaultConfig(ProviderName)
	upCfg.MaxRetries = appCfg.Upstream.MaxRetries
	upCfg.RequestsPerSecond = appCfg.Upstream.RequestsPerSecond
	if appCfg.Upstream.CircuitBreaker {
		upCfg.CircuitBreaker = upstream.DefaultCircuitBreakerConfig()
	}
	caller := upstream.New(httpClient, upCfg,
		upstream.WithLogger(logger),
		upstream.WithMetrics(metrics),
	)

	svc, err := delivery.NewService(
		delivery.Config{
			Provider:   ProviderName,
			BaseURL:    appCfg.Uber.BaseURL,
			CustomerID: appCfg.Uber.CustomerID,
		},
		ratelimit.NewLimiter(store, appCfg.RateLimit.RateWindow(), appCfg.RateLimit.PerMinute, metrics),
		idempotency.NewCache(store, idempotencyScope, logger, metrics),
		tokens,
		caller,
		logger,
	)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize delivery service: %w", err), app.closeStore())
	}

	pinger, _ := store.(cache.Pinger)
	srv, err := server.New(svc, pinger, &server.Config{
		MetricsEnabled:        appCfg.Metrics.Enabled,
		MetricsEndpoint:       appCfg.Metrics.Endpoint,
		MetricsGatherer:       gatherer,
		BodyLimit:             appCfg.Server.BodyLimit,
		AllowedOrigins:        appCfg.CORS.AllowedOrigins,
		AllowedOriginPatterns: appCfg.CORS.AllowedOriginPatterns,
		Logger:                logger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize server: %w", err), app.closeStore())
	}
	app.server = srv

	app.logStartupInfo(svc.Endpoint())
	return app, nil
}

// Handler exposes the HTTP surface, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on addr and blocks until it stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	a.logger.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			a.logger.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown stops the server, then background work, then the cache backend.
// It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	a.logger.Info("shutting down application...")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if err := a.closeStore(); err != nil {
		a.logger.Error("cache close error", "error", err)
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	a.logger.Info("application shutdown complete")
	return nil
}

func (a *App) closeStore() error {
	a.cancel()
	if a.store == nil {
		return nil
	}
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("cache close: %w", err)
	}
	return nil
}

func (a *App) logStartupInfo(endpoint string) {
	cfg := a.config

	backend := "local"
	if cfg.Cache.UseRedis() {
		backend = "redis"
	}
	a.logger.Info("cache configured", "backend", backend)

	a.logger.Info("rate limit configured",
		"per_minute", cfg.RateLimit.PerMinute,
		"window", cfg.RateLimit.RateWindow(),
	)

	a.logger.Info("upstream configured",
		"endpoint", endpoint,
		"max_retries", cfg.Upstream.MaxRetries,
		"requests_per_second", cfg.Upstream.RequestsPerSecond,
		"circuit_breaker", cfg.Upstream.CircuitBreaker,
	)

	if cfg.Metrics.Enabled {
		a.logger.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		a.logger.Info("prometheus metrics disabled")
	}
}
