package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deliverygw/internal/cache"
)

// DefaultBodyLimit applies when Config.BodyLimit is empty.
const DefaultBodyLimit = "1M"

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	MetricsEnabled  bool   // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint string // HTTP path for metrics endpoint (default: /metrics)
	// MetricsGatherer is scraped by the metrics endpoint; nil uses the default registry
	MetricsGatherer prometheus.Gatherer
	BodyLimit       string // echo size string, e.g. "1M" (default: 1M)

	AllowedOrigins        []string
	AllowedOriginPatterns []string

	Logger *slog.Logger
}

// New creates the HTTP server. pinger may be nil, in which case /ready always succeeds.
func New(svc DeliveryCreator, pinger cache.Pinger, cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	allowOrigin, err := newOriginMatcher(cfg.AllowedOrigins, cfg.AllowedOriginPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid CORS configuration: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	handler := NewHandler(svc, pinger, logger)

	bodyLimit := cfg.BodyLimit
	if bodyLimit == "" {
		bodyLimit = DefaultBodyLimit
	}

	// Global middleware stack (order matters)
	e.Use(RequestIDMiddleware())
	e.Use(RequestLogger(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(corsConfig(allowOrigin)))
	e.Use(middleware.BodyLimit(bodyLimit))

	// Public routes
	e.GET("/health", handler.Health)
	e.GET("/ready", handler.Ready)
	if cfg.MetricsEnabled {
		metricsPath := "/metrics"
		if cfg.MetricsEndpoint != "" {
			// Normalize path to prevent traversal attacks
			metricsPath = path.Clean("/" + cfg.MetricsEndpoint)
		}
		e.GET(metricsPath, echo.WrapHandler(metricsHandler(cfg.MetricsGatherer)))
	}

	// API routes
	v1 := e.Group("/v1")
	v1.GET("/health", handler.Health)
	v1.POST("/deliveries", handler.CreateDelivery)

	return &Server{
		echo:    e,
		handler: handler,
	}, nil
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
