// Package api wires the sync server's HTTP routes.
package api

import (
	"github.com/gearbase/gearbase/internal/api/handlers"
	"github.com/gearbase/gearbase/internal/api/middleware"
	"github.com/gearbase/gearbase/internal/assist"
	"github.com/gearbase/gearbase/internal/auth"
	"github.com/gearbase/gearbase/internal/license"
	"github.com/gearbase/gearbase/internal/metrics"
	"github.com/gearbase/gearbase/internal/tokens"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds configuration for the API router.
type Config struct {
	// HTTPRateLimit is the per-caller request rate, e.g. "300-M".
	HTTPRateLimit string
	// MaxRequestBodyBytes caps request bodies.
	MaxRequestBodyBytes int64
	// MaxSyncBatch caps the changes accepted in one sync request.
	MaxSyncBatch  int
	BillingSecret string
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		HTTPRateLimit:       "300-M",
		MaxRequestBodyBytes: 5 << 20,
		MaxSyncBatch:        500,
	}
}

// Dependencies are the services behind the routes.
type Dependencies struct {
	Users      auth.UserStore
	Licenses   *license.Service
	Ledger     *tokens.Ledger
	Reconciler handlers.BatchApplier
	Completer  assist.Completer
	Database   handlers.DatabaseHealthChecker
	// Redis is optional; nil keeps rate-limit counters in process.
	Redis    *redis.Client
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Dependencies, logger zerolog.Logger) (*Router, error) {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.SecurityHeaders())
	r.Engine.Use(middleware.BodyLimit(cfg.MaxRequestBodyBytes))

	rateLimiter, err := middleware.NewRateLimiter(cfg.HTTPRateLimit, deps.Redis)
	if err != nil {
		return nil, err
	}

	// Health check endpoints (no auth required)
	var cache handlers.CacheHealthChecker
	if deps.Redis != nil {
		cache = redisPinger{deps.Redis}
	}
	handlers.NewHealthHandler(deps.Database, cache, logger).RegisterPublicRoutes(r.Engine)

	// Prometheus metrics endpoint (no auth required)
	if deps.Gatherer != nil {
		r.Engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// Billing webhooks authenticate by signature.
	handlers.NewBillingHandler(deps.Licenses, cfg.BillingSecret, deps.Metrics, logger).
		RegisterPublicRoutes(r.Engine)

	// API v1 routes (auth required)
	apiV1 := r.Engine.Group("/api/v1")
	apiV1.Use(middleware.APIKeyMiddleware(auth.NewAPIKeyValidator(deps.Users, logger), logger))
	apiV1.Use(rateLimiter)

	handlers.NewSyncHandler(deps.Reconciler, deps.Licenses, cfg.MaxSyncBatch, deps.Metrics, logger).RegisterRoutes(apiV1)
	handlers.NewLicenseHandler(deps.Licenses, deps.Metrics, logger).RegisterRoutes(apiV1)
	handlers.NewTokensHandler(deps.Ledger, logger).RegisterRoutes(apiV1)
	handlers.NewAssistHandler(deps.Ledger, deps.Completer, logger).RegisterRoutes(apiV1)

	return r, nil
}
