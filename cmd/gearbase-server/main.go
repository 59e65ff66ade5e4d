// Package main is the entrypoint for the Gearbase sync server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gearbase/gearbase/internal/api"
	"github.com/gearbase/gearbase/internal/assist"
	"github.com/gearbase/gearbase/internal/config"
	"github.com/gearbase/gearbase/internal/conflict"
	"github.com/gearbase/gearbase/internal/db"
	"github.com/gearbase/gearbase/internal/license"
	"github.com/gearbase/gearbase/internal/maintenance"
	"github.com/gearbase/gearbase/internal/metrics"
	"github.com/gearbase/gearbase/internal/ratelimit"
	"github.com/gearbase/gearbase/internal/syncer"
	"github.com/gearbase/gearbase/internal/tokens"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.LoadServerConfig()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if !cfg.IsProduction() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting Gearbase server")

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to database")
		return 1
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to run database migrations")
		return 1
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error().Err(err).Msg("Invalid REDIS_URL")
			return 1
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error().Err(err).Msg("Failed to connect to Redis")
			return 1
		}
		logger.Info().Msg("Rate limits backed by Redis")
	} else {
		logger.Warn().Msg("REDIS_URL not set, rate limits are per process")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to register metrics")
		return 1
	}

	licenses := license.NewService(license.ServiceConfig{
		Store:         database,
		MinAppVersion: cfg.MinAppVersion,
		Logger:        logger,
	})

	rate := ratelimit.Rate{Limit: cfg.RateLimitRequests, Window: cfg.RateLimitWindow}
	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter, err = ratelimit.NewRedis(redisClient, rate, "gearbase:metered")
	} else {
		limiter, err = ratelimit.NewMemory(rate)
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize rate limiter")
		return 1
	}

	ledger := tokens.NewLedger(tokens.LedgerConfig{
		Store:   database,
		Gate:    licenses,
		Limiter: limiter,
		Config: tokens.Config{
			MaxTokensPerRequest: cfg.TokenMaxPerRequest,
			CallTimeout:         cfg.TokenCallTimeout,
			BurnWindow:          cfg.TokenBurnWindow,
			BurnThreshold:       cfg.TokenBurnThreshold,
		},
		Metrics: m,
		Logger:  logger,
	})

	if cfg.CompletionURL == "" {
		logger.Warn().Msg("AI_COMPLETION_URL not set, assist calls will be refunded and rejected")
	}
	completer := assist.NewHTTPCompleter(cfg.CompletionURL, &http.Client{Timeout: cfg.TokenCallTimeout})

	routerCfg := api.Config{
		HTTPRateLimit:       cfg.HTTPRateLimit,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxSyncBatch:        cfg.SyncBatchSize,
		BillingSecret:       cfg.BillingSecret,
	}
	deps := api.Dependencies{
		Users:      database,
		Licenses:   licenses,
		Ledger:     ledger,
		Reconciler: syncer.NewReconciler(database, conflict.DefaultPolicy(), m, logger),
		Completer:  completer,
		Database:   database,
		Redis:      redisClient,
		Metrics:    m,
	}
	if cfg.MetricsEnabled {
		deps.Gatherer = registry
	}

	router, err := api.NewRouter(routerCfg, deps, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize router")
		return 1
	}

	allowances := maintenance.NewAllowanceScheduler(database, logger)
	if err := allowances.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start allowance scheduler")
	}
	defer allowances.Stop()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Metered calls may run for the full token call timeout.
		WriteTimeout: cfg.TokenCallTimeout + 30*time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down server")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("HTTP server error")
		return 1
	}

	// In-flight metered calls settle their reservations before their
	// handlers return, so draining requests drains reservations.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
		return 1
	}

	logger.Info().Msg("Server stopped gracefully")
	return 0
}
