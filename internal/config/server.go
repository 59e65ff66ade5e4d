// Package config loads server settings from the environment and agent
// settings from a YAML file.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// ServerConfig holds server-level configuration loaded from environment variables.
type ServerConfig struct {
	Environment   Environment
	ListenAddr    string
	DatabaseURL   string
	RedisURL      string // empty selects in-process rate limiting
	BillingSecret string // HMAC key for billing webhooks
	MinAppVersion string
	CompletionURL string // upstream AI completion endpoint

	// Global per-IP limit, in ulule/limiter format (e.g. "100-M").
	HTTPRateLimit string
	// Per-(user, endpoint) sliding window for metered calls.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	TokenMaxPerRequest  int64
	TokenCallTimeout    time.Duration
	TokenBurnWindow     time.Duration
	TokenBurnThreshold  int64
	SyncBatchSize       int
	MaxRequestBodyBytes int64
	ShutdownGracePeriod time.Duration
	MetricsEnabled      bool // expose /metrics
}

// IsProduction reports whether the server runs in production.
func (c ServerConfig) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Validate checks settings required to start the server.
func (c ServerConfig) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	}
	if c.TokenMaxPerRequest <= 0 {
		return errors.New("TOKEN_MAX_PER_REQUEST must be positive")
	}
	return nil
}

// LoadServerConfig reads server configuration from environment variables.
func LoadServerConfig() ServerConfig {
	env := Environment(os.Getenv("ENV"))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		env = EnvDevelopment
	}

	batch := getEnvInt("SYNC_BATCH_SIZE", 50)
	if batch <= 0 {
		batch = 50
	}

	return ServerConfig{
		Environment:         env,
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		BillingSecret:       os.Getenv("BILLING_WEBHOOK_SECRET"),
		MinAppVersion:       getEnv("MIN_APP_VERSION", "1.0.0"),
		CompletionURL:       os.Getenv("AI_COMPLETION_URL"),
		HTTPRateLimit:       getEnv("HTTP_RATE_LIMIT", "300-M"),
		RateLimitRequests:   getEnvInt("RATE_LIMIT_REQUESTS", 10),
		RateLimitWindow:     getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		TokenMaxPerRequest:  int64(getEnvInt("TOKEN_MAX_PER_REQUEST", 50)),
		TokenCallTimeout:    getEnvDuration("TOKEN_CALL_TIMEOUT", 30*time.Second),
		TokenBurnWindow:     getEnvDuration("TOKEN_BURN_WINDOW", time.Hour),
		TokenBurnThreshold:  int64(getEnvInt("TOKEN_BURN_THRESHOLD", 500)),
		SyncBatchSize:       batch,
		MaxRequestBodyBytes: int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 5<<20)),
		ShutdownGracePeriod: getEnvDuration("SHUTDOWN_GRACE_PERIOD", 15*time.Second),
		MetricsEnabled:      getEnvBool("METRICS_ENABLED", true),
	}
}

func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvDuration reads a Go duration string, returning the default if unset or invalid.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
