package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadServerConfig_DefaultEnvironment(t *testing.T) {
	os.Unsetenv("ENV")
	cfg := LoadServerConfig()
	if cfg.Environment != EnvDevelopment {
		t.Errorf("expected %q, got %q", EnvDevelopment, cfg.Environment)
	}
}

func TestLoadServerConfig_InvalidEnvironment(t *testing.T) {
	t.Setenv("ENV", "invalid")
	cfg := LoadServerConfig()
	if cfg.Environment != EnvDevelopment {
		t.Errorf("expected %q for invalid ENV, got %q", EnvDevelopment, cfg.Environment)
	}
}

func TestLoadServerConfig_ValidEnvironments(t *testing.T) {
	tests := []struct {
		env  string
		want Environment
	}{
		{"development", EnvDevelopment},
		{"staging", EnvStaging},
		{"production", EnvProduction},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("ENV", tt.env)
			cfg := LoadServerConfig()
			if cfg.Environment != tt.want {
				t.Errorf("expected %q, got %q", tt.want, cfg.Environment)
			}
		})
	}
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	for _, key := range []string{"LISTEN_ADDR", "RATE_LIMIT_REQUESTS", "RATE_LIMIT_WINDOW", "SYNC_BATCH_SIZE", "METRICS_ENABLED"} {
		t.Setenv(key, "")
	}
	cfg := LoadServerConfig()

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.RateLimitRequests != 10 || cfg.RateLimitWindow != time.Minute {
		t.Errorf("rate limit = %d/%v, want 10/1m", cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	if cfg.TokenMaxPerRequest != 50 {
		t.Errorf("TokenMaxPerRequest = %d, want 50", cfg.TokenMaxPerRequest)
	}
	if cfg.SyncBatchSize != 50 {
		t.Errorf("SyncBatchSize = %d, want 50", cfg.SyncBatchSize)
	}
	if !cfg.MetricsEnabled {
		t.Error("metrics should be enabled by default")
	}
}

func TestLoadServerConfig_Overrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("TOKEN_BURN_THRESHOLD", "900")
	t.Setenv("SYNC_BATCH_SIZE", "-4")
	t.Setenv("METRICS_ENABLED", "no")

	cfg := LoadServerConfig()
	if cfg.RateLimitWindow != 30*time.Second {
		t.Errorf("RateLimitWindow = %v, want 30s", cfg.RateLimitWindow)
	}
	if cfg.TokenBurnThreshold != 900 {
		t.Errorf("TokenBurnThreshold = %d, want 900", cfg.TokenBurnThreshold)
	}
	if cfg.SyncBatchSize != 50 {
		t.Errorf("SyncBatchSize = %d, invalid value should fall back to 50", cfg.SyncBatchSize)
	}
	if cfg.MetricsEnabled {
		t.Error("METRICS_ENABLED=no should disable metrics")
	}
}

func TestServerConfig_Validate(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg := LoadServerConfig()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error without DATABASE_URL")
	}

	cfg.DatabaseURL = "postgres://localhost/gearbase"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.TokenMaxPerRequest = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero token cap")
	}
}

func TestGetEnvDuration_Invalid(t *testing.T) {
	t.Setenv("GEARBASE_TEST_DURATION", "soon")
	if got := getEnvDuration("GEARBASE_TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("getEnvDuration() = %v, want default", got)
	}
}
