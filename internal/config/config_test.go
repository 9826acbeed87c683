package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "HISTORY_BACKEND", "")
	setEnv(t, "ENV", "")
	setEnv(t, "LOG_FORMAT", "")
	setEnv(t, "FLAG_THRESHOLD", "")
	setEnv(t, "PORT", "9090")
	setEnv(t, "CORS_ALLOWED_ORIGINS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.HistoryBackend)
	assert.Equal(t, DefaultRedisKeyPrefix, cfg.RedisKeyPrefix)
	assert.Equal(t, 0.0, cfg.FlagThreshold)
	assert.Equal(t, DefaultConnectAttempts, cfg.ConnectAttempts)
	assert.Equal(t, DefaultBreakerCooldown, cfg.BreakerCooldown)
	assert.Equal(t, 0, cfg.RateLimitRPM)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_CORSOrigins(t *testing.T) {
	setEnv(t, "HISTORY_BACKEND", "")
	setEnv(t, "ENV", "")
	setEnv(t, "LOG_FORMAT", "")
	setEnv(t, "FLAG_THRESHOLD", "")
	setEnv(t, "CORS_ALLOWED_ORIGINS", " https://ops.example.com, ,https://risk.example.com ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://ops.example.com", "https://risk.example.com"}, cfg.CORSOrigins)
}

func TestLoad_Resilience(t *testing.T) {
	setEnv(t, "HISTORY_BACKEND", "")
	setEnv(t, "ENV", "")
	setEnv(t, "LOG_FORMAT", "")
	setEnv(t, "FLAG_THRESHOLD", "")
	setEnv(t, "HISTORY_BREAKER_COOLDOWN", "5s")
	setEnv(t, "HISTORY_BREAKER_THRESHOLD", "0")
	setEnv(t, "RATE_LIMIT_RPM", "1200")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, 0, cfg.BreakerThreshold)
	assert.Equal(t, 1200, cfg.RateLimitRPM)
	assert.Equal(t, DefaultRateLimitBurst, cfg.RateLimitBurst)
}

func TestLoad_SQLite(t *testing.T) {
	setEnv(t, "ENV", "")
	setEnv(t, "LOG_FORMAT", "json")
	setEnv(t, "HISTORY_BACKEND", "SQLite")
	setEnv(t, "SQLITE_PATH", "/tmp/h.db")
	setEnv(t, "FLAG_THRESHOLD", "0.35")
	setEnv(t, "REDIS_DB", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.HistoryBackend)
	assert.Equal(t, "/tmp/h.db", cfg.SQLitePath)
	assert.Equal(t, 0.35, cfg.FlagThreshold)
	assert.Equal(t, 0, cfg.RedisDB)
}

func TestLoad_PostgresWithoutURL(t *testing.T) {
	setEnv(t, "LOG_FORMAT", "")
	setEnv(t, "FLAG_THRESHOLD", "")
	setEnv(t, "HISTORY_BACKEND", "postgres")
	setEnv(t, "DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestConfig_Validate(t *testing.T) {
	base := Config{HistoryBackend: BackendMemory, LogFormat: "text"}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"memory in development", func(c *Config) {}, ""},
		{"unknown backend", func(c *Config) { c.HistoryBackend = "cassandra" }, "HISTORY_BACKEND must be one of"},
		{"redis without addr", func(c *Config) { c.HistoryBackend = BackendRedis }, "REDIS_ADDR is required"},
		{"redis with addr", func(c *Config) { c.HistoryBackend = BackendRedis; c.RedisAddr = "localhost:6379" }, ""},
		{"sqlite without path", func(c *Config) { c.HistoryBackend = BackendSQLite }, "SQLITE_PATH is required"},
		{"threshold too high", func(c *Config) { c.FlagThreshold = 1.2 }, "FLAG_THRESHOLD"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"negative breaker threshold", func(c *Config) { c.BreakerThreshold = -1 }, "must not be negative"},
		{"rate limit without burst", func(c *Config) { c.RateLimitRPM = 600 }, "RATE_LIMIT_BURST"},
		{"rate limit with burst", func(c *Config) { c.RateLimitRPM = 600; c.RateLimitBurst = 20 }, ""},
		{"memory in production", func(c *Config) { c.Env = "production" }, "not allowed in production"},
		{"postgres in production", func(c *Config) {
			c.Env = "production"
			c.HistoryBackend = BackendPostgres
			c.DatabaseURL = "postgres://localhost/tx"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "staging"}).IsProduction())
}
