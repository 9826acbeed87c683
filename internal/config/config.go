// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted by HISTORY_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// History storage
	HistoryBackend string
	DatabaseURL    string // PostgreSQL connection string
	SQLitePath     string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	// History resilience. A zero BreakerThreshold disables the breaker.
	ConnectAttempts  int
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Per-client rate limit on /v1. Zero disables it.
	RateLimitRPM   int
	RateLimitBurst int

	// Scoring
	ModelPath       string  // optional; /v1/predict returns 503 without it
	FeatureManifest string  // optional; verified against the active schema at startup
	FlagThreshold   float64 // overrides the artifact threshold when in (0,1]

	// Browser origins allowed to call the API; "*" allows any.
	CORSOrigins []string

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultHistoryBackend = BackendMemory
	DefaultSQLitePath     = "history.db"
	DefaultRedisKeyPrefix = "txfeatures:history"

	DefaultConnectAttempts  = 5
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
	DefaultRateLimitBurst   = 50
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", DefaultLogFormat),
		HistoryBackend: strings.ToLower(getEnv("HISTORY_BACKEND", DefaultHistoryBackend)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		SQLitePath:     getEnv("SQLITE_PATH", DefaultSQLitePath),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        int(getEnvInt64("REDIS_DB", 0)),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", DefaultRedisKeyPrefix),

		ConnectAttempts:  int(getEnvInt64("HISTORY_CONNECT_ATTEMPTS", DefaultConnectAttempts)),
		BreakerThreshold: int(getEnvInt64("HISTORY_BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerCooldown:  getEnvDuration("HISTORY_BREAKER_COOLDOWN", DefaultBreakerCooldown),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", 0)),
		RateLimitBurst:   int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),

		ModelPath:       os.Getenv("MODEL_PATH"),
		FeatureManifest: os.Getenv("FEATURE_MANIFEST"),
		FlagThreshold:   getEnvFloat("FLAG_THRESHOLD", 0),
		CORSOrigins:     getEnvList("CORS_ALLOWED_ORIGINS", "*"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the selected backend has what it needs
func (c *Config) Validate() error {
	switch c.HistoryBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres history backend")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite history backend")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis history backend")
		}
	default:
		return fmt.Errorf("HISTORY_BACKEND must be one of memory, postgres, sqlite, redis (got %q)", c.HistoryBackend)
	}

	if c.FlagThreshold < 0 || c.FlagThreshold > 1 {
		return fmt.Errorf("FLAG_THRESHOLD must be between 0 and 1")
	}
	if c.ConnectAttempts < 0 || c.BreakerThreshold < 0 || c.BreakerCooldown < 0 {
		return fmt.Errorf("history retry and breaker settings must not be negative")
	}
	if c.RateLimitRPM < 0 || (c.RateLimitRPM > 0 && c.RateLimitBurst <= 0) {
		return fmt.Errorf("RATE_LIMIT_RPM must be >= 0 and RATE_LIMIT_BURST > 0 when limiting")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}

	// The in-memory history is lost on restart.
	if c.IsProduction() && c.HistoryBackend == BackendMemory {
		return fmt.Errorf("HISTORY_BACKEND=memory is not allowed in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, defaultValue), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
