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

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	StoreBackend  string
	DatabaseURL   string
	RedisURL      string
	SweepInterval time.Duration

	// Escrow
	CustodyAddress string
	DefaultToken   string
	RequireArbiter bool
	LockTTL        time.Duration // lease on the contract-wide guard
	LockWait       time.Duration // how long a call waits for another instance

	// Security
	AdminSecret  string
	RateLimitRPM int
	CORSOrigins  []string // empty allows any origin without credentials

	// Observability
	OTLPEndpoint  string
	EventsChannel string
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultCustodyAddress = "escrow-custody"
	DefaultToken          = "usdc"
	DefaultRateLimit      = 120
	DefaultEventsChannel  = "escrow.events"
	DefaultSweepInterval  = time.Minute
	DefaultLockTTL        = 30 * time.Second
	DefaultLockWait       = 5 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", DefaultLogFormat),
		StoreBackend:   strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		CustodyAddress: strings.ToLower(strings.TrimSpace(getEnv("CUSTODY_ADDRESS", DefaultCustodyAddress))),
		DefaultToken:   strings.ToLower(getEnv("DEFAULT_TOKEN", DefaultToken)),
		RequireArbiter: getEnvBool("REQUIRE_ARBITER", true),
		LockTTL:        getEnvDuration("LOCK_TTL", DefaultLockTTL),
		LockWait:       getEnvDuration("LOCK_WAIT", DefaultLockWait),
		AdminSecret:    os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:   int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		CORSOrigins:    getEnvList("CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		EventsChannel:  getEnv("EVENTS_CHANNEL", DefaultEventsChannel),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store backend")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis store backend")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, postgres, redis (got %q)", c.StoreBackend)
	}

	if c.CustodyAddress == "" {
		return fmt.Errorf("CUSTODY_ADDRESS must not be empty")
	}

	if c.LockTTL > 0 && c.LockWait > 0 && c.LockTTL <= c.LockWait {
		return fmt.Errorf("LOCK_TTL (%s) must exceed LOCK_WAIT (%s)", c.LockTTL, c.LockWait)
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
