// Package config provides application configuration loaded from environment
// variables. Call Load once from main().
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string        // e.g. "8080"
	Env          string        // "development" | "production"
	ReadTimeout  time.Duration // default 10s
	WriteTimeout time.Duration // default 10s
}

// StoreConfig selects and tunes the document store.
type StoreConfig struct {
	DatabaseURL string        // empty → in-memory store
	RedisURL    string        // empty → no snapshot cache
	CacheTTL    time.Duration // default 30s
}

// PaymentConfig points at the payment-authorization provider.
type PaymentConfig struct {
	URL     string        // empty → in-memory authorizer
	Timeout time.Duration // default 5s
}

// EventsConfig holds NATS settings.
type EventsConfig struct {
	NATSURL       string // empty → events are dropped
	SubjectPrefix string // default "pools"
}

// PoolConfig holds pool defaults.
type PoolConfig struct {
	DefaultPlatformFeeRate decimal.Decimal // default 0.03
	LockWatchInterval      time.Duration   // default 1s
}

// Config is the root configuration object for the service.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Payment   PaymentConfig
	Events    EventsConfig
	Pool      PoolConfig
	LogLevel  string // default "info"
	JWTSecret string // empty → buyer_ref comes from the request body
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks every setting and returns all violations joined.
func (c *Config) Validate() error {
	var errs []error

	if c.IsProd() && c.Store.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL must be set in production"))
	}
	if c.IsProd() && c.Payment.URL == "" {
		errs = append(errs, errors.New("PAYMENT_URL must be set in production"))
	}
	rate := c.Pool.DefaultPlatformFeeRate
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("DEFAULT_PLATFORM_FEE_RATE must be in [0, 1), got %s", rate))
	}
	if c.Pool.LockWatchInterval <= 0 {
		errs = append(errs, fmt.Errorf("LOCK_WATCH_INTERVAL must be positive, got %s", c.Pool.LockWatchInterval))
	}
	if c.Store.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be positive, got %s", c.Store.CacheTTL))
	}
	if c.Payment.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("PAYMENT_TIMEOUT must be positive, got %s", c.Payment.Timeout))
	}

	return errors.Join(errs...)
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	feeRate, err := getDecimal("DEFAULT_PLATFORM_FEE_RATE", decimal.NewFromFloat(0.03))
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_PLATFORM_FEE_RATE: %w", err)
	}

	var durErrs []error
	dur := func(key string, def time.Duration) time.Duration {
		d, err := getDuration(key, def)
		if err != nil {
			durErrs = append(durErrs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Env:          getEnv("ENVIRONMENT", "development"),
			ReadTimeout:  dur("READ_TIMEOUT", 10*time.Second),
			WriteTimeout: dur("WRITE_TIMEOUT", 10*time.Second),
		},
		Store: StoreConfig{
			DatabaseURL: os.Getenv("DATABASE_URL"),
			RedisURL:    os.Getenv("REDIS_URL"),
			CacheTTL:    dur("CACHE_TTL", 30*time.Second),
		},
		Payment: PaymentConfig{
			URL:     os.Getenv("PAYMENT_URL"),
			Timeout: dur("PAYMENT_TIMEOUT", 5*time.Second),
		},
		Events: EventsConfig{
			NATSURL:       os.Getenv("NATS_URL"),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "pools"),
		},
		Pool: PoolConfig{
			DefaultPlatformFeeRate: feeRate,
			LockWatchInterval:      dur("LOCK_WATCH_INTERVAL", time.Second),
		},
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		JWTSecret: os.Getenv("JWT_SECRET"),
	}
	if len(durErrs) > 0 {
		return nil, errors.Join(durErrs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDecimal(key string, defaultVal decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q", v)
	}
	return d, nil
}

// getDuration parses an env var as a Go duration string (e.g. "15m", "2s").
func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}
