// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis connection string (optional, uses in-memory queue if not set)

	// Reservation settings
	ReservationTTL time.Duration // how long an unsettled hold lives before the sweep refunds it

	// Cost control
	DailyCap   string // per-user daily spending cap, decimal
	HourlyCap  string // per-user hourly spending cap, decimal
	MinBalance string // balance floor below which admissions are rejected

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP trace collector endpoint (optional)
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultReservationTTL = time.Hour
	DefaultDailyCap       = "5000.00"
	DefaultHourlyCap      = "1000.00"
	DefaultMinBalance     = "10.00"
	DefaultRateLimit      = 100
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
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:       os.Getenv("REDIS_URL"),    // Optional, uses in-memory queue if not set
		ReservationTTL: getEnvDuration("RESERVATION_TTL", DefaultReservationTTL),
		DailyCap:       getEnv("DAILY_CAP", DefaultDailyCap),
		HourlyCap:      getEnv("HOURLY_CAP", DefaultHourlyCap),
		MinBalance:     getEnv("MIN_BALANCE", DefaultMinBalance),
		AdminSecret:    os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:   int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if c.ReservationTTL < time.Minute {
		return fmt.Errorf("RESERVATION_TTL must be at least 1m, got %s", c.ReservationTTL)
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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
