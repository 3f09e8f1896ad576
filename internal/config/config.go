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

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment provider
	StripeSecretKey     string // empty selects the in-process fake provider (development only)
	StripeWebhookSecret string
	StripeAPIURL        string // override for tests and stripe-mock
	ProviderTimeout     time.Duration
	Currency            string

	// Auth
	SupabaseJWTSecret string

	// Marketplace economics
	PlatformFeeBPS  int64
	PlatformUserID  string
	MinEscrowAmount int64 // minor units
	AutoPayout      bool

	// Risk reserve, in basis points of trailing credit volume
	ReserveLowBPS    int64
	ReserveMediumBPS int64
	ReserveHighBPS   int64
	ReserveWindow    time.Duration

	// Idempotency and background work
	IdempotencyTTL    time.Duration
	ReconcileInterval time.Duration

	// Observability and limits
	OTLPEndpoint       string
	RateLimitRPM       int
	CORSAllowedOrigins []string // empty disables cross-origin access
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultCurrency          = "usd"
	DefaultPlatformFeeBPS    = 1000
	MaxPlatformFeeBPS        = 5000
	DefaultPlatformUserID    = "platform"
	DefaultMinEscrowAmount   = 100
	DefaultReserveMediumBPS  = 1000
	DefaultReserveHighBPS    = 2500
	DefaultReserveWindow     = 30 * 24 * time.Hour
	DefaultIdempotencyTTL    = 24 * time.Hour
	DefaultProviderTimeout   = 15 * time.Second
	DefaultReconcileInterval = 5 * time.Minute
	DefaultRateLimitRPM      = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeAPIURL:        os.Getenv("STRIPE_API_URL"),
		ProviderTimeout:     getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		Currency:            strings.ToLower(getEnv("CURRENCY", DefaultCurrency)),
		SupabaseJWTSecret:   os.Getenv("SUPABASE_JWT_SECRET"),
		PlatformFeeBPS:      getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBPS),
		PlatformUserID:      getEnv("PLATFORM_USER_ID", DefaultPlatformUserID),
		MinEscrowAmount:     getEnvInt64("MIN_ESCROW_AMOUNT", DefaultMinEscrowAmount),
		AutoPayout:          getEnvBool("AUTO_PAYOUT_ON_RELEASE", false),
		ReserveLowBPS:       getEnvInt64("RESERVE_BPS_LOW", 0),
		ReserveMediumBPS:    getEnvInt64("RESERVE_BPS_MEDIUM", DefaultReserveMediumBPS),
		ReserveHighBPS:      getEnvInt64("RESERVE_BPS_HIGH", DefaultReserveHighBPS),
		ReserveWindow:       getEnvDuration("RESERVE_WINDOW", DefaultReserveWindow),
		IdempotencyTTL:      getEnvDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSAllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	// The hunter's payout must stay positive on every release.
	if c.PlatformFeeBPS < 0 || c.PlatformFeeBPS > MaxPlatformFeeBPS {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and %d", MaxPlatformFeeBPS)
	}
	if c.MinEscrowAmount <= 0 {
		return fmt.Errorf("MIN_ESCROW_AMOUNT must be positive")
	}
	for name, bps := range map[string]int64{
		"RESERVE_BPS_LOW":    c.ReserveLowBPS,
		"RESERVE_BPS_MEDIUM": c.ReserveMediumBPS,
		"RESERVE_BPS_HIGH":   c.ReserveHighBPS,
	} {
		if bps < 0 || bps > 10_000 {
			return fmt.Errorf("%s must be between 0 and 10000", name)
		}
	}
	if c.PlatformUserID == "" {
		return fmt.Errorf("PLATFORM_USER_ID is required")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive")
	}

	if c.IsDevelopment() {
		return nil
	}

	if c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required outside development")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required outside development")
	}
	if c.SupabaseJWTSecret == "" {
		return fmt.Errorf("SUPABASE_JWT_SECRET is required outside development")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required outside development")
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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
