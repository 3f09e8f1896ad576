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

func productionEnv(t *testing.T) {
	t.Helper()
	setEnv(t, "ENV", "production")
	setEnv(t, "STRIPE_SECRET_KEY", "sk_test_123")
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "whsec_123")
	setEnv(t, "SUPABASE_JWT_SECRET", "jwt-secret")
	setEnv(t, "DATABASE_URL", "postgres://localhost/bountypay")
}

func TestLoad_DevelopmentDefaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(DefaultPlatformFeeBPS), cfg.PlatformFeeBPS)
	assert.Equal(t, DefaultPlatformUserID, cfg.PlatformUserID)
	assert.Equal(t, DefaultIdempotencyTTL, cfg.IdempotencyTTL)
	assert.Equal(t, DefaultReserveWindow, cfg.ReserveWindow)
	assert.Equal(t, int64(DefaultReserveHighBPS), cfg.ReserveHighBPS)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_OverridesAndParsing(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PLATFORM_FEE_BPS", "500")
	setEnv(t, "IDEMPOTENCY_TTL", "2h")
	setEnv(t, "AUTO_PAYOUT_ON_RELEASE", "true")
	setEnv(t, "CURRENCY", "EUR")
	setEnv(t, "MIN_ESCROW_AMOUNT", "not-a-number")
	setEnv(t, "CORS_ALLOWED_ORIGINS", "https://app.example.com, ,https://admin.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(500), cfg.PlatformFeeBPS)
	assert.Equal(t, 2*time.Hour, cfg.IdempotencyTTL)
	assert.True(t, cfg.AutoPayout)
	assert.Equal(t, "eur", cfg.Currency)
	assert.Equal(t, int64(DefaultMinEscrowAmount), cfg.MinEscrowAmount, "unparseable values fall back to the default")
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSAllowedOrigins)
}

func TestLoad_ProductionRequiresSecrets(t *testing.T) {
	productionEnv(t)
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")
}

func TestLoad_ProductionValid(t *testing.T) {
	productionEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestValidate_RejectsOutOfRangeBPS(t *testing.T) {
	cfg := &Config{
		Env:             "development",
		PlatformFeeBPS:  10_001,
		PlatformUserID:  "platform",
		MinEscrowAmount: 100,
		IdempotencyTTL:  time.Hour,
	}
	assert.ErrorContains(t, cfg.Validate(), "PLATFORM_FEE_BPS")

	cfg.PlatformFeeBPS = 1000
	cfg.ReserveHighBPS = -5
	assert.ErrorContains(t, cfg.Validate(), "RESERVE_BPS_HIGH")

	cfg.ReserveHighBPS = 2500
	cfg.MinEscrowAmount = 0
	assert.ErrorContains(t, cfg.Validate(), "MIN_ESCROW_AMOUNT")
}
