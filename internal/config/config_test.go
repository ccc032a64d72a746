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
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultUsageWarnThreshold, cfg.UsageWarnThreshold)
	assert.Equal(t, DefaultStripeTimeout, cfg.StripeTimeout)
	assert.Equal(t, DefaultTechnicianCategories, cfg.TechnicianCategories)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_ParsesTypedValues(t *testing.T) {
	setEnv(t, "ENV", "staging")
	setEnv(t, "STRIPE_TIMEOUT", "3s")
	setEnv(t, "PAST_DUE_GRANTS_ACCESS", "false")
	setEnv(t, "USAGE_WARN_THRESHOLD", "75")
	setEnv(t, "TECHNICIAN_CATEGORIES", "batch, spoilage ,,sensor")
	setEnv(t, "ALLOWED_ORIGINS", "https://app.grainhero.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.StripeTimeout)
	assert.False(t, cfg.PastDueGrantsAccess)
	assert.Equal(t, 75, cfg.UsageWarnThreshold)
	assert.Equal(t, []string{"batch", "spoilage", "sensor"}, cfg.TechnicianCategories)
	assert.Equal(t, []string{"https://app.grainhero.com"}, cfg.AllowedOrigins)
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "STRIPE_TIMEOUT", "soon")
	setEnv(t, "RATE_LIMIT_RPM", "lots")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultStripeTimeout, cfg.StripeTimeout)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPM)
}

func TestConfig_Validate(t *testing.T) {
	prod := func(mod func(*Config)) Config {
		c := Config{
			Env:                 "production",
			DatabaseURL:         "postgres://localhost/grainhero",
			StripeWebhookSecret: "whsec_test",
			JWTSecret:           "0123456789abcdef0123456789abcdef",
			UsageWarnThreshold:  80,
			StripeTimeout:       time.Second,
		}
		if mod != nil {
			mod(&c)
		}
		return c
	}

	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{name: "valid production", config: prod(nil)},
		{name: "development needs no secrets", config: Config{Env: "development", UsageWarnThreshold: 80, StripeTimeout: time.Second}},
		{name: "missing database", config: prod(func(c *Config) { c.DatabaseURL = "" }), wantErr: "DATABASE_URL is required"},
		{name: "missing webhook secret", config: prod(func(c *Config) { c.StripeWebhookSecret = "" }), wantErr: "STRIPE_WEBHOOK_SECRET is required"},
		{name: "short jwt secret", config: prod(func(c *Config) { c.JWTSecret = "short" }), wantErr: "JWT_SECRET must be at least 32"},
		{name: "threshold out of range", config: prod(func(c *Config) { c.UsageWarnThreshold = 0 }), wantErr: "USAGE_WARN_THRESHOLD"},
		{name: "zero stripe timeout", config: prod(func(c *Config) { c.StripeTimeout = 0 }), wantErr: "STRIPE_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
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
