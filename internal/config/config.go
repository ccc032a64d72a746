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
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Plan catalog
	PlanCatalogPath string // YAML file; the embedded default catalog is used when empty

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeTimeout       time.Duration // bound on reverse lookups during webhook handling

	// Identity
	JWTSecret string
	JWTIssuer string

	// Subscription policy
	PastDueGrantsAccess  bool // grace period: past_due subscriptions keep access
	UsageWarnThreshold   int  // percent at which a resource warning is emitted
	TechnicianCategories []string

	// Limit warning emails
	SendGridAPIKey string
	EmailFrom      string
	EmailFromName  string

	// Storage metering
	UploadsBucket string // S3 bucket holding tenant uploads (optional)
	AWSRegion     string

	// Background jobs
	ReconcileInterval    time.Duration
	LimitWarningInterval time.Duration

	// Security
	RateLimitRPM   int
	AllowedOrigins []string

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultJWTIssuer            = "grainhero"
	DefaultStripeTimeout        = 10 * time.Second
	DefaultUsageWarnThreshold   = 80
	DefaultRateLimit            = 120
	DefaultReconcileInterval    = 15 * time.Minute
	DefaultLimitWarningInterval = 24 * time.Hour
	DefaultEmailFrom            = "noreply@grainhero.com"
	DefaultEmailFromName        = "GrainHero"
	DefaultAWSRegion            = "us-east-1"
)

// DefaultTechnicianCategories is the category allow-list applied to technicians.
var DefaultTechnicianCategories = []string{"batch", "spoilage"}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PlanCatalogPath:      os.Getenv("PLAN_CATALOG_PATH"),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeTimeout:        getEnvDuration("STRIPE_TIMEOUT", DefaultStripeTimeout),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		JWTIssuer:            getEnv("JWT_ISSUER", DefaultJWTIssuer),
		PastDueGrantsAccess:  getEnvBool("PAST_DUE_GRANTS_ACCESS", true),
		UsageWarnThreshold:   int(getEnvInt64("USAGE_WARN_THRESHOLD", DefaultUsageWarnThreshold)),
		TechnicianCategories: getEnvList("TECHNICIAN_CATEGORIES", DefaultTechnicianCategories),
		SendGridAPIKey:       os.Getenv("SENDGRID_API_KEY"),
		EmailFrom:            getEnv("EMAIL_FROM", DefaultEmailFrom),
		EmailFromName:        getEnv("EMAIL_FROM_NAME", DefaultEmailFromName),
		UploadsBucket:        os.Getenv("UPLOADS_BUCKET"),
		AWSRegion:            getEnv("AWS_REGION", DefaultAWSRegion),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		LimitWarningInterval: getEnvDuration("LIMIT_WARNING_INTERVAL", DefaultLimitWarningInterval),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		AllowedOrigins:       getEnvList("ALLOWED_ORIGINS", nil),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.UsageWarnThreshold < 1 || c.UsageWarnThreshold > 100 {
		return fmt.Errorf("USAGE_WARN_THRESHOLD must be between 1 and 100")
	}
	if c.StripeTimeout <= 0 {
		return fmt.Errorf("STRIPE_TIMEOUT must be positive")
	}

	if !c.IsProduction() {
		return nil
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
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

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
