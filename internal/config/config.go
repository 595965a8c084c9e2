// Package config defines the configuration structure for the tiergate
// entitlement service. Configuration is loaded once at startup and is
// immutable thereafter.
//
// Values are resolved from the OS environment, falling back to an optional
// .env file. Any missing required value or invalid format makes LoadConfig
// fail so the process exits before serving traffic.
package config

import (
	"time"

	"tiergate/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for secret fields.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"tiergate"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	Billing       BillingConfig
	Supabase      SupabaseConfig
	Subscription  SubscriptionConfig
	Session       SessionConfig
	Summary       SummaryConfig
	Observability ObservabilityConfig

	// Build is injected via ldflags, not env.
	Build BuildInfo `ignored:"true"`
}

// ServerConfig holds HTTP listener and traffic shaping settings.
type ServerConfig struct {
	Port               string        `envconfig:"PORT" default:"8080"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RateLimitPerSecond float64       `envconfig:"RATE_LIMIT_PER_SECOND" default:"20" validate:"gt=0"`
	RateLimitBurst     int           `envconfig:"RATE_LIMIT_BURST" default:"40" validate:"gt=0"`
}

// DatabaseConfig holds the Postgres connection used for admin role lookups
// and the error log sink.
type DatabaseConfig struct {
	URL             SecretString  `envconfig:"DATABASE_URL" validate:"required"`
	MaxConns        int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int32         `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// BillingConfig holds Stripe credentials and the tier <-> product mapping.
type BillingConfig struct {
	StripeSecretKey  SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeAPIBase    string        `envconfig:"STRIPE_API_BASE" validate:"omitempty,url"`
	StripeTimeout    time.Duration `envconfig:"STRIPE_TIMEOUT" default:"20s"`
	ProductIDStarter string        `envconfig:"STRIPE_PRODUCT_STARTER" validate:"required"`
	ProductIDPro     string        `envconfig:"STRIPE_PRODUCT_PRO" validate:"required"`
	ProductIDElite   string        `envconfig:"STRIPE_PRODUCT_ELITE" validate:"required"`
}

// SupabaseConfig holds the backend-as-a-service project settings used for
// identity verification and edge functions.
type SupabaseConfig struct {
	URL              string        `envconfig:"SUPABASE_URL" validate:"required,url"`
	AnonKey          SecretString  `envconfig:"SUPABASE_ANON_KEY" validate:"required"`
	FollowerFunction string        `envconfig:"SUPABASE_FOLLOWER_FUNCTION" default:"social-followers"`
	TokenCacheTTL    time.Duration `envconfig:"SUPABASE_TOKEN_CACHE_TTL" default:"1m" validate:"gte=0"`
}

// SubscriptionConfig tunes the subscription refresh coordinator.
type SubscriptionConfig struct {
	CacheTTL        time.Duration `envconfig:"SUBSCRIPTION_CACHE_TTL" default:"5m" validate:"gt=0"`
	RefreshCooldown time.Duration `envconfig:"SUBSCRIPTION_REFRESH_COOLDOWN" default:"10s" validate:"gte=0"`
	RecheckInterval time.Duration `envconfig:"SUBSCRIPTION_RECHECK_INTERVAL" default:"5m" validate:"gt=0"`
	FetchTimeout    time.Duration `envconfig:"SUBSCRIPTION_FETCH_TIMEOUT" default:"20s" validate:"gt=0"`
}

// SessionConfig controls the dashboard session registry.
type SessionConfig struct {
	IdleTimeout time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m" validate:"gt=0"`
	Header      string        `envconfig:"SESSION_HEADER" default:"X-Session-ID"`
}

// SummaryConfig tunes the de-duplicated remote summary cache.
type SummaryConfig struct {
	TTL          time.Duration `envconfig:"SUMMARY_CACHE_TTL" default:"10m" validate:"gt=0"`
	SoftTimeout  time.Duration `envconfig:"SUMMARY_SOFT_TIMEOUT" default:"8s" validate:"gt=0"`
	FetchTimeout time.Duration `envconfig:"SUMMARY_FETCH_TIMEOUT" default:"30s" validate:"gt=0"`
}

// ObservabilityConfig selects the metrics backend.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Tiergate"`
	AWSRegion       string `envconfig:"AWS_REGION" default:"us-east-1"`

	FlushInterval time.Duration `envconfig:"METRIC_FLUSH_INTERVAL" default:"60s" validate:"gt=0"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates env values could not be parsed into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrInconsistent indicates individually valid values that contradict each other.
	ErrInconsistent ConfigErrorType = "INCONSISTENT"
)
