package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is the diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// dotenvLoader matches godotenv.Load and is swapped in tests.
type dotenvLoader func(filenames ...string) error

// LoadConfig loads and validates the configuration:
//  1. Sets the process timezone to UTC.
//  2. Loads a .env file if present. Existing env vars win.
//  3. Processes envconfig tags.
//  4. Populates Build from linker-injected variables.
//  5. Validates struct tags, then cross-field consistency.
func LoadConfig() (*Config, error) {
	return loadConfig(godotenv.Load)
}

func loadConfig(loadDotenv dotenvLoader) (*Config, error) {
	time.Local = time.UTC

	// A missing .env file is the normal case outside local development.
	_ = loadDotenv()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	if err := checkConsistency(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// checkConsistency enforces relationships between fields that struct tags
// cannot express.
func checkConsistency(cfg *Config) error {
	sub := cfg.Subscription
	if sub.RefreshCooldown >= sub.CacheTTL {
		return &ConfigError{
			Type:    ErrInconsistent,
			Message: fmt.Sprintf("SUBSCRIPTION_REFRESH_COOLDOWN (%s) must be shorter than SUBSCRIPTION_CACHE_TTL (%s)", sub.RefreshCooldown, sub.CacheTTL),
		}
	}

	b := cfg.Billing
	seen := map[string]string{}
	for name, id := range map[string]string{
		"STRIPE_PRODUCT_STARTER": b.ProductIDStarter,
		"STRIPE_PRODUCT_PRO":     b.ProductIDPro,
		"STRIPE_PRODUCT_ELITE":   b.ProductIDElite,
	} {
		if other, dup := seen[id]; dup {
			return &ConfigError{
				Type:    ErrInconsistent,
				Message: fmt.Sprintf("%s and %s map to the same Stripe product %q", other, name, id),
			}
		}
		seen[id] = name
	}

	if cfg.Server.RequestTimeout > 0 && cfg.Summary.SoftTimeout >= cfg.Server.RequestTimeout {
		return &ConfigError{
			Type:    ErrInconsistent,
			Message: "SUMMARY_SOFT_TIMEOUT must be shorter than REQUEST_TIMEOUT",
		}
	}
	return nil
}
