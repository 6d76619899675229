// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "text" or "json"
	Version   string `env:"VERSION" envDefault:"dev"`

	// Storage. Without DATABASE_URL the engine keeps state in memory.
	DatabaseURL    string `env:"DATABASE_URL"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"true"`

	// Notifications
	RedisURL          string        `env:"REDIS_URL"`
	RedisChannel      string        `env:"REDIS_CHANNEL" envDefault:"arbiter:events"`
	NotifyWebhookURL  string        `env:"NOTIFY_WEBHOOK_URL"`
	NotifySecret      string        `env:"NOTIFY_SECRET"`
	OutboxInterval    time.Duration `env:"OUTBOX_INTERVAL" envDefault:"2s"`
	OutboxMaxAttempts int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"8"`

	// Collaborators
	OrderServiceURL string `env:"ORDER_SERVICE_URL"`
	VerifyEvidence  bool   `env:"VERIFY_EVIDENCE" envDefault:"false"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Rules
	DisputeWindow    time.Duration `env:"DISPUTE_WINDOW" envDefault:"168h"`
	MaxEvidenceBytes int64         `env:"MAX_EVIDENCE_BYTES" envDefault:"10485760"`

	// Background jobs
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`

	// Security
	JWTSecret   string   `env:"JWT_SECRET"`
	JWTIssuer   string   `env:"JWT_ISSUER" envDefault:"arbiter"`
	RateLimit   string   `env:"RATE_LIMIT" envDefault:"100-M"` // ulule/limiter formatted rate
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","` // empty allows any origin
}

// Defaults that tests and callers refer to.
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultDisputeWindow    = 7 * 24 * time.Hour
	DefaultMaxEvidenceBytes = 10 << 20
	DefaultRateLimit        = "100-M"

	minSecretLength = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	} else if c.IsProduction() && len(c.JWTSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d characters in production", minSecretLength))
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required in production"))
	}
	if c.NotifyWebhookURL != "" && c.NotifySecret == "" {
		errs = append(errs, errors.New("NOTIFY_SECRET is required when NOTIFY_WEBHOOK_URL is set"))
	}
	if c.DisputeWindow <= 0 {
		errs = append(errs, errors.New("DISPUTE_WINDOW must be positive"))
	}
	if c.MaxEvidenceBytes <= 0 {
		errs = append(errs, errors.New("MAX_EVIDENCE_BYTES must be positive"))
	}
	if c.SweepInterval <= 0 || c.OutboxInterval <= 0 || c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL, OUTBOX_INTERVAL and RECONCILE_INTERVAL must be positive"))
	}
	if c.OutboxMaxAttempts < 1 {
		errs = append(errs, errors.New("OUTBOX_MAX_ATTEMPTS must be at least 1"))
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
