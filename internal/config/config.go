package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port string `envconfig:"PORT" default:"8080"`

	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"sqlite"`
	DatabaseURL   string `envconfig:"DATABASE_URL" default:"licensedesk.db"`

	SequencePrefix  string `envconfig:"LICENSE_SEQUENCE_PREFIX" default:"LIC"`
	SequencePadding int    `envconfig:"LICENSE_SEQUENCE_PADDING" default:"5"`

	SweepSchedule      string `envconfig:"SWEEP_SCHEDULE" default:"@daily"`
	ReminderSchedule   string `envconfig:"REMINDER_SCHEDULE" default:"0 8 * * *"`
	ReminderWindowDays int    `envconfig:"REMINDER_WINDOW_DAYS" default:"7"`

	EmailService string `envconfig:"EMAIL_SERVICE" default:"log"` // "smtp" or "log"
	SMTPHost     string `envconfig:"SMTP_HOST"`
	SMTPPort     string `envconfig:"SMTP_PORT"`
	SMTPUsername string `envconfig:"SMTP_USERNAME"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
	EmailFrom    string `envconfig:"EMAIL_FROM" default:"licenses@licensedesk.app"`
	EmailSender  string `envconfig:"EMAIL_SENDER_NAME" default:"The Licensing Team"`

	StripeSecret        string `envconfig:"STRIPE_SECRET"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	TestMode            bool   `envconfig:"TEST_MODE"`

	SentryDSN string `envconfig:"SENTRY_DSN"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RateLimitPerMinute int      `envconfig:"RATE_LIMIT_PER_MINUTE" default:"60"`
}

func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.StorageDriver) {
	case "memory", "sqlite", "sqlite3", "bolt", "bbolt":
	default:
		return fmt.Errorf("STORAGE_DRIVER %q is not one of memory, sqlite, bolt", c.StorageDriver)
	}

	if c.StorageDriver != "memory" && c.DatabaseURL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	if c.SequencePadding < 1 {
		return errors.New("LICENSE_SEQUENCE_PADDING must be at least 1")
	}
	if c.ReminderWindowDays < 0 {
		return errors.New("REMINDER_WINDOW_DAYS must not be negative")
	}
	if c.RateLimitPerMinute < 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE must not be negative")
	}

	switch c.EmailService {
	case "log":
	case "smtp":
		if c.SMTPHost == "" || c.SMTPPort == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return errors.New("SMTP_HOST, SMTP_PORT, SMTP_USERNAME, and SMTP_PASSWORD environment variables are required when using SMTP")
		}
	default:
		return fmt.Errorf("EMAIL_SERVICE %q is not one of smtp, log", c.EmailService)
	}

	if c.StripeSecret != "" && !c.TestMode && c.StripeWebhookSecret == "" {
		return errors.New("STRIPE_WEBHOOK_SECRET environment variable is required when STRIPE_SECRET is set")
	}

	return nil
}

// StripeEnabled reports whether the checkout webhook should be mounted.
func (c *Config) StripeEnabled() bool {
	return c.StripeSecret != "" || c.TestMode
}
