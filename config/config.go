// Package config loads the dealflow service configuration.
//
// Precedence, lowest first: DefaultConfig, the YAML file, then environment
// variables (a .env file in the working directory is loaded into the
// environment first when present).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Quotes   QuotesConfig   `yaml:"quotes"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	NATS     NATSConfig     `yaml:"nats"`
	Stripe   StripeConfig   `yaml:"stripe"`
	Tenants  TenantsConfig  `yaml:"tenants"`
	Log      LogConfig      `yaml:"log"`
}

type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// RequestTimeout bounds each request, including token actions and conversions.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type QuotesConfig struct {
	// ValidityDays sets valid_until on new quotes that omit it.
	ValidityDays    int    `yaml:"validity_days"`
	ReferencePrefix string `yaml:"reference_prefix"`
	DefaultCurrency string `yaml:"default_currency"`
	// DefaultTaxRate is a percentage, e.g. "20".
	DefaultTaxRate string `yaml:"default_tax_rate"`
}

type SweepConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

type OutboxConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// NATSConfig configures audit fan-out. An empty URL disables the relay.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// StripeConfig configures the checkout webhook. An empty secret disables it.
type StripeConfig struct {
	WebhookSecret string `yaml:"webhook_secret"`
}

type TenantsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with local development defaults
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:           ":8080",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   15 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:        20,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
		},
		Auth: AuthConfig{TokenTTL: 24 * time.Hour},
		Quotes: QuotesConfig{
			ValidityDays:    30,
			ReferencePrefix: "Q",
			DefaultCurrency: "USD",
			DefaultTaxRate:  "0",
		},
		Sweep:   SweepConfig{Interval: time.Minute, BatchSize: 500},
		Outbox:  OutboxConfig{Interval: 2 * time.Second, BatchSize: 100, MaxAttempts: 10},
		NATS:    NATSConfig{SubjectPrefix: "dealflow"},
		Tenants: TenantsConfig{CacheTTL: time.Minute},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load builds the effective configuration. path may be empty.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("DATABASE_URL", &c.Database.URL)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("NATS_URL", &c.NATS.URL)
	str("STRIPE_WEBHOOK_SECRET", &c.Stripe.WebhookSecret)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("SWEEP_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: SWEEP_INTERVAL: %w", err)
		}
		c.Sweep.Interval = d
	}
	if v, ok := lookup("DATABASE_MAX_CONNS"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("config: DATABASE_MAX_CONNS: %w", err)
		}
		c.Database.MaxConns = int32(n)
	}
	return nil
}

// TaxRate parses Quotes.DefaultTaxRate.
func (c *Config) TaxRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.Quotes.DefaultTaxRate))
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: quotes.default_tax_rate: %w", err)
	}
	return rate, nil
}

// Validate checks that the configuration is usable for serving
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Database.MinConns > c.Database.MaxConns && c.Database.MaxConns > 0 {
		errs = append(errs, errors.New("database.min_conns must not exceed max_conns"))
	}
	if c.Quotes.ValidityDays <= 0 {
		errs = append(errs, errors.New("quotes.validity_days must be positive"))
	}
	if len(c.Quotes.DefaultCurrency) != 3 {
		errs = append(errs, errors.New("quotes.default_currency must be an ISO 4217 code"))
	}
	if rate, err := c.TaxRate(); err != nil {
		errs = append(errs, err)
	} else if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, errors.New("quotes.default_tax_rate must be between 0 and 100"))
	}
	if c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("sweep.interval must be positive"))
	}
	if c.Outbox.MaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox.max_attempts must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// RequireServe checks the settings only the API server needs.
func (c *Config) RequireServe() error {
	if c.Database.URL == "" {
		return errors.New("config: database.url (DATABASE_URL) is required")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return errors.New("config: auth.jwt_secret (JWT_SECRET) must be at least 16 characters")
	}
	return nil
}
