// Package config loads service settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                     string  `mapstructure:"PORT"`
	Env                      string  `mapstructure:"ENV"`
	DatabaseURL              string  `mapstructure:"DATABASE_URL"`
	DBMaxConns               int32   `mapstructure:"DB_MAX_CONNS"`
	KafkaBrokers             string  `mapstructure:"KAFKA_BROKERS"`
	LogLevel                 string  `mapstructure:"LOG_LEVEL"`
	LogFormat                string  `mapstructure:"LOG_FORMAT"`
	WardTimezone             string  `mapstructure:"WARD_TIMEZONE"`
	AllowOutOfRangeRecording bool    `mapstructure:"ALLOW_OUT_OF_RANGE_RECORDING"`
	APIKeys                  string  `mapstructure:"API_KEYS"`
	OTLPEndpoint             string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate          float64 `mapstructure:"TRACE_SAMPLE_RATE"`
	SummaryWorkers           int     `mapstructure:"SUMMARY_WORKERS"`
	OutboxPollInterval       string  `mapstructure:"OUTBOX_POLL_INTERVAL"`

	location *time.Location
}

var keys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"KAFKA_BROKERS",
	"LOG_LEVEL",
	"LOG_FORMAT",
	"WARD_TIMEZONE",
	"ALLOW_OUT_OF_RANGE_RECORDING",
	"API_KEYS",
	"OTLP_ENDPOINT",
	"TRACE_SAMPLE_RATE",
	"SUMMARY_WORKERS",
	"OUTBOX_POLL_INTERVAL",
}

// Load reads the configuration. Environment variables win over .env.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8081")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("WARD_TIMEZONE", "UTC")
	v.SetDefault("ALLOW_OUT_OF_RANGE_RECORDING", false)
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("SUMMARY_WORKERS", 8)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "100ms")

	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings and resolves the ward time zone.
func (c *Config) Validate() error {
	loc, err := time.LoadLocation(c.WardTimezone)
	if err != nil {
		return fmt.Errorf("WARD_TIMEZONE %q: %w", c.WardTimezone, err)
	}
	c.location = loc

	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	if c.SummaryWorkers <= 0 {
		return fmt.Errorf("SUMMARY_WORKERS must be positive, got %d", c.SummaryWorkers)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate)
	}
	if _, err := c.PollInterval(); err != nil {
		return err
	}
	if _, err := c.ParsedAPIKeys(); err != nil {
		return err
	}
	return nil
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// InMemory reports whether the in-process stores replace Postgres.
func (c *Config) InMemory() bool {
	return c.DatabaseURL == ""
}

// Location returns the ward time zone. Validate must have run.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// Brokers splits KAFKA_BROKERS.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// PollInterval parses OUTBOX_POLL_INTERVAL.
func (c *Config) PollInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.OutboxPollInterval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("OUTBOX_POLL_INTERVAL %q is not a positive duration", c.OutboxPollInterval)
	}
	return d, nil
}

// ParsedAPIKeys parses API_KEYS of the form "key:client,key:client".
// A key without a client name maps to "default".
func (c *Config) ParsedAPIKeys() (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range splitList(c.APIKeys) {
		key, client, found := strings.Cut(item, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("API_KEYS: empty key in %q", item)
		}
		client = strings.TrimSpace(client)
		if !found || client == "" {
			client = "default"
		}
		out[key] = client
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
