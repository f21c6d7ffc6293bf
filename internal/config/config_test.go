package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8081" {
		t.Errorf("port = %q, want 8081", cfg.Port)
	}
	if !cfg.InMemory() {
		t.Error("empty DATABASE_URL should select in-memory stores")
	}
	if cfg.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", cfg.Location())
	}
	if cfg.AllowOutOfRangeRecording {
		t.Error("out-of-range recording must be off by default")
	}
	if d, _ := cfg.PollInterval(); d != 100*time.Millisecond {
		t.Errorf("poll interval = %v", d)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://ward@localhost/ward")
	t.Setenv("DB_MAX_CONNS", "5")
	t.Setenv("KAFKA_BROKERS", "rp-0:9092, rp-1:9092")
	t.Setenv("WARD_TIMEZONE", "Asia/Kolkata")
	t.Setenv("ALLOW_OUT_OF_RANGE_RECORDING", "true")
	t.Setenv("API_KEYS", "k1:ward-a,k2")
	t.Setenv("SUMMARY_WORKERS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" || cfg.DBMaxConns != 5 || cfg.SummaryWorkers != 3 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.InMemory() {
		t.Error("DATABASE_URL set, expected postgres")
	}
	if got := cfg.Brokers(); len(got) != 2 || got[1] != "rp-1:9092" {
		t.Errorf("brokers = %v", got)
	}
	if cfg.Location().String() != "Asia/Kolkata" {
		t.Errorf("location = %v", cfg.Location())
	}
	if !cfg.AllowOutOfRangeRecording {
		t.Error("expected out-of-range recording enabled")
	}
	keys, err := cfg.ParsedAPIKeys()
	if err != nil {
		t.Fatalf("ParsedAPIKeys: %v", err)
	}
	if keys["k1"] != "ward-a" || keys["k2"] != "default" {
		t.Errorf("api keys = %v", keys)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Env:                "development",
			DBMaxConns:         1,
			WardTimezone:       "UTC",
			TraceSampleRate:    1,
			SummaryWorkers:     1,
			OutboxPollInterval: "1s",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad timezone", func(c *Config) { c.WardTimezone = "Mars/Base" }, "WARD_TIMEZONE"},
		{"production without database", func(c *Config) { c.Env = "production" }, "DATABASE_URL"},
		{"no connections", func(c *Config) { c.DBMaxConns = 0 }, "DB_MAX_CONNS"},
		{"no workers", func(c *Config) { c.SummaryWorkers = 0 }, "SUMMARY_WORKERS"},
		{"sample rate", func(c *Config) { c.TraceSampleRate = 2 }, "TRACE_SAMPLE_RATE"},
		{"poll interval", func(c *Config) { c.OutboxPollInterval = "soon" }, "OUTBOX_POLL_INTERVAL"},
		{"empty api key", func(c *Config) { c.APIKeys = ":client" }, "API_KEYS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
