package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "300")
	t.Setenv("NAS_TIMEOUT", "2s")
	t.Setenv("ALLOWED_ORIGINS", "https://portal.zmooth.co.ke, https://admin.zmooth.co.ke,")
	t.Setenv("MACHINE_ID", "7")

	cfg := Load()

	if cfg.SweepInterval != 5*time.Minute {
		t.Fatalf("SweepInterval = %v, want 5m", cfg.SweepInterval)
	}
	if cfg.NASTimeout != 2*time.Second {
		t.Fatalf("NASTimeout = %v, want 2s", cfg.NASTimeout)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://admin.zmooth.co.ke" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.MachineID != 7 {
		t.Fatalf("MachineID = %d, want 7", cfg.MachineID)
	}
}

func TestParseDurationFallback(t *testing.T) {
	if got := parseDuration("soon", time.Minute); got != time.Minute {
		t.Fatalf("parseDuration fallback = %v", got)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Env:             "production",
			LedgerDriver:    "postgres",
			DatabaseURL:     "postgres://x",
			JWTSecret:       "prod-secret",
			NASSharedSecret: "nas",
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"default jwt secret", func(c *Config) { c.JWTSecret = defaultJWTSecret }},
		{"no nas secret", func(c *Config) { c.NASSharedSecret = "" }},
		{"memory ledger", func(c *Config) { c.LedgerDriver = "memory" }},
		{"unknown driver", func(c *Config) { c.LedgerDriver = "sqlite" }},
		{"callback without token", func(c *Config) { c.MpesaCallbackURL = "https://api/webhooks/mpesa/x" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	dev := base()
	dev.Env = "development"
	dev.LedgerDriver = "memory"
	dev.NASSharedSecret = ""
	if err := dev.Validate(); err != nil {
		t.Fatalf("development config rejected: %v", err)
	}
}
