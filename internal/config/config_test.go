package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tjfontaine/genflow/internal/core/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		path := writeConfig(t, "server:\n  port: 8080\n")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Server.Port != 8080 {
			t.Errorf("Load() port = %v, want 8080", cfg.Server.Port)
		}
		if cfg.Storage.Type != "sqlite" {
			t.Errorf("Load() storage type = %q, want sqlite", cfg.Storage.Type)
		}
		if cfg.Session.TTL != time.Hour {
			t.Errorf("Load() session ttl = %v, want 1h", cfg.Session.TTL)
		}
		if cfg.Dispatch.Retries != 1 {
			t.Errorf("Load() dispatch retries = %d, want 1", cfg.Dispatch.Retries)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() error = %v", err)
		}
	})

	t.Run("env var override", func(t *testing.T) {
		t.Setenv("GENFLOW_SERVER__PORT", "9000")
		t.Setenv("GENFLOW_POOL__DAILY_LIMIT", "250")

		cfg, err := Load(writeConfig(t, "pool:\n  daily_limit: 100\n"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Server.Port != 9000 {
			t.Errorf("Load() port = %v, want 9000", cfg.Server.Port)
		}
		if cfg.Pool.DailyLimit != 250 {
			t.Errorf("Load() daily limit = %v, want 250", cfg.Pool.DailyLimit)
		}
	})

	t.Run("missing explicit file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("Load() error = nil, want error for missing file")
		}
	})
}

func TestLoad_FullFile(t *testing.T) {
	t.Setenv("POOL_TOKEN_A", "secret-a")

	path := writeConfig(t, `
storage:
  type: memory
flow:
  source: file
  path: flows.yaml
  watch: true
session:
  ttl: 30m
  aspect_ratios: ["1:1", "9:16"]
pool:
  minute_limit: 5
  daily_limit: 100
  lifetime_limit: 1000
  timezone: Europe/Kyiv
  credentials:
    - id: a
      token: ${POOL_TOKEN_A}
      priority: 10
    - id: b
      token: literal-b
generator:
  type: http
  base_url: https://images.example.com
  models:
    standard: img-std
    pro: img-pro
billing:
  prices:
    default: "1"
    pro: "2.50"
categories:
  - name: dress
    template: "A {color} dress in {aspect_ratio}"
    defaults:
      color: black
    skip_rules:
      - step: sleeve
        field: style
        values: [strapless]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if got := cfg.Pool.Credentials[0].Token; got != "secret-a" {
		t.Errorf("token = %q, want substituted value", got)
	}
	if got := cfg.Pool.Credentials[1].Token; got != "literal-b" {
		t.Errorf("token = %q, want literal-b", got)
	}
	if cfg.Session.TTL != 30*time.Minute {
		t.Errorf("ttl = %v", cfg.Session.TTL)
	}
	if len(cfg.Session.AspectRatios) != 2 {
		t.Errorf("aspect ratios = %v", cfg.Session.AspectRatios)
	}
	if cfg.Generator.Models["pro"] != "img-pro" {
		t.Errorf("models = %v", cfg.Generator.Models)
	}

	prices, err := cfg.Prices()
	if err != nil {
		t.Fatalf("Prices() error = %v", err)
	}
	if prices["pro"] != (domain.Amount{Units: 2, Fraction: 50}) {
		t.Errorf("pro price = %s", prices["pro"])
	}

	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("Location() error = %v", err)
	}
	if loc.String() != "Europe/Kyiv" {
		t.Errorf("location = %s", loc)
	}

	if len(cfg.Categories) != 1 || cfg.Categories[0].SkipRules[0].Values[0] != "strapless" {
		t.Errorf("categories = %+v", cfg.Categories)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:    ServerConfig{Port: 8080},
			Storage:   StorageConfig{Type: "memory"},
			Flow:      FlowConfig{Source: "storage"},
			Media:     MediaConfig{Dir: "media"},
			Generator: GeneratorConfig{Type: "gemini"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero port", mutate: func(c *Config) { c.Server.Port = 0 }},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Type = "postgres" }},
		{name: "sqlite without path", mutate: func(c *Config) { c.Storage.Type = "sqlite" }},
		{name: "file flow without path", mutate: func(c *Config) { c.Flow.Source = "file" }},
		{name: "http generator without url", mutate: func(c *Config) { c.Generator.Type = "http" }},
		{name: "bad timezone", mutate: func(c *Config) { c.Pool.Timezone = "Mars/Olympus" }},
		{name: "bad price", mutate: func(c *Config) { c.Billing.Prices = map[string]string{"pro": "1.234"} }},
		{name: "retries above one", mutate: func(c *Config) { c.Dispatch.Retries = 3 }},
		{name: "negative retries", mutate: func(c *Config) { c.Dispatch.Retries = -1 }},
		{name: "duplicate credential", mutate: func(c *Config) {
			c.Pool.Credentials = []CredentialConfig{{ID: "a"}, {ID: "a"}}
		}},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("Validate() on valid config error = %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() error = nil, want error")
			}
		})
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple substitution", input: "${TEST_VAR}", want: "test-value"},
		{name: "embedded", input: "key-${TEST_VAR}-x", want: "key-test-value-x"},
		{name: "unset", input: "${GENFLOW_UNSET_VAR_FOR_TEST}", want: ""},
		{name: "no pattern", input: "plain", want: "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	if err != nil {
		t.Fatalf("Load(config.example.yaml) error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if len(cfg.Categories) != 2 {
		t.Errorf("categories = %+v", cfg.Categories)
	}
}
