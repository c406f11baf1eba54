package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/genflow/internal/core/domain"
)

// EnvPrefix prefixes every environment override. Nested keys use "__",
// e.g. GENFLOW_POOL__DAILY_LIMIT.
const EnvPrefix = "GENFLOW_"

// DefaultPath is read when no path is given; a missing default file is not
// an error.
const DefaultPath = "config.yaml"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	Flow       FlowConfig       `koanf:"flow"`
	Media      MediaConfig      `koanf:"media"`
	Session    SessionConfig    `koanf:"session"`
	Pool       PoolConfig       `koanf:"pool"`
	Dispatch   DispatchConfig   `koanf:"dispatch"`
	Generator  GeneratorConfig  `koanf:"generator"`
	Billing    BillingConfig    `koanf:"billing"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Categories []CategoryConfig `koanf:"categories"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	// APIKeyHashes are hex SHA-256 hashes of driver keys. Empty disables
	// authentication.
	APIKeyHashes []string `koanf:"api_key_hashes"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// FlowConfig selects where step and option definitions come from.
type FlowConfig struct {
	Source string `koanf:"source"` // file, storage
	Path   string `koanf:"path"`   // YAML definitions for the file source
	Watch  bool   `koanf:"watch"`  // reload the file on change
}

type MediaConfig struct {
	Dir         string `koanf:"dir"`
	MaxSize     int64  `koanf:"max_size"`
	AllowImport bool   `koanf:"allow_import"`
}

type SessionConfig struct {
	TTL              time.Duration `koanf:"ttl"`
	ReapInterval     time.Duration `koanf:"reap_interval"`
	AspectRatios     []string      `koanf:"aspect_ratios"`
	AspectPrompt     string        `koanf:"aspect_prompt"`
	DefaultQuality   string        `koanf:"default_quality"`
	ProgressInterval time.Duration `koanf:"progress_interval"`
}

type PoolConfig struct {
	MinuteLimit   int                `koanf:"minute_limit"`
	DailyLimit    int                `koanf:"daily_limit"`
	LifetimeLimit int                `koanf:"lifetime_limit"`
	Timezone      string             `koanf:"timezone"`
	PruneInterval time.Duration      `koanf:"prune_interval"`
	Credentials   []CredentialConfig `koanf:"credentials"`
}

// CredentialConfig seeds a pooled credential at startup. Token supports
// ${VAR} substitution.
type CredentialConfig struct {
	ID       string `koanf:"id"`
	Label    string `koanf:"label"`
	Token    string `koanf:"token"`
	Priority int    `koanf:"priority"`
}

type DispatchConfig struct {
	Timeout time.Duration `koanf:"timeout"`
	Retries int           `koanf:"retries"`
	Backoff time.Duration `koanf:"backoff"`
}

type GeneratorConfig struct {
	Type       string            `koanf:"type"` // gemini, http
	BaseURL    string            `koanf:"base_url"`
	APIVersion string            `koanf:"api_version"`
	Models     map[string]string `koanf:"models"` // quality tier -> model
}

type BillingConfig struct {
	// Prices maps a quality tier to a decimal cost such as "1.50". The
	// "default" tier applies to unlisted tiers.
	Prices map[string]string `koanf:"prices"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"` // stdout span export
	ServiceName string `koanf:"service_name"`
	Metrics     bool   `koanf:"metrics"` // Prometheus endpoint at /metrics
}

// CategoryConfig customizes the prompt template and skip rules of one
// category.
type CategoryConfig struct {
	Name      string            `koanf:"name"`
	Template  string            `koanf:"template"`
	Defaults  map[string]string `koanf:"defaults"`
	SkipRules []SkipRuleConfig  `koanf:"skip_rules"`
}

type SkipRuleConfig struct {
	Step   string   `koanf:"step"`
	Field  string   `koanf:"field"`
	Values []string `koanf:"values"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":               8080,
	"server.request_timeout":    "60s",
	"storage.type":              "sqlite",
	"storage.sqlite.path":       "data/genflow.db",
	"flow.source":               "file",
	"flow.path":                 "flows.yaml",
	"media.dir":                 "data/media",
	"media.max_size":            20 * 1024 * 1024,
	"session.ttl":               "1h",
	"session.reap_interval":     "5m",
	"session.default_quality":   "standard",
	"session.progress_interval": "3s",
	"pool.timezone":             "UTC",
	"pool.prune_interval":       "5m",
	"dispatch.timeout":          "120s",
	"dispatch.retries":          1,
	"generator.type":            "gemini",
	"telemetry.service_name":    "genflow",
	"telemetry.metrics":         true,
}

// Load reads path (or DefaultPath when empty), applies GENFLOW_
// environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	for i := range cfg.Pool.Credentials {
		cfg.Pool.Credentials[i].Token = substituteEnvVars(cfg.Pool.Credentials[i].Token)
	}

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}
	switch c.Flow.Source {
	case "file":
		if c.Flow.Path == "" {
			return fmt.Errorf("flow.path cannot be empty")
		}
	case "storage":
	default:
		return fmt.Errorf("unknown flow.source %q", c.Flow.Source)
	}
	switch c.Generator.Type {
	case "gemini":
	case "http":
		if c.Generator.BaseURL == "" {
			return fmt.Errorf("generator.base_url is required for the http generator")
		}
	default:
		return fmt.Errorf("unknown generator.type %q", c.Generator.Type)
	}
	if c.Dispatch.Retries < 0 || c.Dispatch.Retries > 1 {
		return fmt.Errorf("dispatch.retries must be 0 or 1, got %d", c.Dispatch.Retries)
	}
	if c.Media.Dir == "" {
		return fmt.Errorf("media.dir cannot be empty")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.Prices(); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, cred := range c.Pool.Credentials {
		if cred.ID == "" {
			return fmt.Errorf("pool.credentials: id cannot be empty")
		}
		if seen[cred.ID] {
			return fmt.Errorf("pool.credentials: duplicate id %q", cred.ID)
		}
		seen[cred.ID] = true
	}
	return nil
}

// Location resolves the zone whose calendar day bounds daily limits.
func (c *Config) Location() (*time.Location, error) {
	if c.Pool.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Pool.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid pool.timezone %q: %w", c.Pool.Timezone, err)
	}
	return loc, nil
}

// Prices parses billing.prices.
func (c *Config) Prices() (map[string]domain.Amount, error) {
	prices := make(map[string]domain.Amount, len(c.Billing.Prices))
	for tier, raw := range c.Billing.Prices {
		amount, err := domain.ParseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("billing.prices.%s: %w", tier, err)
		}
		prices[tier] = amount
	}
	return prices, nil
}
