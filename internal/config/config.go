// Package config provides typed configuration for the bar cache. All values
// are passed explicitly into component constructors; there is no ambient
// mutable global state. Provider credentials, rate-limit budgets, retry
// counts, the timestamp unit, and the calendar policy are all configuration
// points here.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"histcache/internal/models"
)

// Config is the complete configuration for an orchestrator and its
// collaborators.
type Config struct {
	// TimestampUnit fixes the epoch resolution process-wide ("s" or "ms").
	TimestampUnit models.TimestampUnit `json:"timestamp_unit" env:"HISTCACHE_TIMESTAMP_UNIT"`

	// Calendar selects the expected-slot policy: "all" (every slot expected)
	// or "weekdays" (Saturday/Sunday slots are expected-absent).
	Calendar string `json:"calendar" env:"HISTCACHE_CALENDAR"`

	Storage   StorageConfig             `json:"storage"`
	Retry     RetryConfig               `json:"retry"`
	Logging   LoggingConfig             `json:"logging"`
	Providers map[string]ProviderConfig `json:"providers"`
}

// StorageConfig configures the persistent store.
type StorageConfig struct {
	// Type selects the backend: "duckdb" or "memory".
	Type string `json:"type" env:"HISTCACHE_STORAGE_TYPE"`
	// Path is the database file path; ":memory:" for an ephemeral DuckDB.
	Path string `json:"path" env:"HISTCACHE_STORAGE_PATH"`
}

// ProviderConfig carries per-provider credentials, pacing budgets, and the
// zone its timestamps are quoted in when bars do not declare one themselves.
type ProviderConfig struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`

	// Timezone is the provider's contractually-known source zone, used when
	// a raw bar carries no explicit zone (e.g. "America/New_York").
	Timezone string `json:"timezone"`

	// RequestsPerWindow and Window define the request budget; Burst is the
	// token-bucket burst size.
	RequestsPerWindow int           `json:"requests_per_window"`
	Window            time.Duration `json:"window"`
	Burst             int           `json:"burst"`

	// DefaultPenalty is applied on a throttling response that carries no
	// backoff hint; MaxPenalty caps the accumulated penalty window.
	DefaultPenalty time.Duration `json:"default_penalty"`
	MaxPenalty     time.Duration `json:"max_penalty"`

	// RequestTimeout bounds a single provider call. A timed-out fetch is
	// treated identically to a transient provider failure.
	RequestTimeout time.Duration `json:"request_timeout"`
}

// RetryConfig bounds the retry loop around provider fetches.
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
}

// LoggingConfig configures structured logging output.
type LoggingConfig struct {
	Level    string `json:"level" env:"HISTCACHE_LOG_LEVEL"`     // debug, info, warn, error
	Format   string `json:"format" env:"HISTCACHE_LOG_FORMAT"`   // json, text
	FilePath string `json:"file_path" env:"HISTCACHE_LOG_FILE"`  // empty = stderr
	MaxSize  int    `json:"max_size" env:"HISTCACHE_LOG_MAX_MB"` // rotation threshold in MB
}

// Default returns a configuration with conservative defaults: second
// resolution timestamps, every slot expected, in-memory storage, and the
// retry values used for provider fetches.
func Default() *Config {
	return &Config{
		TimestampUnit: models.UnitSeconds,
		Calendar:      "all",
		Storage: StorageConfig{
			Type: "memory",
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Providers: map[string]ProviderConfig{},
	}
}

// DefaultProvider returns the per-provider defaults: 10 requests per second
// with burst 1, 5s default penalty capped at 2 minutes, 30s call timeout.
func DefaultProvider() ProviderConfig {
	return ProviderConfig{
		RequestsPerWindow: 10,
		Window:            time.Second,
		Burst:             1,
		DefaultPenalty:    5 * time.Second,
		MaxPenalty:        2 * time.Minute,
		RequestTimeout:    30 * time.Second,
	}
}

// Load builds a configuration from defaults, an optional JSON file, and
// environment variables, in that precedence order. A .env file in the
// working directory is loaded first if present (missing is not an error).
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays recognized environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("HISTCACHE_TIMESTAMP_UNIT"); v != "" {
		c.TimestampUnit = models.TimestampUnit(v)
	}
	if v := os.Getenv("HISTCACHE_CALENDAR"); v != "" {
		c.Calendar = v
	}
	if v := os.Getenv("HISTCACHE_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("HISTCACHE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("HISTCACHE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HISTCACHE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("HISTCACHE_LOG_FILE"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("HISTCACHE_LOG_MAX_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.MaxSize = n
		}
	}
	if v := os.Getenv("HISTCACHE_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retry.MaxAttempts = n
		}
	}
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	switch c.TimestampUnit {
	case models.UnitSeconds, models.UnitMilliseconds:
	default:
		return fmt.Errorf("invalid timestamp unit %q (want %q or %q)",
			c.TimestampUnit, models.UnitSeconds, models.UnitMilliseconds)
	}

	switch c.Calendar {
	case "all", "weekdays":
	default:
		return fmt.Errorf("invalid calendar policy %q (want \"all\" or \"weekdays\")", c.Calendar)
	}

	switch c.Storage.Type {
	case "duckdb", "memory":
	default:
		return fmt.Errorf("invalid storage type %q (want \"duckdb\" or \"memory\")", c.Storage.Type)
	}
	if c.Storage.Type == "duckdb" && c.Storage.Path == "" {
		return fmt.Errorf("storage path is required for duckdb storage")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("invalid retry intervals: initial %s, max %s",
			c.Retry.InitialInterval, c.Retry.MaxInterval)
	}

	for name, p := range c.Providers {
		if p.RequestsPerWindow <= 0 {
			return fmt.Errorf("provider %s: requests per window must be positive", name)
		}
		if p.Window <= 0 {
			return fmt.Errorf("provider %s: window must be positive", name)
		}
		if p.Burst <= 0 {
			return fmt.Errorf("provider %s: burst must be positive", name)
		}
		if p.MaxPenalty > 0 && p.DefaultPenalty > p.MaxPenalty {
			return fmt.Errorf("provider %s: default penalty %s exceeds max penalty %s",
				name, p.DefaultPenalty, p.MaxPenalty)
		}
	}

	return nil
}

// Provider returns the configuration for the named provider. Unknown names
// and zero-valued pacing fields fall back to DefaultProvider so a
// misconfigured provider is paced conservatively rather than not at all.
func (c *Config) Provider(name string) ProviderConfig {
	def := DefaultProvider()
	p, ok := c.Providers[name]
	if !ok {
		return def
	}
	if p.RequestsPerWindow == 0 {
		p.RequestsPerWindow = def.RequestsPerWindow
	}
	if p.Window == 0 {
		p.Window = def.Window
	}
	if p.Burst == 0 {
		p.Burst = def.Burst
	}
	if p.DefaultPenalty == 0 {
		p.DefaultPenalty = def.DefaultPenalty
	}
	if p.MaxPenalty == 0 {
		p.MaxPenalty = def.MaxPenalty
	}
	if p.RequestTimeout == 0 {
		p.RequestTimeout = def.RequestTimeout
	}
	return p
}
