// Package configuration assembles the process configuration: defaults,
// an optional YAML file overlay, and environment overrides for
// deployment-specific and sensitive values.
package configuration

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/gradebench/gradebench/internal/completion"
	"github.com/gradebench/gradebench/internal/grading"
	"github.com/gradebench/gradebench/internal/prompt"
	"github.com/gradebench/gradebench/internal/stats"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the full process configuration.
type Config struct {
	Server     ServerConfig               `yaml:"server" json:"server"`
	Store      StoreConfig                `yaml:"store" json:"store"`
	OpenRouter OpenRouterConfig           `yaml:"openrouter" json:"openrouter"`
	RateLimit  completion.RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Batch      prompt.BatchConfig         `yaml:"batch" json:"batch"`
	Templates  prompt.Templates           `yaml:"templates" json:"templates"`
	Scheduler  grading.SchedulerConfig    `yaml:"scheduler" json:"scheduler"`
	Stats      StatsConfig                `yaml:"stats" json:"stats"`
	Log        LogConfig                  `yaml:"log" json:"log"`
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// StoreConfig selects and configures the session state backend.
type StoreConfig struct {
	// Backend is one of memory, redis, or postgres.
	Backend string `yaml:"backend" json:"backend" validate:"required,oneof=memory redis postgres"`

	RedisAddr     string        `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string        `yaml:"-" json:"-"`
	RedisDB       int           `yaml:"redis_db" json:"redis_db"`
	RedisTTL      time.Duration `yaml:"redis_ttl" json:"redis_ttl"`

	PostgresDSN string `yaml:"-" json:"-"`
}

// OpenRouterConfig configures the completion provider endpoint.
type OpenRouterConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url" validate:"required,url"`

	// APIKey is only read from the environment, never from the file.
	APIKey string `yaml:"-" json:"-"`

	// Headers are extra HTTP headers sent on every completion call.
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// StatsConfig tunes the discrepancy calculator.
type StatsConfig struct {
	Thresholds stats.RangeThresholds `yaml:"thresholds" json:"thresholds"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, or error.
	Level string `yaml:"level" json:"level" validate:"required,oneof=debug info warn error"`

	// Format is json or text.
	Format string `yaml:"format" json:"format" validate:"required,oneof=json text"`
}

// Default returns the standard configuration: in-memory store, default
// batching and retry tuning, JSON logs.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Backend:  "memory",
			RedisTTL: 24 * time.Hour,
		},
		OpenRouter: OpenRouterConfig{
			BaseURL: completion.DefaultBaseURL,
		},
		RateLimit: completion.RateLimitConfig{
			RequestsPerSecond: 2,
			Burst:             4,
		},
		Batch:     prompt.DefaultBatchConfig(),
		Scheduler: grading.DefaultSchedulerConfig(),
		Stats: StatsConfig{
			Thresholds: stats.DefaultRangeThresholds(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and environment overrides, then validates it. An empty path skips the
// file overlay.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays deployment and secret values from the environment.
// Secrets are environment-only so they never land in a config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		c.OpenRouter.APIKey = v
	}
	if v := os.Getenv("OPENROUTER_BASE_URL"); v != "" {
		c.OpenRouter.BaseURL = v
	}
	if v := os.Getenv("GRADEBENCH_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("GRADEBENCH_STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Store.RedisDB = db
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.PostgresDSN = v
	}
	if v := os.Getenv("GRADEBENCH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks structural constraints plus the cross-field backend
// requirements a tag cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	switch c.Store.Backend {
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store backend redis requires REDIS_ADDR or store.redis_addr")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store backend postgres requires DATABASE_URL")
		}
	}
	return nil
}
