// Package config loads service configuration from file, HANDIT_* environment
// variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. HANDIT_LLM_API_KEY.
const EnvPrefix = "HANDIT"

// Config is the fully merged configuration (flags > env > file > defaults).
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Evaluators EvaluatorsConfig `mapstructure:"evaluators"`
}

type ServerConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// LLMConfig is the default completion backend. Evaluator bindings may override
// provider, model and key per model.
type LLMConfig struct {
	Provider          string        `mapstructure:"provider"`
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// PipelineConfig carries worker sizing and the sampling constants of the
// optimization loop.
type PipelineConfig struct {
	Workers                       int     `mapstructure:"workers"`
	QueueSize                     int     `mapstructure:"queue_size"`
	CompanyConcurrency            int     `mapstructure:"company_concurrency"`
	OptimizationTriggerPercentage float64 `mapstructure:"optimization_trigger_percentage"`
	DefaultEvaluationPercentage   float64 `mapstructure:"default_evaluation_percentage"`
	N8NEvaluationPercentage       float64 `mapstructure:"n8n_evaluation_percentage"`
	ABTestPercentage              float64 `mapstructure:"ab_test_percentage"`
	InsightCap                    int     `mapstructure:"insight_cap"`
	InsightWindow                 int     `mapstructure:"insight_window"`
	ReviewerActivationThreshold   int     `mapstructure:"reviewer_activation_threshold"`
	ReviewerLimit                 int     `mapstructure:"reviewer_limit"`
}

type ScheduleConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	WeeklyInterval time.Duration `mapstructure:"weekly_interval"`
}

type CacheConfig struct {
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// NotifyConfig points at the outbound mail relay. An empty Endpoint logs
// notifications instead of delivering them.
type NotifyConfig struct {
	Endpoint     string `mapstructure:"endpoint"`
	TokenURL     string `mapstructure:"token_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

type EvaluatorsConfig struct {
	CatalogPath string `mapstructure:"catalog_path"`
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("database.path", "handit.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.requests_per_second", 5.0)
	v.SetDefault("llm.burst", 10)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.company_concurrency", 4)
	v.SetDefault("pipeline.optimization_trigger_percentage", 20.0)
	v.SetDefault("pipeline.default_evaluation_percentage", 30.0)
	v.SetDefault("pipeline.n8n_evaluation_percentage", 100.0)
	v.SetDefault("pipeline.ab_test_percentage", 30.0)
	v.SetDefault("pipeline.insight_cap", 10)
	v.SetDefault("pipeline.insight_window", 20)
	v.SetDefault("pipeline.reviewer_activation_threshold", 5)
	v.SetDefault("pipeline.reviewer_limit", 5)

	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.weekly_interval", 7*24*time.Hour)

	v.SetDefault("cache.capacity", 2000)
	v.SetDefault("cache.ttl", 5*time.Minute)

	v.SetDefault("notify.endpoint", "")
	v.SetDefault("notify.token_url", "")
	v.SetDefault("notify.client_id", "")
	v.SetDefault("notify.client_secret", "")

	v.SetDefault("evaluators.catalog_path", "")
}

// Load reads the optional config file at path into v and materializes Config.
// A missing file is not an error; defaults and environment still apply.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	p := c.Pipeline
	for name, pct := range map[string]float64{
		"pipeline.optimization_trigger_percentage": p.OptimizationTriggerPercentage,
		"pipeline.default_evaluation_percentage":   p.DefaultEvaluationPercentage,
		"pipeline.n8n_evaluation_percentage":       p.N8NEvaluationPercentage,
		"pipeline.ab_test_percentage":              p.ABTestPercentage,
	} {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("%s must be within [0,100], got %v", name, pct)
		}
	}
	if p.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive, got %d", p.Workers)
	}
	if p.CompanyConcurrency <= 0 {
		return fmt.Errorf("pipeline.company_concurrency must be positive, got %d", p.CompanyConcurrency)
	}
	if p.InsightCap <= 0 {
		return fmt.Errorf("pipeline.insight_cap must be positive, got %d", p.InsightCap)
	}
	return nil
}
