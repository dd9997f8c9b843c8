// Package config loads application configuration from environment variables.
// All variables use the GRADER_ prefix.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Cache    CacheConfig
	AI       AIConfig
	Grading  GradingConfig
	Breaker  BreakerConfig
	Retry    RetryConfig
	Archive  ArchiveConfig
	Log      LogConfig

	// Profiles holds per-model overrides loaded from Grading.ProfilesPath.
	Profiles map[string]BackendProfile
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int
	Host string
}

// DatabaseConfig holds PostgreSQL connection settings. An empty URL keeps the
// archive in memory.
type DatabaseConfig struct {
	URL      string
	MaxConns int
	MinConns int
}

// CacheConfig holds Dragonfly/Redis connection settings for the shared
// response cache. An empty URL keeps the cache in process.
type CacheConfig struct {
	URL string
	TTL time.Duration
}

// AIConfig holds configuration for all AI providers.
type AIConfig struct {
	OpenAI     OpenAIConfig
	Anthropic  AnthropicConfig
	DeepSeek   DeepSeekConfig
	OpenRouter OpenRouterConfig
	Model      string // standard parse/grade model
	DeepModel  string // regrade model
}

// OpenAIConfig holds OpenAI provider settings.
type OpenAIConfig struct {
	APIKey string
}

// AnthropicConfig holds Anthropic provider settings.
type AnthropicConfig struct {
	APIKey string
}

// DeepSeekConfig holds DeepSeek provider settings (OpenAI-compatible).
type DeepSeekConfig struct {
	APIKey string
}

// OpenRouterConfig holds OpenRouter provider settings.
type OpenRouterConfig struct {
	APIKey string
}

// GradingConfig holds scheduler and cropping settings.
type GradingConfig struct {
	Concurrency          int      // default worker pool size
	ThrottledConcurrency int      // pool size for models in ThrottledModels
	ThrottledModels      []string // models prone to rate limiting
	ProfilesPath         string   // optional YAML backend profiles
	CropQuality          int
	CropMaxSide          int
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Threshold int
	CoolDown  time.Duration
}

// RetryConfig holds retry settings for retryable remote failures.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

// ArchiveConfig holds follow-up job settings.
type ArchiveConfig struct {
	FollowUpWorkers int
	QueueBuffer     int
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables with GRADER_ prefix.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("GRADER_SERVER_PORT", 8080),
			Host: envStr("GRADER_SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			URL:      envStr("GRADER_DATABASE_URL", ""),
			MaxConns: envInt("GRADER_DATABASE_MAX_CONNS", 25),
			MinConns: envInt("GRADER_DATABASE_MIN_CONNS", 5),
		},
		Cache: CacheConfig{
			URL: envStr("GRADER_CACHE_URL", ""),
			TTL: envDuration("GRADER_CACHE_TTL", 10*time.Minute),
		},
		AI: AIConfig{
			OpenAI: OpenAIConfig{
				APIKey: envStr("GRADER_AI_OPENAI_API_KEY", ""),
			},
			Anthropic: AnthropicConfig{
				APIKey: envStr("GRADER_AI_ANTHROPIC_API_KEY", ""),
			},
			DeepSeek: DeepSeekConfig{
				APIKey: envStr("GRADER_AI_DEEPSEEK_API_KEY", ""),
			},
			OpenRouter: OpenRouterConfig{
				APIKey: envStr("GRADER_AI_OPENROUTER_API_KEY", ""),
			},
			Model:     envStr("GRADER_AI_MODEL", "gpt-4o-mini"),
			DeepModel: envStr("GRADER_AI_DEEP_MODEL", "gpt-4o"),
		},
		Grading: GradingConfig{
			Concurrency:          envInt("GRADER_GRADING_CONCURRENCY", 5),
			ThrottledConcurrency: envInt("GRADER_GRADING_THROTTLED_CONCURRENCY", 2),
			ThrottledModels:      envList("GRADER_GRADING_THROTTLED_MODELS", nil),
			ProfilesPath:         envStr("GRADER_BACKEND_PROFILES", ""),
			CropQuality:          envInt("GRADER_CROP_QUALITY", 70),
			CropMaxSide:          envInt("GRADER_CROP_MAX_SIDE", 1600),
		},
		Breaker: BreakerConfig{
			Threshold: envInt("GRADER_BREAKER_THRESHOLD", 5),
			CoolDown:  envDuration("GRADER_BREAKER_COOLDOWN", 30*time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts:     envInt("GRADER_RETRY_MAX_ATTEMPTS", 3),
			InitialInterval: envDuration("GRADER_RETRY_INITIAL_INTERVAL", 500*time.Millisecond),
			MaxInterval:     envDuration("GRADER_RETRY_MAX_INTERVAL", 10*time.Second),
			AttemptTimeout:  envDuration("GRADER_RETRY_ATTEMPT_TIMEOUT", 90*time.Second),
		},
		Archive: ArchiveConfig{
			FollowUpWorkers: envInt("GRADER_ARCHIVE_FOLLOWUP_WORKERS", 2),
			QueueBuffer:     envInt("GRADER_ARCHIVE_QUEUE_BUFFER", 64),
		},
		Log: LogConfig{
			Level:  envStr("GRADER_LOG_LEVEL", "info"),
			Format: envStr("GRADER_LOG_FORMAT", "json"),
		},
	}

	if cfg.Grading.ProfilesPath != "" {
		profiles, err := LoadProfiles(cfg.Grading.ProfilesPath)
		if err != nil {
			return nil, err
		}
		cfg.Profiles = profiles
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if !c.HasAIProvider() {
		return fmt.Errorf("at least one AI provider must be configured")
	}
	if c.Grading.Concurrency < 1 {
		return fmt.Errorf("GRADER_GRADING_CONCURRENCY must be at least 1, got %d", c.Grading.Concurrency)
	}
	if c.Grading.ThrottledConcurrency < 1 {
		return fmt.Errorf("GRADER_GRADING_THROTTLED_CONCURRENCY must be at least 1, got %d", c.Grading.ThrottledConcurrency)
	}
	if c.Grading.CropQuality < 1 || c.Grading.CropQuality > 100 {
		return fmt.Errorf("GRADER_CROP_QUALITY must be within 1..100, got %d", c.Grading.CropQuality)
	}
	if c.Breaker.Threshold < 1 {
		return fmt.Errorf("GRADER_BREAKER_THRESHOLD must be at least 1, got %d", c.Breaker.Threshold)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("GRADER_RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("GRADER_LOG_FORMAT must be 'json' or 'text', got %q", c.Log.Format)
	}
	return nil
}

// HasAIProvider returns true if at least one AI provider is configured.
func (c *Config) HasAIProvider() bool {
	return c.AI.OpenAI.APIKey != "" ||
		c.AI.Anthropic.APIKey != "" ||
		c.AI.DeepSeek.APIKey != "" ||
		c.AI.OpenRouter.APIKey != ""
}

// ConcurrencyFor returns the grading pool size for model: an explicit
// profile wins, then the throttled list, then the default.
func (c *Config) ConcurrencyFor(model string) int {
	if p, ok := c.Profiles[model]; ok && p.Concurrency > 0 {
		return p.Concurrency
	}
	if slices.Contains(c.Grading.ThrottledModels, model) {
		return c.Grading.ThrottledConcurrency
	}
	return c.Grading.Concurrency
}

// RetryFor returns the retry settings for model with any profile override applied.
func (c *Config) RetryFor(model string) RetryConfig {
	r := c.Retry
	if p, ok := c.Profiles[model]; ok && p.MaxAttempts > 0 {
		r.MaxAttempts = p.MaxAttempts
	}
	return r
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
