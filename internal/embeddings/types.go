package embeddings

import (
	"time"

	"github.com/lodestone-ai/lodestone/internal/chunking"
)

// DefaultDimensions matches the bge-small family served by the default
// inference deployment.
const DefaultDimensions = 384

// Config controls the embedding service behavior.
type Config struct {
	// BaseURL points to the inference server exposing POST / and GET /health.
	BaseURL string `yaml:"base_url" json:"base_url"`
	// Model is recorded in metrics and cache keys; the server decides what
	// it actually runs.
	Model string `yaml:"model" json:"model"`
	// Dimensions every returned vector must have.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
	// Timeout for outbound HTTP calls.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// MaxRetries is the total attempt count for transient failures.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// RetryBaseDelay is doubled after each failed attempt.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	// RPS caps outbound request rate; zero disables the limiter.
	RPS float64 `yaml:"rps" json:"rps"`
	// EnableRedis turns on the shared second-tier cache.
	EnableRedis bool `yaml:"enable_redis" json:"enable_redis"`
	// RedisAddr in host:port form when EnableRedis is true.
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`
	// CacheTTL sets TTL for Redis cache entries.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	// MaxLRU controls in-process LRU size.
	MaxLRU int `yaml:"max_lru" json:"max_lru"`
	// Chunking drives the split-and-average path for overlong texts.
	Chunking chunking.Config `yaml:"chunking" json:"chunking"`
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "bge-small-en-v1.5"
	}
	if c.Dimensions <= 0 {
		c.Dimensions = DefaultDimensions
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.MaxLRU == 0 {
		c.MaxLRU = 2048
	}
	return c
}
