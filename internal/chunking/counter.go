// Package chunking splits document text into embedding-safe chunks and
// estimates token counts. Chunk shape decides the correctness of everything
// downstream: an oversized chunk is silently truncated by the embedding
// model and retrieval quality degrades without any error.
package chunking

import (
	"fmt"
	"math"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/lodestone-ai/lodestone/internal/metrics"
)

// Default embedding-model budget and safety margin.
const (
	DefaultMaxTokens    = 512
	DefaultSafetyMargin = 0.10
)

// Counter flavors selectable via config.
const (
	CounterBGE       = "bge"
	CounterOpenAI    = "openai"
	CounterRatio     = "ratio"
	CounterOpenAIBPE = "openai-bpe"
)

// Chars-per-token ratios for the heuristic counters.
const (
	bgeCharsPerToken    = 3.2
	openaiCharsPerToken = 4.0
)

// Estimate is the result of counting one text.
type Estimate struct {
	Characters      int
	Tokens          int
	WithinSafeLimit bool
}

// Counter estimates token counts for chunk sizing.
type Counter interface {
	Count(text string) Estimate
	CharsPerToken() float64
	// SafeLimit is the highest token count that still leaves the safety
	// margin below the model maximum.
	SafeLimit() int
}

// CounterConfig selects and tunes a counter flavor.
type CounterConfig struct {
	Flavor       string  `yaml:"flavor" json:"flavor"`
	MaxTokens    int     `yaml:"max_tokens" json:"max_tokens"`
	SafetyMargin float64 `yaml:"safety_margin" json:"safety_margin"`
	// Ratio applies to the "ratio" flavor only.
	Ratio float64 `yaml:"ratio" json:"ratio"`
	// Cached wraps the counter in the thread-safe caching layer.
	Cached bool `yaml:"cached" json:"cached"`
}

// NewCounter builds a counter from config. Unknown flavors fall back to the
// OpenAI heuristic; only the BPE flavor can fail (encoding download).
func NewCounter(cfg CounterConfig) (Counter, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.SafetyMargin <= 0 || cfg.SafetyMargin >= 1 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}

	var c Counter
	switch cfg.Flavor {
	case CounterBGE:
		c = &ratioCounter{ratio: bgeCharsPerToken, maxTokens: cfg.MaxTokens, margin: cfg.SafetyMargin}
	case CounterRatio:
		ratio := cfg.Ratio
		if ratio <= 0 {
			ratio = openaiCharsPerToken
		}
		c = &ratioCounter{ratio: ratio, maxTokens: cfg.MaxTokens, margin: cfg.SafetyMargin}
	case CounterOpenAIBPE:
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load cl100k_base encoding: %w", err)
		}
		c = &bpeCounter{enc: enc, maxTokens: cfg.MaxTokens, margin: cfg.SafetyMargin}
	default: // CounterOpenAI and anything unrecognized
		c = &ratioCounter{ratio: openaiCharsPerToken, maxTokens: cfg.MaxTokens, margin: cfg.SafetyMargin}
	}

	if cfg.Cached {
		c = NewCachingCounter(c)
	}
	return c, nil
}

func safeLimit(maxTokens int, margin float64) int {
	return int(float64(maxTokens) * (1 - margin))
}

// ratioCounter estimates tokens from character counts. BGE-style models run
// about 3.2 chars/token on English text, OpenAI models about 4.
type ratioCounter struct {
	ratio     float64
	maxTokens int
	margin    float64
}

func (c *ratioCounter) Count(text string) Estimate {
	chars := len([]rune(text))
	tokens := 0
	if chars > 0 {
		tokens = int(math.Ceil(float64(chars) / c.ratio))
	}
	return Estimate{
		Characters:      chars,
		Tokens:          tokens,
		WithinSafeLimit: tokens <= c.SafeLimit(),
	}
}

func (c *ratioCounter) CharsPerToken() float64 { return c.ratio }
func (c *ratioCounter) SafeLimit() int         { return safeLimit(c.maxTokens, c.margin) }

// bpeCounter counts exactly with the cl100k_base BPE when the deployment can
// afford the encoding load; the heuristic flavors stay the default.
type bpeCounter struct {
	enc       *tiktoken.Tiktoken
	maxTokens int
	margin    float64
}

func (c *bpeCounter) Count(text string) Estimate {
	chars := len([]rune(text))
	tokens := 0
	if chars > 0 {
		tokens = len(c.enc.Encode(text, nil, nil))
	}
	return Estimate{
		Characters:      chars,
		Tokens:          tokens,
		WithinSafeLimit: tokens <= c.SafeLimit(),
	}
}

func (c *bpeCounter) CharsPerToken() float64 { return openaiCharsPerToken }
func (c *bpeCounter) SafeLimit() int         { return safeLimit(c.maxTokens, c.margin) }

// CachingCounter memoizes estimates keyed on text identity. Chunking and
// packing re-count the same text several times per request.
type CachingCounter struct {
	inner Counter

	mu    sync.RWMutex
	cache map[string]Estimate
}

// NewCachingCounter wraps inner with a thread-safe memo.
func NewCachingCounter(inner Counter) *CachingCounter {
	return &CachingCounter{inner: inner, cache: make(map[string]Estimate)}
}

func (c *CachingCounter) Count(text string) Estimate {
	c.mu.RLock()
	est, ok := c.cache[text]
	c.mu.RUnlock()
	if ok {
		metrics.TokenCounterCacheEvents.WithLabelValues("hit").Inc()
		return est
	}
	metrics.TokenCounterCacheEvents.WithLabelValues("miss").Inc()

	est = c.inner.Count(text)
	c.mu.Lock()
	c.cache[text] = est
	c.mu.Unlock()
	return est
}

func (c *CachingCounter) CharsPerToken() float64 { return c.inner.CharsPerToken() }
func (c *CachingCounter) SafeLimit() int         { return c.inner.SafeLimit() }

// Len reports the number of memoized texts.
func (c *CachingCounter) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
