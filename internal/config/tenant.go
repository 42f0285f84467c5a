package config

import (
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lodestone-ai/lodestone/internal/apperr"
	"github.com/lodestone-ai/lodestone/internal/guardrail"
)

// Stage timeout defaults, overridable per tenant. The reranker stage bound
// wraps the reranker client's own per-request timeout.
const (
	DefaultVectorTimeout    = 5 * time.Second
	DefaultKeywordTimeout   = 3 * time.Second
	DefaultRerankerTimeout  = 10 * time.Second
	DefaultEmbeddingTimeout = 5 * time.Second
	DefaultOverallTimeout   = 45 * time.Second
)

// Fusion defaults for tenants that do not override them.
const (
	DefaultVectorWeight  = 0.7
	DefaultKeywordWeight = 0.3
	DefaultRRFK          = 60
)

// StageTimeouts are expressed in milliseconds in tenant files; zero means
// the global default.
type StageTimeouts struct {
	VectorMs    int `yaml:"vector_ms" json:"vectorMs"`
	KeywordMs   int `yaml:"keyword_ms" json:"keywordMs"`
	RerankerMs  int `yaml:"reranker_ms" json:"rerankerMs"`
	EmbeddingMs int `yaml:"embedding_ms" json:"embeddingMs"`
	OverallMs   int `yaml:"overall_ms" json:"overallMs"`
}

func (t StageTimeouts) Vector() time.Duration    { return msOr(t.VectorMs, DefaultVectorTimeout) }
func (t StageTimeouts) Keyword() time.Duration   { return msOr(t.KeywordMs, DefaultKeywordTimeout) }
func (t StageTimeouts) Reranker() time.Duration  { return msOr(t.RerankerMs, DefaultRerankerTimeout) }
func (t StageTimeouts) Embedding() time.Duration { return msOr(t.EmbeddingMs, DefaultEmbeddingTimeout) }
func (t StageTimeouts) Overall() time.Duration   { return msOr(t.OverallMs, DefaultOverallTimeout) }

func msOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// RerankPolicy is the tenant's reranker stance.
type RerankPolicy struct {
	Enabled   bool    `yaml:"enabled" json:"enabled"`
	Model     string  `yaml:"model" json:"model"`
	TopK      int     `yaml:"top_k" json:"topK"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// TenantSearchConfig shapes retrieval for one tenant.
type TenantSearchConfig struct {
	KeywordSearchEnabled bool          `yaml:"keyword_search_enabled" json:"keywordSearchEnabled"`
	VectorWeight         float64       `yaml:"vector_weight" json:"vectorWeight"`
	KeywordWeight        float64       `yaml:"keyword_weight" json:"keywordWeight"`
	RRFK                 int           `yaml:"rrf_k" json:"rrfK"`
	RetrievalK           int           `yaml:"retrieval_k" json:"retrievalK"`
	MaxContextTokens     int           `yaml:"max_context_tokens" json:"maxContextTokens"`
	Rerank               RerankPolicy  `yaml:"rerank" json:"rerank"`
	Timeouts             StageTimeouts `yaml:"timeouts" json:"timeouts"`
}

// TenantConfig is the full per-tenant policy: retrieval shape plus guardrail
// behavior. Unknown tenants are served the defaults.
type TenantConfig struct {
	TenantID  string             `yaml:"tenant_id" json:"tenantId"`
	Search    TenantSearchConfig `yaml:"search" json:"search"`
	Guardrail guardrail.Config   `yaml:"guardrail" json:"guardrail"`
}

// DefaultTenantConfig derives the global tenant defaults from the process
// settings.
func DefaultTenantConfig(s *Settings) TenantConfig {
	threshold, _ := guardrail.PresetThreshold(guardrail.PresetModerate)
	threshold.MinConfidence = s.Retrieval.MinQualityScore
	return TenantConfig{
		Search: TenantSearchConfig{
			KeywordSearchEnabled: true,
			VectorWeight:         DefaultVectorWeight,
			KeywordWeight:        DefaultKeywordWeight,
			RRFK:                 DefaultRRFK,
			RetrievalK:           s.Retrieval.KBase,
			MaxContextTokens:     s.Retrieval.MaxContextTokens,
			Rerank: RerankPolicy{
				Enabled: s.Reranker.Enabled,
				Model:   s.Reranker.Model,
				TopK:    s.Reranker.TopNOut,
			},
		},
		Guardrail: guardrail.Config{
			Enabled:   true,
			Threshold: threshold,
			Weights:   guardrail.DefaultWeights(),
			Fallback: guardrail.FallbackConfig{
				SuggestionsEnabled:  true,
				MaxSuggestions:      3,
				SuggestionThreshold: 0.5,
			},
		},
	}
}

// normalize resolves the guardrail preset name into numeric bounds. A named
// preset replaces the numbers wholesale; custom bounds keep theirs.
func (c *TenantConfig) normalize() error {
	preset := c.Guardrail.Threshold.Preset
	if preset == "" {
		return nil
	}
	threshold, ok := guardrail.PresetThreshold(preset)
	if !ok {
		return apperr.Newf(apperr.CodeInvalidConfiguration, "unknown guardrail preset %q", preset)
	}
	c.Guardrail.Threshold = threshold
	return nil
}

// Validate enforces the write-time bounds. Rejected configs never replace
// the serving copy.
func (c TenantConfig) Validate() error {
	if c.Search.RetrievalK < 1 {
		return apperr.Newf(apperr.CodeInvalidConfiguration, "retrievalK %d below minimum 1", c.Search.RetrievalK)
	}
	if c.Search.MaxContextTokens < 1000 {
		return apperr.Newf(apperr.CodeInvalidConfiguration, "maxContextTokens %d below minimum 1000", c.Search.MaxContextTokens)
	}
	if c.Search.VectorWeight < 0 || c.Search.KeywordWeight < 0 {
		return apperr.New(apperr.CodeInvalidConfiguration, "fusion weights cannot be negative")
	}
	if c.Search.VectorWeight+c.Search.KeywordWeight == 0 {
		return apperr.New(apperr.CodeInvalidConfiguration, "fusion weights cannot both be zero")
	}
	if c.Search.RRFK < 1 {
		return apperr.Newf(apperr.CodeInvalidConfiguration, "rrfK %d below minimum 1", c.Search.RRFK)
	}
	if c.Search.Rerank.TopK < 0 {
		return apperr.New(apperr.CodeInvalidConfiguration, "rerank topK cannot be negative")
	}
	for name, ms := range map[string]int{
		"vector":    c.Search.Timeouts.VectorMs,
		"keyword":   c.Search.Timeouts.KeywordMs,
		"reranker":  c.Search.Timeouts.RerankerMs,
		"embedding": c.Search.Timeouts.EmbeddingMs,
		"overall":   c.Search.Timeouts.OverallMs,
	} {
		if ms < 0 {
			return apperr.Newf(apperr.CodeInvalidConfiguration, "%s timeout cannot be negative", name)
		}
	}
	return c.Guardrail.Validate()
}

// tenantFile is the on-disk shape of the tenant configuration document.
type tenantFile struct {
	Tenants map[string]yaml.Node `yaml:"tenants"`
}

// ParseTenantFile decodes a raw configuration document into validated
// per-tenant configs. Each tenant entry overlays the defaults, so absent
// fields inherit them. Any invalid tenant rejects the whole document.
func ParseTenantFile(raw map[string]interface{}, defaults TenantConfig) (map[string]TenantConfig, error) {
	b, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode tenant document: %w", err)
	}
	var file tenantFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("decode tenant document: %w", err)
	}

	out := make(map[string]TenantConfig, len(file.Tenants))
	// Deterministic order so the first error is stable.
	ids := make([]string, 0, len(file.Tenants))
	for id := range file.Tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		node := file.Tenants[id]
		cfg := defaults
		// An empty mapping keeps the defaults wholesale.
		if node.Kind != 0 && node.Tag != "!!null" {
			if err := node.Decode(&cfg); err != nil {
				return nil, fmt.Errorf("tenant %s: %w", id, err)
			}
		}
		cfg.TenantID = id
		if err := cfg.normalize(); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", id, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", id, err)
		}
		out[id] = cfg
	}
	return out, nil
}
