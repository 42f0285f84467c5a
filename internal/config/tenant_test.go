package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-ai/lodestone/internal/apperr"
	"github.com/lodestone-ai/lodestone/internal/guardrail"
)

func testSettings() *Settings {
	return &Settings{
		Retrieval: RetrievalSettings{KBase: 12, MaxContextTokens: 8000, MinQualityScore: 0.5},
		Reranker:  RerankerSettings{Enabled: true, Model: "bge-reranker-base", TopNOut: 8},
	}
}

func TestStageTimeoutsFallBackToDefaults(t *testing.T) {
	var zero StageTimeouts
	assert.Equal(t, DefaultVectorTimeout, zero.Vector())
	assert.Equal(t, DefaultKeywordTimeout, zero.Keyword())
	assert.Equal(t, DefaultRerankerTimeout, zero.Reranker())
	assert.Equal(t, DefaultEmbeddingTimeout, zero.Embedding())
	assert.Equal(t, DefaultOverallTimeout, zero.Overall())

	custom := StageTimeouts{VectorMs: 1500, OverallMs: 20_000}
	assert.Equal(t, 1500*time.Millisecond, custom.Vector())
	assert.Equal(t, 20*time.Second, custom.Overall())
	assert.Equal(t, DefaultKeywordTimeout, custom.Keyword())
}

func TestDefaultTenantConfigDerivesFromSettings(t *testing.T) {
	cfg := DefaultTenantConfig(testSettings())

	assert.True(t, cfg.Search.KeywordSearchEnabled)
	assert.InDelta(t, DefaultVectorWeight, cfg.Search.VectorWeight, 1e-9)
	assert.InDelta(t, DefaultKeywordWeight, cfg.Search.KeywordWeight, 1e-9)
	assert.Equal(t, DefaultRRFK, cfg.Search.RRFK)
	assert.Equal(t, 12, cfg.Search.RetrievalK)
	assert.Equal(t, 8000, cfg.Search.MaxContextTokens)
	assert.True(t, cfg.Search.Rerank.Enabled)
	assert.Equal(t, 8, cfg.Search.Rerank.TopK)

	assert.True(t, cfg.Guardrail.Enabled)
	// Moderate preset numbers with the process quality floor on confidence.
	assert.InDelta(t, 0.5, cfg.Guardrail.Threshold.MinConfidence, 1e-9)
	assert.InDelta(t, 0.5, cfg.Guardrail.Threshold.MinTopScore, 1e-9)
	assert.InDelta(t, 0.35, cfg.Guardrail.Threshold.MinMeanScore, 1e-9)
	assert.True(t, cfg.Guardrail.Fallback.SuggestionsEnabled)
	assert.Equal(t, 3, cfg.Guardrail.Fallback.MaxSuggestions)

	require.NoError(t, cfg.Validate())
}

func TestParseTenantFileOverlaysDefaults(t *testing.T) {
	defaults := DefaultTenantConfig(testSettings())
	raw := map[string]interface{}{
		"tenants": map[string]interface{}{
			"tech_corp": map[string]interface{}{
				"search": map[string]interface{}{
					"vector_weight":  0.9,
					"keyword_weight": 0.1,
					"rrf_k":          40,
				},
			},
			"globex": nil,
		},
	}

	configs, err := ParseTenantFile(raw, defaults)
	require.NoError(t, err)
	require.Len(t, configs, 2)

	tech := configs["tech_corp"]
	assert.Equal(t, "tech_corp", tech.TenantID)
	assert.InDelta(t, 0.9, tech.Search.VectorWeight, 1e-9)
	assert.InDelta(t, 0.1, tech.Search.KeywordWeight, 1e-9)
	assert.Equal(t, 40, tech.Search.RRFK)
	// Untouched fields inherit the defaults.
	assert.Equal(t, defaults.Search.RetrievalK, tech.Search.RetrievalK)
	assert.Equal(t, defaults.Search.MaxContextTokens, tech.Search.MaxContextTokens)
	assert.True(t, tech.Guardrail.Enabled)

	globex := configs["globex"]
	assert.Equal(t, "globex", globex.TenantID)
	assert.InDelta(t, defaults.Search.VectorWeight, globex.Search.VectorWeight, 1e-9)
}

func TestParseTenantFileExpandsGuardrailPreset(t *testing.T) {
	defaults := DefaultTenantConfig(testSettings())
	raw := map[string]interface{}{
		"tenants": map[string]interface{}{
			"tech_corp": map[string]interface{}{
				"guardrail": map[string]interface{}{
					"threshold": map[string]interface{}{"preset": "strict"},
				},
			},
		},
	}

	configs, err := ParseTenantFile(raw, defaults)
	require.NoError(t, err)

	th := configs["tech_corp"].Guardrail.Threshold
	assert.Equal(t, guardrail.PresetStrict, th.Preset)
	assert.InDelta(t, 0.8, th.MinConfidence, 1e-9)
	assert.InDelta(t, 0.7, th.MinTopScore, 1e-9)
	assert.Equal(t, 2, th.MinResultCount)
}

func TestParseTenantFileRejectsInvalidTenant(t *testing.T) {
	defaults := DefaultTenantConfig(testSettings())

	cases := map[string]map[string]interface{}{
		"zero retrieval k": {
			"search": map[string]interface{}{"retrieval_k": 0},
		},
		"tiny context budget": {
			"search": map[string]interface{}{"max_context_tokens": 500},
		},
		"unknown preset": {
			"guardrail": map[string]interface{}{
				"threshold": map[string]interface{}{"preset": "draconian"},
			},
		},
	}
	for name, tenant := range cases {
		raw := map[string]interface{}{
			"tenants": map[string]interface{}{"tech_corp": tenant},
		}
		_, err := ParseTenantFile(raw, defaults)
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), "tech_corp", name)
	}
}

func TestTenantConfigValidateBounds(t *testing.T) {
	base := DefaultTenantConfig(testSettings())

	negWeights := base
	negWeights.Search.VectorWeight = -0.1
	assert.Error(t, negWeights.Validate())

	zeroWeights := base
	zeroWeights.Search.VectorWeight = 0
	zeroWeights.Search.KeywordWeight = 0
	assert.Error(t, zeroWeights.Validate())

	badRRF := base
	badRRF.Search.RRFK = 0
	assert.Error(t, badRRF.Validate())

	negTimeout := base
	negTimeout.Search.Timeouts.KeywordMs = -5
	err := negTimeout.Validate()
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidConfiguration, apperr.CodeOf(err))

	assert.NoError(t, base.Validate())
}
