package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-ai/lodestone/internal/models"
)

func vectorChannel() []models.SearchResult {
	return []models.SearchResult{
		{ID: "v1", Score: 0.9, SearchType: models.SearchTypeVectorOnly, Content: "v1 text"},
		{ID: "shared", Score: 0.8, SearchType: models.SearchTypeVectorOnly, Content: "shared text"},
		{ID: "v2", Score: 0.7, SearchType: models.SearchTypeVectorOnly, Content: "v2 text"},
	}
}

func keywordChannel() []models.SearchResult {
	return []models.SearchResult{
		{ID: "shared", Score: 0.6, KeywordScore: 0.6, SearchType: models.SearchTypeKeywordOnly, Content: "shared text"},
		{ID: "k1", Score: 0.3, KeywordScore: 0.3, SearchType: models.SearchTypeKeywordOnly, Content: "k1 text"},
	}
}

func ids(results []models.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestFuseScoreWeightedRRF(t *testing.T) {
	results, _ := Fuse(vectorChannel(), keywordChannel(), Options{
		Strategy:      StrategyScoreWeightedRRF,
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
		RRFK:          60,
	})

	// Min-max norms: vector v1=1.0 shared=0.5 v2=0.0; keyword shared=1.0 k1=0.0.
	require.Equal(t, []string{"v1", "shared", "k1", "v2"}, ids(results))
	assert.InDelta(t, 0.7*1.0+0.1/61.0, results[0].Score, 1e-9)
	assert.InDelta(t, 0.7*0.5+0.3*1.0+0.1/62.0+0.1/61.0, results[1].Score, 1e-9)
	// Absent-channel candidates are separated only by the rank term.
	assert.InDelta(t, 0.1/62.0, results[2].Score, 1e-9)
	assert.InDelta(t, 0.1/63.0, results[3].Score, 1e-9)

	for i, r := range results {
		assert.Equal(t, i+1, r.Rank)
		assert.Equal(t, r.Score, r.FusionScore)
	}
}

func TestFuseMarksHybridAndKeepsChannelScores(t *testing.T) {
	results, _ := Fuse(vectorChannel(), keywordChannel(), Options{})

	byID := make(map[string]models.SearchResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	shared := byID["shared"]
	assert.Equal(t, models.SearchTypeHybrid, shared.SearchType)
	assert.Equal(t, 0.8, shared.VectorScore)
	assert.Equal(t, 0.6, shared.KeywordScore)
	assert.Equal(t, "shared text", shared.Content)

	assert.Equal(t, models.SearchTypeVectorOnly, byID["v1"].SearchType)
	assert.Equal(t, models.SearchTypeKeywordOnly, byID["k1"].SearchType)
}

func TestFuseWeightedAverageBreaksTiesOnRawScore(t *testing.T) {
	results, _ := Fuse(vectorChannel(), keywordChannel(), Options{
		Strategy:      StrategyWeightedAverage,
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
	})

	// v2 and k1 both fuse to 0; v2's raw channel score 0.7 beats k1's 0.3.
	require.Equal(t, []string{"v1", "shared", "v2", "k1"}, ids(results))
	assert.InDelta(t, 0.7, results[0].Score, 1e-9)
	assert.InDelta(t, 0.65, results[1].Score, 1e-9)
}

func TestFuseMaxConfidence(t *testing.T) {
	results, _ := Fuse(vectorChannel(), keywordChannel(), Options{
		Strategy: StrategyMaxConfidence,
	})

	// v1 and shared both reach norm 1.0; the raw-score tie-break keeps v1
	// (0.9) ahead of shared (0.8).
	require.Equal(t, []string{"v1", "shared", "v2", "k1"}, ids(results))
	assert.Equal(t, 1.0, results[0].Score)
	assert.Equal(t, 1.0, results[1].Score)
}

func TestFuseLegacyRRFIgnoresScores(t *testing.T) {
	results, _ := Fuse(vectorChannel(), keywordChannel(), Options{
		Strategy:      StrategyRRF,
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
		RRFK:          60,
	})

	// shared collects rank terms from both channels and wins despite its
	// lower raw scores.
	require.Equal(t, []string{"shared", "v1", "v2", "k1"}, ids(results))
	assert.InDelta(t, 0.7/62.0+0.3/61.0, results[0].Score, 1e-9)
	assert.InDelta(t, 0.7/61.0, results[1].Score, 1e-9)
}

func TestFuseSafeNormalizeSingleItem(t *testing.T) {
	vector := []models.SearchResult{{ID: "only", Score: 0.42, SearchType: models.SearchTypeVectorOnly}}

	results, _ := Fuse(vector, nil, Options{
		Strategy:      StrategyWeightedAverage,
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
	})

	require.Len(t, results, 1)
	assert.InDelta(t, 0.35, results[0].Score, 1e-9, "single-item channel should normalize to 0.5")
}

func TestFuseSafeNormalizeConstantScores(t *testing.T) {
	vector := []models.SearchResult{
		{ID: "b", Score: 0.8, SearchType: models.SearchTypeVectorOnly},
		{ID: "a", Score: 0.8, SearchType: models.SearchTypeVectorOnly},
	}

	results, _ := Fuse(vector, nil, Options{
		Strategy:      StrategyWeightedAverage,
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
	})

	require.Equal(t, []string{"a", "b"}, ids(results), "full ties should fall back to lexicographic ids")
	assert.InDelta(t, 0.35, results[0].Score, 1e-9)
	assert.InDelta(t, 0.35, results[1].Score, 1e-9)
}

func TestFuseZScoreNormalization(t *testing.T) {
	vector := []models.SearchResult{
		{ID: "hi", Score: 0.8, SearchType: models.SearchTypeVectorOnly},
		{ID: "mid", Score: 0.5, SearchType: models.SearchTypeVectorOnly},
		{ID: "lo", Score: 0.2, SearchType: models.SearchTypeVectorOnly},
	}

	results, trace := Fuse(vector, nil, Options{
		Strategy:      StrategyWeightedAverage,
		Normalization: NormZScore,
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
		Trace:         true,
	})

	require.Equal(t, []string{"hi", "mid", "lo"}, ids(results))
	require.NotNil(t, trace)
	require.Len(t, trace.Candidates, 3)
	// Mean score sits exactly at sigmoid(0).
	assert.InDelta(t, 0.7729, trace.Candidates[0].NormVectorScore, 1e-3)
	assert.Equal(t, 0.5, trace.Candidates[1].NormVectorScore)
	assert.InDelta(t, 0.2271, trace.Candidates[2].NormVectorScore, 1e-3)
	for _, c := range trace.Candidates {
		assert.Greater(t, c.NormVectorScore, 0.0)
		assert.Less(t, c.NormVectorScore, 1.0)
	}
}

func TestFuseNormalizationNonePassesRawScores(t *testing.T) {
	vector := []models.SearchResult{
		{ID: "hi", Score: 0.8, SearchType: models.SearchTypeVectorOnly},
		{ID: "lo", Score: 0.2, SearchType: models.SearchTypeVectorOnly},
	}

	results, _ := Fuse(vector, nil, Options{
		Strategy:      StrategyWeightedAverage,
		Normalization: NormNone,
		VectorWeight:  1.0,
		KeywordWeight: 0.0,
	})

	assert.InDelta(t, 0.8, results[0].Score, 1e-9)
	assert.InDelta(t, 0.2, results[1].Score, 1e-9)
}

func TestFuseDeterministicAcrossInputPermutations(t *testing.T) {
	permutations := [][]models.SearchResult{
		{
			{ID: "c3", Score: 0.5, SearchType: models.SearchTypeVectorOnly},
			{ID: "c1", Score: 0.5, SearchType: models.SearchTypeVectorOnly},
			{ID: "c2", Score: 0.5, SearchType: models.SearchTypeVectorOnly},
		},
		{
			{ID: "c1", Score: 0.5, SearchType: models.SearchTypeVectorOnly},
			{ID: "c2", Score: 0.5, SearchType: models.SearchTypeVectorOnly},
			{ID: "c3", Score: 0.5, SearchType: models.SearchTypeVectorOnly},
		},
		{
			{ID: "c2", Score: 0.5, SearchType: models.SearchTypeVectorOnly},
			{ID: "c3", Score: 0.5, SearchType: models.SearchTypeVectorOnly},
			{ID: "c1", Score: 0.5, SearchType: models.SearchTypeVectorOnly},
		},
	}

	for _, perm := range permutations {
		results, _ := Fuse(perm, nil, Options{Strategy: StrategyWeightedAverage})
		assert.Equal(t, []string{"c1", "c2", "c3"}, ids(results),
			"tied candidates must come back in the same order regardless of input order")
	}

	// Repeated runs over the same input must be byte-identical.
	first, _ := Fuse(vectorChannel(), keywordChannel(), Options{})
	for i := 0; i < 50; i++ {
		again, _ := Fuse(vectorChannel(), keywordChannel(), Options{})
		require.Equal(t, first, again)
	}
}

func TestFuseDoesNotMutateInputs(t *testing.T) {
	vector := vectorChannel()
	keyword := keywordChannel()

	_, _ = Fuse(vector, keyword, Options{})

	assert.Equal(t, vectorChannel(), vector)
	assert.Equal(t, keywordChannel(), keyword)
}

func TestFuseTraceRecordsChannelRanks(t *testing.T) {
	results, trace := Fuse(vectorChannel(), keywordChannel(), Options{
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
		RRFK:          60,
		Adaptive:      true,
		Trace:         true,
	})

	require.NotNil(t, trace)
	assert.Equal(t, StrategyScoreWeightedRRF, trace.Strategy)
	assert.Equal(t, NormMinMax, trace.Normalization)
	assert.Equal(t, 0.7, trace.VectorWeight)
	assert.Equal(t, 60, trace.RRFK)
	assert.True(t, trace.Adaptive)

	assert.Equal(t, 1, trace.ChannelRanks["vector"]["v1"])
	assert.Equal(t, 2, trace.ChannelRanks["vector"]["shared"])
	assert.Equal(t, 1, trace.ChannelRanks["keyword"]["shared"])
	assert.NotContains(t, trace.ChannelRanks["keyword"], "v1")

	require.Len(t, trace.Candidates, 4)
	assert.Equal(t, "v1", trace.Candidates[0].ID, "trace candidates follow the fused order")
	assert.Equal(t, results[0].Score, trace.Candidates[0].FusedScore)
}

func TestFuseEmptyChannels(t *testing.T) {
	results, trace := Fuse(nil, nil, Options{Trace: true})
	assert.Empty(t, results)
	require.NotNil(t, trace)
	assert.Empty(t, trace.Candidates)

	keywordOnly, _ := Fuse(nil, keywordChannel(), Options{})
	require.Len(t, keywordOnly, 2)
	assert.Equal(t, "shared", keywordOnly[0].ID)
}

func TestDedupeByDocIDKeepsHighestRanked(t *testing.T) {
	results := []models.SearchResult{
		{ID: "chunk1", Score: 0.9, Payload: map[string]interface{}{models.PayloadKeyDocID: "doc1"}},
		{ID: "chunk2", Score: 0.8, Payload: map[string]interface{}{models.PayloadKeyDocID: "doc2"}},
		{ID: "chunk3", Score: 0.7, Payload: map[string]interface{}{models.PayloadKeyDocID: "doc1"}},
		{ID: "chunk4", Score: 0.6},
	}

	deduped := DedupeByDocID(results)

	require.Equal(t, []string{"chunk1", "chunk2", "chunk4"}, ids(deduped))
	for i, r := range deduped {
		assert.Equal(t, i+1, r.Rank)
	}

	seen := make(map[string]int)
	for i := range deduped {
		seen[deduped[i].DocID()]++
	}
	for docID, n := range seen {
		assert.Equal(t, 1, n, "document %s appears more than once", docID)
	}
}

type fakeIDF map[string]float64

func (f fakeIDF) IDFOf(term string) float64 {
	if v, ok := f[term]; ok {
		return v
	}
	return 1.0
}

func TestAdaptWeightsShortDistinctiveQuery(t *testing.T) {
	stats := fakeIDF{"kubernetes": 3.0}

	vw, kw, changed := AdaptWeights("kubernetes", stats, 0.7, 0.3)

	require.True(t, changed)
	// keyword +0.2, renormalized back to sum 1.0.
	assert.InDelta(t, 0.7/1.2, vw, 1e-9)
	assert.InDelta(t, 0.5/1.2, kw, 1e-9)
	assert.InDelta(t, 1.0, vw+kw, 1e-9)
}

func TestAdaptWeightsLongProseQuery(t *testing.T) {
	query := "please summarize deployment architecture documentation covering " +
		"network storage compute monitoring logging security compliance"

	vw, kw, changed := AdaptWeights(query, fakeIDF{}, 0.7, 0.3)

	require.True(t, changed)
	assert.InDelta(t, 0.85/1.15, vw, 1e-9)
	assert.InDelta(t, 0.3/1.15, kw, 1e-9)
}

func TestAdaptWeightsMediumQueryUnchanged(t *testing.T) {
	stats := fakeIDF{"kubernetes": 3.0}

	vw, kw, changed := AdaptWeights("kubernetes deployment rollout strategy guide", stats, 0.7, 0.3)

	assert.False(t, changed)
	assert.Equal(t, 0.7, vw)
	assert.Equal(t, 0.3, kw)
}

func TestAdaptWeightsShortQueryWithoutRareTermsUnchanged(t *testing.T) {
	vw, kw, changed := AdaptWeights("deployment guide", fakeIDF{}, 0.7, 0.3)

	assert.False(t, changed)
	assert.Equal(t, 0.7, vw)
	assert.Equal(t, 0.3, kw)
}

func TestAdaptWeightsClampsFloor(t *testing.T) {
	stats := fakeIDF{"kubernetes": 3.0}

	vw, kw, changed := AdaptWeights("kubernetes", stats, 0.05, 0.95)

	require.True(t, changed)
	assert.Equal(t, 0.1, vw, "vector weight should not drop below the floor")
	assert.Equal(t, 0.9, kw, "keyword weight should be capped at the ceiling")
}
