package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-ai/lodestone/internal/config"
	"github.com/lodestone-ai/lodestone/internal/corpusstats"
	"github.com/lodestone-ai/lodestone/internal/models"
	"github.com/lodestone-ai/lodestone/internal/vectordb"
)

type fakeAliases struct {
	clusters map[string]corpusstats.Cluster
}

func (f fakeAliases) Resolve(_ context.Context, _ string, phrase string) corpusstats.Cluster {
	return f.clusters[phrase]
}

func rescoreFixture(id string, score float64, content, title string) models.SearchResult {
	r := models.SearchResult{
		ID:          id,
		Score:       score,
		VectorScore: score,
		Content:     content,
	}
	if title != "" {
		r.Payload = map[string]interface{}{models.PayloadKeyTitle: title}
	}
	return r
}

func TestGroupPresence(t *testing.T) {
	groups := [][]string{
		{"database"},
		{"replication", "failover"},
		{"terraform"},
	}
	present := groupPresence(
		"the database survived the crash",
		"Failover Runbook",
		groups,
	)
	require.Len(t, present, 3)
	assert.True(t, present[0], "content carries the first group")
	assert.True(t, present[1], "title carries an alias of the second group")
	assert.False(t, present[2], "third group appears nowhere")
}

func TestSortRescoredTieBreaks(t *testing.T) {
	results := []models.SearchResult{
		{ID: "b", Score: 0.5, VectorScore: 0.4},
		{ID: "c", Score: 0.5, VectorScore: 0.9},
		{ID: "a", Score: 0.5, VectorScore: 0.4},
		{ID: "d", Score: 0.7, KeywordScore: 0.1},
	}
	sortRescored(results)

	assert.Equal(t, "d", results[0].ID, "higher score first")
	assert.Equal(t, "c", results[1].ID, "raw channel score breaks the tie")
	assert.Equal(t, "a", results[2].ID, "id breaks the remaining tie")
	assert.Equal(t, "b", results[3].ID)
}

func TestKeywordPointsRescoreOrdersByMatchedFraction(t *testing.T) {
	results := []models.SearchResult{
		rescoreFixture("none", 0.5, "storage layout guide", ""),
		rescoreFixture("half", 0.5, "database indexes overview", ""),
		rescoreFixture("full", 0.5, "database replication walkthrough", ""),
	}
	out := keywordPointsRescore("database replication", nil, results)

	require.Len(t, out, 3)
	assert.Equal(t, "full", out[0].ID)
	assert.Equal(t, "half", out[1].ID)
	assert.Equal(t, "none", out[2].ID)

	// Uniform IDF: full match adds gain*(1-score), half match half of that.
	assert.InDelta(t, 0.5+0.2*1.0*0.5, out[0].Score, 1e-9)
	assert.InDelta(t, 0.5+0.2*0.5*0.5, out[1].Score, 1e-9)
	assert.InDelta(t, 0.5, out[2].Score, 1e-9)

	for _, r := range out {
		assert.LessOrEqual(t, r.Score, 1.0)
	}
	// The input slice order is untouched.
	assert.Equal(t, "none", results[0].ID)
}

func TestKeywordPointsRescoreWeighsRareTerms(t *testing.T) {
	stats := corpusstats.NewStats("tech_corp")
	docs := []corpusstats.Document{
		{ID: "d1", Text: "kubernetes cluster orchestration runtime"},
	}
	for _, id := range []string{"d2", "d3", "d4", "d5", "d6", "d7", "d8"} {
		docs = append(docs, corpusstats.Document{ID: id, Text: "general handbook operations chapter"})
	}
	stats.Update(docs)

	results := []models.SearchResult{
		rescoreFixture("common", 0.5, "the handbook for new operators", ""),
		rescoreFixture("rare", 0.5, "kubernetes setup walkthrough", ""),
	}
	out := keywordPointsRescore("kubernetes handbook", stats, results)

	require.Len(t, out, 2)
	assert.Equal(t, "rare", out[0].ID, "matching the rarer term earns more points")
	assert.Greater(t, out[0].Score, out[1].Score)
	assert.Greater(t, out[1].Score, 0.5, "the common match still earns something")
}

func TestKeywordPointsRescoreNoQueryTokens(t *testing.T) {
	results := []models.SearchResult{rescoreFixture("a", 0.5, "anything", "")}
	out := keywordPointsRescore("of the", nil, results)
	assert.InDelta(t, 0.5, out[0].Score, 1e-12, "stop-word-only queries rescore nothing")
}

func TestDomainlessRescoreFavorsCoverageAndProximity(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, Deps{})

	results := []models.SearchResult{
		rescoreFixture("plain", 0.5, "storage layout guide", ""),
		rescoreFixture("titled", 0.5, "storage layout guide", "Database Replication"),
		rescoreFixture("partial", 0.5, "database indexes and storage layout", ""),
		rescoreFixture("full", 0.5, "database replication strategies overview", ""),
	}
	out := o.domainlessRescore(context.Background(), "tech_corp", "database replication", nil, results)

	require.Len(t, out, 4)
	assert.Equal(t, "full", out[0].ID, "full coverage with adjacent terms wins")
	assert.Equal(t, "partial", out[1].ID)
	assert.Equal(t, "titled", out[2].ID, "a title hit still beats no hit at all")
	assert.Equal(t, "plain", out[3].ID)

	// coverage 1.0 and adjacent proximity: 0.5 * (1 + 0.15 + 0.10)
	assert.InDelta(t, 0.625, out[0].Score, 1e-9)
	// coverage 0.5 only: 0.5 * 1.075
	assert.InDelta(t, 0.5375, out[1].Score, 1e-9)
	// title field hit only: 0.5 * 1.05
	assert.InDelta(t, 0.525, out[2].Score, 1e-9)
	assert.InDelta(t, 0.5, out[3].Score, 1e-9)

	for _, r := range out {
		assert.InDelta(t, 0.5, r.OriginalScore, 1e-9, "pre-rescore score is preserved")
	}
}

func TestDomainlessRescoreCapsAtOne(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, Deps{})

	results := []models.SearchResult{
		rescoreFixture("hot", 0.9, "database replication strategies", ""),
	}
	out := o.domainlessRescore(context.Background(), "tech_corp", "database replication", nil, results)
	assert.InDelta(t, 1.0, out[0].Score, 1e-9)
	assert.InDelta(t, 0.9, out[0].OriginalScore, 1e-9)
}

func TestDomainlessRescoreExclusivityPenalty(t *testing.T) {
	stats := corpusstats.NewStats("tech_corp")
	docs := []corpusstats.Document{
		{ID: "d1", Text: "kubernetes cluster orchestration runtime"},
		{ID: "d2", Text: "terraform infrastructure provisioning plans"},
	}
	for _, id := range []string{"d3", "d4", "d5", "d6", "d7", "d8"} {
		docs = append(docs, corpusstats.Document{ID: id, Text: "general platform operations handbook"})
	}
	stats.Update(docs)

	o := newTestOrchestrator(t, Config{}, Deps{})
	input := []models.SearchResult{
		rescoreFixture("k8s-only", 0.5, "kubernetes deployment walkthrough", ""),
	}

	withStats := o.domainlessRescore(context.Background(), "tech_corp", "kubernetes terraform", stats, input)
	noStats := o.domainlessRescore(context.Background(), "tech_corp", "kubernetes terraform", nil, input)

	// Missing a rare, unrelated group costs the chunk part of its boost:
	// 0.5 * 1.075 * (1 - 0.25*0.5) versus the penalty-free 0.5 * 1.075.
	assert.InDelta(t, 0.4703125, withStats[0].Score, 1e-9)
	assert.InDelta(t, 0.5375, noStats[0].Score, 1e-9)
	assert.Less(t, withStats[0].Score, noStats[0].Score)
}

func TestSynonymGroupsExpandAliases(t *testing.T) {
	aliases := fakeAliases{clusters: map[string]corpusstats.Cluster{
		"database": {Center: "database", Members: []string{"database", "postgres", "rdbms"}},
	}}
	o := newTestOrchestrator(t, Config{}, Deps{Aliases: aliases})

	groups := o.synonymGroups(context.Background(), "tech_corp", "database replication", nil)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"database", "postgres", "rdbms"}, groups[0])
	assert.Equal(t, []string{"replication"}, groups[1], "unclustered seeds stay singletons")
}

func TestSynonymGroupsCapSeeds(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, Deps{})

	groups := o.synonymGroups(context.Background(), "tech_corp",
		"kafka debezium flink iceberg trino clickhouse", nil)
	assert.Len(t, groups, maxSynonymGroups)
}

func TestDomainlessRescoreMatchesAliasedContent(t *testing.T) {
	aliases := fakeAliases{clusters: map[string]corpusstats.Cluster{
		"database": {Center: "database", Members: []string{"database", "postgres"}},
	}}
	o := newTestOrchestrator(t, Config{}, Deps{Aliases: aliases})

	results := []models.SearchResult{
		rescoreFixture("literal", 0.5, "replication setup notes", ""),
		rescoreFixture("aliased", 0.5, "postgres replication setup", ""),
	}
	out := o.domainlessRescore(context.Background(), "tech_corp", "database replication", nil, results)

	assert.Equal(t, "aliased", out[0].ID, "an alias member counts as group coverage")
	assert.Greater(t, out[0].Score, out[1].Score)
}

func TestSearchDomainlessRankingReordersResults(t *testing.T) {
	store := &fakeVectorStore{points: []vectordb.Point{
		storedPoint("plain", 0.8, "doc-plain", "storage layout guide"),
		storedPoint("partial", 0.8, "doc-partial", "database indexes overview"),
		storedPoint("full", 0.8, "doc-full", "database replication strategies"),
	}}

	o := newTestOrchestrator(t, Config{
		Flags: config.FeatureFlags{FeaturesEnabled: true, DomainlessRanking: true},
	}, Deps{
		Tenants: staticTenants{cfg: permissiveTenant(func(c *config.TenantConfig) {
			c.Guardrail.Enabled = false
		})},
		Vector: store,
	})

	resp, err := o.Search(context.Background(), "chunks",
		models.SearchRequest{Query: "database replication"}, searchUser())
	require.NoError(t, err)

	require.Len(t, resp.FinalResults, 3)
	assert.Equal(t, "full", resp.FinalResults[0].ID)
	assert.Equal(t, "partial", resp.FinalResults[1].ID)
	assert.Equal(t, "plain", resp.FinalResults[2].ID)
}
