package section

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/models"
	"github.com/lodestone-ai/lodestone/internal/vectordb"
)

type fakeScroller struct {
	mu          sync.Mutex
	calls       int
	params      []vectordb.ScrollParams
	points      []vectordb.Point
	err         error
	sawDeadline bool
}

func (f *fakeScroller) Scroll(ctx context.Context, _ string, params vectordb.ScrollParams) (*vectordb.ScrollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.params = append(f.params, params)
	if _, ok := ctx.Deadline(); ok {
		f.sawDeadline = true
	}
	if f.err != nil {
		return nil, f.err
	}
	return &vectordb.ScrollResult{Points: f.points}, nil
}

func (f *fakeScroller) lastParams() vectordb.ScrollParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[len(f.params)-1]
}

func fragmentPayload(docID, sectionPath, content string) map[string]interface{} {
	return map[string]interface{}{
		models.PayloadKeyDocID:       docID,
		models.PayloadKeySectionPath: sectionPath,
		models.PayloadKeyContent:     content,
	}
}

// fragmentedResults returns part_0 and part_2 of doc1/block_9 plus one
// unrelated chunk: the missing_sequential_part shape.
func fragmentedResults() []models.SearchResult {
	return []models.SearchResult{
		{
			ID: "chunk1", Score: 0.9, Rank: 1,
			SearchType: models.SearchTypeHybrid,
			Content:    "part zero text",
			Payload:    fragmentPayload("doc1", "block_9/part_0", "part zero text"),
		},
		{
			ID: "chunk2", Score: 0.7, Rank: 2,
			SearchType: models.SearchTypeHybrid,
			Content:    "part two text",
			Payload:    fragmentPayload("doc1", "block_9/part_2", "part two text"),
		},
		{
			ID: "chunk3", Score: 0.5, Rank: 3,
			SearchType: models.SearchTypeVectorOnly,
			Content:    "unrelated",
			Payload:    map[string]interface{}{models.PayloadKeyDocID: "doc9"},
		},
	}
}

func newReconstructor(store Scroller, mutate func(*Config)) *Reconstructor {
	cfg := Config{Enabled: true}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, store, zap.NewNop())
}

func testParams() Params {
	return Params{
		Collection: "chunks",
		TenantID:   "tech_corp",
		Principals: []string{"general", "public"},
	}
}

func TestParseSectionPath(t *testing.T) {
	base, part, isBase, ok := parseSectionPath("block_9")
	require.True(t, ok)
	assert.Equal(t, "block_9", base)
	assert.Equal(t, 0, part)
	assert.True(t, isBase)

	base, part, isBase, ok = parseSectionPath("block_9/part_2")
	require.True(t, ok)
	assert.Equal(t, "block_9", base)
	assert.Equal(t, 2, part)
	assert.False(t, isBase)

	for _, bad := range []string{"", "intro", "block_x/part_1", "block_9/part_x", "block_9/part_1/sub_2", "block_9 /part_1"} {
		_, _, _, ok := parseSectionPath(bad)
		assert.False(t, ok, "path %q should not parse", bad)
	}
}

func TestReconstructMissingSequentialPart(t *testing.T) {
	store := &fakeScroller{points: []vectordb.Point{
		{
			ID:      "chunk-missing",
			Payload: fragmentPayload("doc1", "block_9/part_1", "part one text"),
		},
		{
			// Token-level text match can return a neighboring section;
			// the exact base check must drop it.
			ID:      "chunk-foreign",
			Payload: fragmentPayload("doc1", "block_90/part_1", "foreign text"),
		},
	}}
	r := newReconstructor(store, nil)

	out := r.Process(context.Background(), fragmentedResults(), testParams())

	require.Len(t, out, 2, "two fragments collapse into one section, unrelated chunk stays")
	section := out[0]
	assert.Equal(t, "section_doc1_block_9", section.ID)
	assert.Equal(t, models.SearchTypeSectionReconstructed, section.SearchType)
	assert.Equal(t, "part zero text\n\npart one text\n\npart two text", section.Content,
		"parts must merge in ascending part order")

	// weighted_average with weights 1/rank: (0.9·1 + 0.7·0.5) / 1.5
	assert.InDelta(t, 1.25/1.5, section.Score, 1e-9)
	assert.Equal(t, TriggerMissingSequentialPart, models.PayloadString(section.Payload, PayloadKeyTrigger))
	assert.Equal(t, 0.8, section.Payload[PayloadKeyConfidence])
	assert.Equal(t, 3, section.Payload[PayloadKeyPartCount])
	assert.Equal(t, "block_9", section.SectionPath())
	assert.Equal(t, "doc1", section.DocID())

	assert.Equal(t, "chunk3", out[1].ID)
	assert.Equal(t, 1, out[0].Rank)
	assert.Equal(t, 2, out[1].Rank)
}

func TestFetchCarriesAccessFilterAndExclusions(t *testing.T) {
	store := &fakeScroller{}
	r := newReconstructor(store, nil)

	r.Process(context.Background(), fragmentedResults(), testParams())

	require.Equal(t, 1, store.calls)
	params := store.lastParams()
	assert.Equal(t, 10, params.Limit)
	assert.True(t, params.WithPayload)
	assert.True(t, store.sawDeadline, "sibling fetches must run under their own deadline")

	filter := params.Filter
	require.NotNil(t, filter)
	require.Len(t, filter.Must, 4)
	assert.Equal(t, models.PayloadKeyTenant, filter.Must[0].Key)
	assert.Equal(t, "tech_corp", filter.Must[0].Match.Value)
	assert.Equal(t, models.PayloadKeyACL, filter.Must[1].Key)
	assert.Equal(t, []string{"general", "public"}, filter.Must[1].Match.Any)
	assert.Equal(t, models.PayloadKeyDocID, filter.Must[2].Key)
	assert.Equal(t, "doc1", filter.Must[2].Match.Value)
	assert.Equal(t, models.PayloadKeySectionPath, filter.Must[3].Key)
	assert.Equal(t, "block_9", filter.Must[3].Match.Text)

	require.Len(t, filter.MustNot, 1)
	assert.ElementsMatch(t, []string{"chunk1", "chunk2"}, filter.MustNot[0].HasID)
}

func TestFetchFailureStillReconstructsFromRetrievedChunks(t *testing.T) {
	store := &fakeScroller{err: errors.New("scroll down")}
	r := newReconstructor(store, nil)

	out := r.Process(context.Background(), fragmentedResults(), testParams())

	require.Len(t, out, 2)
	section := out[0]
	assert.Equal(t, models.SearchTypeSectionReconstructed, section.SearchType)
	assert.Equal(t, "part zero text\n\npart two text", section.Content)
	assert.Equal(t, 2, section.Payload[PayloadKeyPartCount])
}

func TestTriggerMatrix(t *testing.T) {
	table := "| col a | col b |\n|---|---|\n| 1 | 2 |"

	cases := []struct {
		name    string
		results []models.SearchResult
		trigger string
	}{
		{
			name: "base and parts",
			results: []models.SearchResult{
				{ID: "a", Score: 0.8, Payload: fragmentPayload("d", "block_1", "base"), Content: "base"},
				{ID: "b", Score: 0.7, Payload: fragmentPayload("d", "block_1/part_1", "p1"), Content: "p1"},
			},
			trigger: TriggerBaseAndParts,
		},
		{
			name: "base only with table syntax",
			results: []models.SearchResult{
				{ID: "a", Score: 0.8, Payload: fragmentPayload("d", "block_1", table), Content: table},
			},
			trigger: TriggerBaseTableSyntax,
		},
		{
			name: "single part zero with table syntax",
			results: []models.SearchResult{
				{ID: "a", Score: 0.8, Payload: fragmentPayload("d", "block_1/part_0", table), Content: table},
			},
			trigger: TriggerSinglePart0Table,
		},
		{
			name: "single later part with table syntax",
			results: []models.SearchResult{
				{ID: "a", Score: 0.8, Payload: fragmentPayload("d", "block_1/part_3", table), Content: table},
			},
			trigger: TriggerTableSyntax,
		},
		{
			name: "contiguous parts",
			results: []models.SearchResult{
				{ID: "a", Score: 0.8, Payload: fragmentPayload("d", "block_1/part_0", "p0"), Content: "p0"},
				{ID: "b", Score: 0.7, Payload: fragmentPayload("d", "block_1/part_1", "p1"), Content: "p1"},
			},
			trigger: TriggerPartialStructure,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeScroller{}
			r := newReconstructor(store, nil)

			out := r.Process(context.Background(), tc.results, testParams())

			require.NotEmpty(t, out)
			section := out[0]
			require.Equal(t, models.SearchTypeSectionReconstructed, section.SearchType)
			assert.Equal(t, tc.trigger, models.PayloadString(section.Payload, PayloadKeyTrigger))
			assert.Equal(t, triggerConfidence[tc.trigger], section.Payload[PayloadKeyConfidence])
		})
	}
}

func TestNoTriggerCases(t *testing.T) {
	cases := []struct {
		name    string
		results []models.SearchResult
		mutate  func(*Config)
	}{
		{
			name: "single part without table syntax",
			results: []models.SearchResult{
				{ID: "a", Score: 0.8, Payload: fragmentPayload("d", "block_1/part_2", "plain prose"), Content: "plain prose"},
			},
		},
		{
			name: "best score under min proximity",
			results: []models.SearchResult{
				{ID: "a", Score: 0.4, Payload: fragmentPayload("d", "block_1/part_0", "p0"), Content: "p0"},
				{ID: "b", Score: 0.3, Payload: fragmentPayload("d", "block_1/part_2", "p2"), Content: "p2"},
			},
		},
		{
			name: "below min chunk count",
			results: []models.SearchResult{
				{ID: "a", Score: 0.8, Payload: fragmentPayload("d", "block_1/part_0", "p0"), Content: "p0"},
				{ID: "b", Score: 0.7, Payload: fragmentPayload("d", "block_1/part_2", "p2"), Content: "p2"},
			},
			mutate: func(c *Config) { c.MinChunks = 3 },
		},
		{
			name: "unparseable section paths",
			results: []models.SearchResult{
				{ID: "a", Score: 0.8, Payload: fragmentPayload("d", "intro", "text"), Content: "text"},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeScroller{}
			r := newReconstructor(store, tc.mutate)

			out := r.Process(context.Background(), tc.results, testParams())

			assert.Equal(t, tc.results, out, "list should come back untouched")
			assert.Zero(t, store.calls)
		})
	}
}

func TestDisabledPassesThrough(t *testing.T) {
	store := &fakeScroller{}
	r := New(Config{Enabled: false}, store, zap.NewNop())

	results := fragmentedResults()
	out := r.Process(context.Background(), results, testParams())

	assert.Equal(t, results, out)
	assert.Zero(t, store.calls)
}

func TestMergeStrategies(t *testing.T) {
	t.Run("append keeps originals and adds the section last", func(t *testing.T) {
		store := &fakeScroller{}
		r := newReconstructor(store, func(c *Config) { c.MergeStrategy = MergeAppend })

		out := r.Process(context.Background(), fragmentedResults(), testParams())

		require.Len(t, out, 4)
		assert.Equal(t, "chunk1", out[0].ID)
		assert.Equal(t, "chunk2", out[1].ID)
		assert.Equal(t, "chunk3", out[2].ID)
		assert.Equal(t, "section_doc1_block_9", out[3].ID)
		for i := range out {
			assert.Equal(t, i+1, out[i].Rank)
		}
	})

	t.Run("interleave keeps originals sorted by score", func(t *testing.T) {
		store := &fakeScroller{}
		r := newReconstructor(store, func(c *Config) { c.MergeStrategy = MergeInterleave })

		out := r.Process(context.Background(), fragmentedResults(), testParams())

		require.Len(t, out, 4)
		// section score (0.9 + 0.7/2)/1.5 ≈ 0.833 slots between chunk1 and chunk2
		assert.Equal(t, "chunk1", out[0].ID)
		assert.Equal(t, "section_doc1_block_9", out[1].ID)
		assert.Equal(t, "chunk2", out[2].ID)
		assert.Equal(t, "chunk3", out[3].ID)
	})
}

func TestCombinedScoreStrategies(t *testing.T) {
	members := []member{
		{result: models.SearchResult{Score: 0.9, Rank: 1}},
		{result: models.SearchResult{Score: 0.5, Rank: 2}},
		{result: models.SearchResult{Score: 0.7, Rank: 3}},
	}

	assert.InDelta(t, 0.7, combinedScore(members, ScoreAverage), 1e-9)
	assert.InDelta(t, 0.9, combinedScore(members, ScoreMax), 1e-9)
	assert.InDelta(t, 0.5, combinedScore(members, ScoreMin), 1e-9)
	// weights 1, 1/2, 1/3: (0.9 + 0.25 + 0.2333…) / 1.8333…
	assert.InDelta(t, (0.9+0.25+0.7/3)/(1+0.5+1.0/3), combinedScore(members, ScoreWeightedAverage), 1e-9)
	assert.Zero(t, combinedScore(nil, ScoreAverage))
}

func TestMergePayloadsUnionsArraysKeepsFirstScalar(t *testing.T) {
	all := []member{
		{result: models.SearchResult{Payload: map[string]interface{}{
			models.PayloadKeyTitle: "Part Zero",
			models.PayloadKeyACL:   []interface{}{"general"},
		}}},
		{result: models.SearchResult{Payload: map[string]interface{}{
			models.PayloadKeyTitle: "Part One",
			models.PayloadKeyACL:   []interface{}{"general", "engineering"},
		}}},
	}

	merged := mergePayloads(all)

	assert.Equal(t, "Part Zero", merged[models.PayloadKeyTitle], "first scalar occurrence wins")
	assert.Equal(t, []interface{}{"general", "engineering"}, merged[models.PayloadKeyACL])
}

func TestDedupeLines(t *testing.T) {
	in := "alpha\nbeta\nalpha\n\ngamma\n\nbeta"
	assert.Equal(t, "alpha\nbeta\n\ngamma\n", dedupeLines(in))
}

func TestHasGap(t *testing.T) {
	assert.True(t, hasGap([]int{0, 2}))
	assert.True(t, hasGap([]int{1, 4}))
	assert.False(t, hasGap([]int{0, 1, 2}))
	assert.False(t, hasGap([]int{2}))
	assert.False(t, hasGap(nil))
}

func TestFetchTimeoutConfig(t *testing.T) {
	r := New(Config{Enabled: true}, nil, zap.NewNop())
	assert.Equal(t, 2*time.Second, r.cfg.FetchTimeout)
	assert.Equal(t, 10, r.cfg.MaxChunksPerSection)
	assert.Equal(t, 0.6, r.cfg.MinProximity)
	assert.Equal(t, ScoreWeightedAverage, r.cfg.ScoreStrategy)
	assert.Equal(t, MergeReplace, r.cfg.MergeStrategy)
}
