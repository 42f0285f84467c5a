// Package section detects fragmented structured sections in the fused result
// list, fetches the missing sibling chunks, and replaces the fragments with a
// single reconstructed candidate.
package section

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/models"
	"github.com/lodestone-ai/lodestone/internal/vectordb"
)

// Combined-score strategies for the reconstructed candidate.
const (
	ScoreAverage         = "average"
	ScoreMax             = "max"
	ScoreMin             = "min"
	ScoreWeightedAverage = "weighted_average"
)

// Merge-back strategies for the main result list.
const (
	MergeReplace    = "replace"
	MergeAppend     = "append"
	MergeInterleave = "interleave"
)

// Payload keys added to reconstructed candidates.
const (
	PayloadKeyTrigger    = "sectionTrigger"
	PayloadKeyConfidence = "sectionConfidence"
	PayloadKeyPartCount  = "sectionPartCount"
)

// Config controls detection thresholds, sibling fetches, and merging.
type Config struct {
	Enabled             bool          `yaml:"enabled" json:"enabled"`
	MinProximity        float64       `yaml:"min_proximity" json:"minProximity"`
	MinChunks           int           `yaml:"min_chunks" json:"minChunks"`
	MaxChunksPerSection int           `yaml:"max_chunks_per_section" json:"maxChunksPerSection"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout" json:"fetchTimeout"`
	ScoreStrategy       string        `yaml:"score_strategy" json:"scoreStrategy"`
	MergeStrategy       string        `yaml:"merge_strategy" json:"mergeStrategy"`
	DedupeLines         bool          `yaml:"dedupe_lines" json:"dedupeLines"`
}

func (c Config) withDefaults() Config {
	if c.MinProximity <= 0 {
		c.MinProximity = 0.6
	}
	if c.MinChunks <= 0 {
		c.MinChunks = 1
	}
	if c.MaxChunksPerSection <= 0 {
		c.MaxChunksPerSection = 10
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 2 * time.Second
	}
	if c.ScoreStrategy == "" {
		c.ScoreStrategy = ScoreWeightedAverage
	}
	if c.MergeStrategy == "" {
		c.MergeStrategy = MergeReplace
	}
	return c
}

// Scroller is the slice of the vector store client sibling fetches need.
type Scroller interface {
	Scroll(ctx context.Context, collection string, params vectordb.ScrollParams) (*vectordb.ScrollResult, error)
}

// Params carries the caller identity so sibling fetches stay inside the
// caller's access scope.
type Params struct {
	Collection string
	TenantID   string
	Principals []string
}

// Reconstructor runs detection, fetch, and merge for one result list.
type Reconstructor struct {
	cfg    Config
	store  Scroller
	logger *zap.Logger
}

// New builds a reconstructor. A nil store disables sibling fetches; detection
// and merging still run on the chunks already in hand.
func New(cfg Config, store Scroller, logger *zap.Logger) *Reconstructor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconstructor{cfg: cfg.withDefaults(), store: store, logger: logger}
}

// Process returns the result list with triggered section groups reconstructed
// and merged back. Fetch failures degrade to reconstructing from the chunks
// already retrieved; they never fail the query.
func (r *Reconstructor) Process(ctx context.Context, results []models.SearchResult, p Params) []models.SearchResult {
	if r == nil || !r.cfg.Enabled || len(results) == 0 {
		return results
	}

	type triggered struct {
		g          *group
		reason     string
		confidence float64
	}
	var hits []triggered
	for _, g := range detectGroups(results) {
		reason, confidence := evaluate(g, r.cfg.MinProximity, r.cfg.MinChunks)
		if reason == "" {
			continue
		}
		hits = append(hits, triggered{g: g, reason: reason, confidence: confidence})
	}
	if len(hits) == 0 {
		return results
	}

	fetched := make([][]member, len(hits))
	var wg sync.WaitGroup
	for i := range hits {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fetched[i] = r.fetchSiblings(ctx, hits[i].g, p)
		}(i)
	}
	wg.Wait()

	sections := make([]models.SearchResult, 0, len(hits))
	consumed := make(map[string]bool)
	for i, hit := range hits {
		section := r.reconstruct(hit.g, fetched[i], hit.reason, hit.confidence)
		sections = append(sections, section)
		for _, id := range hit.g.memberIDs() {
			consumed[id] = true
		}
		ometrics.SectionReconstructions.WithLabelValues(hit.reason).Inc()
		r.logger.Debug("Section reconstructed",
			zap.String("docId", hit.g.docID),
			zap.String("base", hit.g.base),
			zap.String("trigger", hit.reason),
			zap.Int("fetched", len(fetched[i])))
	}

	return mergeBack(results, sections, consumed, r.cfg.MergeStrategy)
}

// fetchSiblings scrolls for the group's remaining chunks under the caller's
// access filter. Errors and timeouts return nil.
func (r *Reconstructor) fetchSiblings(ctx context.Context, g *group, p Params) []member {
	if r.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	access := vectordb.BuildAccessFilter(p.TenantID, p.Principals, nil)
	filter := vectordb.SectionFilter(access, g.docID, g.base, g.memberIDs())
	res, err := r.store.Scroll(ctx, p.Collection, vectordb.ScrollParams{
		Filter:      filter,
		Limit:       r.cfg.MaxChunksPerSection,
		WithPayload: true,
	})
	if err != nil {
		ometrics.SectionFetchFailures.Inc()
		r.logger.Warn("Section sibling fetch failed",
			zap.String("docId", g.docID),
			zap.String("base", g.base),
			zap.Error(err))
		return nil
	}

	var out []member
	for _, point := range res.Points {
		// The store's text match is token-based and can over-match
		// (block_9 vs block_90); re-check the exact base here.
		base, part, isBase, ok := parseSectionPath(models.PayloadString(point.Payload, models.PayloadKeySectionPath))
		if !ok || base != g.base {
			continue
		}
		out = append(out, member{
			result: models.SearchResult{
				ID:         point.ID,
				SearchType: models.SearchTypeSectionRelated,
				Content:    models.PayloadString(point.Payload, models.PayloadKeyContent),
				Payload:    point.Payload,
			},
			part:   part,
			isBase: isBase,
		})
	}
	return out
}

// reconstruct merges the group members and fetched siblings into one
// candidate ordered by part index.
func (r *Reconstructor) reconstruct(g *group, siblings []member, reason string, confidence float64) models.SearchResult {
	all := make([]member, 0, len(g.members)+len(siblings))
	all = append(all, g.members...)
	all = append(all, siblings...)
	sortMembers(all)

	texts := make([]string, 0, len(all))
	for _, m := range all {
		if m.result.Content != "" {
			texts = append(texts, m.result.Content)
		}
	}
	text := strings.Join(texts, "\n\n")
	if r.cfg.DedupeLines {
		text = dedupeLines(text)
	}

	payload := mergePayloads(all)
	payload[models.PayloadKeyDocID] = g.docID
	payload[models.PayloadKeySectionPath] = g.base
	payload[PayloadKeyTrigger] = reason
	payload[PayloadKeyConfidence] = confidence
	payload[PayloadKeyPartCount] = len(all)

	score := combinedScore(g.members, r.cfg.ScoreStrategy)
	return models.SearchResult{
		ID:          fmt.Sprintf("section_%s_%s", g.docID, g.base),
		Score:       score,
		FusionScore: score,
		SearchType:  models.SearchTypeSectionReconstructed,
		Content:     text,
		Payload:     payload,
	}
}

// combinedScore folds the original members' retrieval scores; fetched
// siblings carry no score and are excluded.
func combinedScore(members []member, strategy string) float64 {
	if len(members) == 0 {
		return 0
	}
	switch strategy {
	case ScoreMax:
		best := members[0].result.Score
		for _, m := range members[1:] {
			if m.result.Score > best {
				best = m.result.Score
			}
		}
		return best
	case ScoreMin:
		worst := members[0].result.Score
		for _, m := range members[1:] {
			if m.result.Score < worst {
				worst = m.result.Score
			}
		}
		return worst
	case ScoreAverage:
		var sum float64
		for _, m := range members {
			sum += m.result.Score
		}
		return sum / float64(len(members))
	default: // weighted_average, weight = 1/rank
		var sum, weights float64
		for i, m := range members {
			rank := m.result.Rank
			if rank <= 0 {
				rank = i + 1
			}
			w := 1 / float64(rank)
			sum += m.result.Score * w
			weights += w
		}
		if weights == 0 {
			return 0
		}
		return sum / weights
	}
}

// mergePayloads folds chunk payloads in part order: scalars keep the first
// occurrence, arrays union across all occurrences.
func mergePayloads(all []member) map[string]interface{} {
	merged := make(map[string]interface{})
	for _, m := range all {
		for k, v := range m.result.Payload {
			existing, ok := merged[k]
			if !ok {
				merged[k] = v
				continue
			}
			ea, eok := toSlice(existing)
			va, vok := toSlice(v)
			if eok && vok {
				merged[k] = unionSlices(ea, va)
			}
		}
	}
	return merged
}

func toSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []string:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

func unionSlices(a, b []interface{}) []interface{} {
	seen := make(map[interface{}]bool, len(a)+len(b))
	out := make([]interface{}, 0, len(a)+len(b))
	for _, v := range append(a, b...) {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// mergeBack folds reconstructed sections into the main list. replace drops
// the consumed fragments; append keeps everything and adds sections at the
// end; interleave keeps everything and re-sorts by score.
func mergeBack(results, sections []models.SearchResult, consumed map[string]bool, strategy string) []models.SearchResult {
	var out []models.SearchResult
	switch strategy {
	case MergeAppend:
		out = append(out, results...)
		out = append(out, sections...)
	case MergeInterleave:
		out = append(out, results...)
		out = append(out, sections...)
		sortByScore(out)
	default: // replace
		for i := range results {
			if consumed[results[i].ID] {
				continue
			}
			out = append(out, results[i])
		}
		out = append(out, sections...)
		sortByScore(out)
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func sortByScore(results []models.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}
