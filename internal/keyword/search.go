// Package keyword implements lexical retrieval: candidates come from a
// filtered scroll over the indexed store and are scored client-side with
// BM25-shaped term weighting backed by per-tenant corpus statistics.
package keyword

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/corpusstats"
	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/models"
	"github.com/lodestone-ai/lodestone/internal/textproc"
	"github.com/lodestone-ai/lodestone/internal/vectordb"
)

// Scoring constants. The base factor keeps single-term scores well under the
// cap so the boosts still differentiate.
const (
	baseFactor         = 0.3
	highValueIDF       = 2.0
	highValueBoost     = 1.2
	perfectCoverBoost  = 1.25
	coTermBoost        = 1.15
	coTermPMIThreshold = 1.0
	maxScore           = 1.0
)

// Scroller is the slice of the vector store client keyword search needs.
type Scroller interface {
	Scroll(ctx context.Context, collection string, params vectordb.ScrollParams) (*vectordb.ScrollResult, error)
}

// Params drives one keyword search.
type Params struct {
	Collection string
	Query      string
	Limit      int
	TenantID   string
	Principals []string
	SpaceIDs   []string
	// Domainless doubles the candidate fetch so feature re-scoring has
	// headroom.
	Domainless bool
}

// Searcher scores scrolled candidates against the tokenized query.
type Searcher struct {
	store  Scroller
	stats  *corpusstats.Store
	logger *zap.Logger
}

// New builds a searcher. stats may be nil; scoring then runs with neutral
// term importance.
func New(store Scroller, stats *corpusstats.Store, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{store: store, stats: stats, logger: logger}
}

// Search returns the top keyword candidates. A query with no surviving
// tokens returns empty without touching the store.
func (s *Searcher) Search(ctx context.Context, p Params) ([]models.SearchResult, error) {
	start := time.Now()
	tokens := textproc.Tokenize(p.Query)
	if len(tokens) == 0 {
		return nil, nil
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}

	filter := vectordb.BuildAccessFilter(p.TenantID, p.Principals, p.SpaceIDs)
	for _, tok := range tokens {
		filter.Should = append(filter.Should,
			vectordb.MatchText(models.PayloadKeyContent, tok),
			vectordb.MatchText(models.PayloadKeyTitle, tok),
		)
	}

	fetchLimit := p.Limit
	if p.Domainless {
		fetchLimit *= 2
	}

	res, err := s.store.Scroll(ctx, p.Collection, vectordb.ScrollParams{
		Filter:      filter,
		Limit:       fetchLimit,
		WithPayload: true,
	})
	if err != nil {
		ometrics.KeywordSearches.WithLabelValues(p.Collection, "error").Inc()
		return nil, err
	}

	var stats *corpusstats.Stats
	if s.stats != nil {
		if loaded, serr := s.stats.Get(p.TenantID); serr == nil {
			stats = loaded
		} else {
			s.logger.Warn("Keyword scoring without corpus stats",
				zap.String("tenant", p.TenantID), zap.Error(serr))
		}
	}

	results := make([]models.SearchResult, 0, len(res.Points))
	for _, point := range res.Points {
		score := scoreChunk(tokens, point.Payload, stats)
		if score <= 0 {
			continue
		}
		results = append(results, models.SearchResult{
			ID:           point.ID,
			Score:        score,
			KeywordScore: score,
			SearchType:   models.SearchTypeKeywordOnly,
			Content:      models.PayloadString(point.Payload, models.PayloadKeyContent),
			Payload:      point.Payload,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > p.Limit {
		results = results[:p.Limit]
	}
	for i := range results {
		results[i].Rank = i + 1
	}

	ometrics.KeywordSearches.WithLabelValues(p.Collection, "ok").Inc()
	ometrics.RecordStage("keyword_search", time.Since(start).Seconds())
	return results, nil
}

// scoreChunk sums tf × idf × base over the query terms present in the chunk,
// multiplies in the boosts, and caps at 1.0.
func scoreChunk(tokens []string, payload map[string]interface{}, stats *corpusstats.Stats) float64 {
	content := models.PayloadString(payload, models.PayloadKeyContent)
	title := models.PayloadString(payload, models.PayloadKeyTitle)

	freq := make(map[string]int)
	for _, tok := range textproc.RawTokens(content) {
		freq[tok]++
	}
	for _, tok := range textproc.RawTokens(title) {
		freq[tok]++
	}

	idfOf := func(term string) float64 {
		if stats == nil {
			return 1
		}
		return stats.IDFOf(term)
	}

	var score float64
	var present []string
	highValueHit := false
	for _, tok := range tokens {
		tf := freq[tok]
		if tf == 0 {
			continue
		}
		present = append(present, tok)
		idf := idfOf(tok)
		if idf >= highValueIDF {
			highValueHit = true
		}
		score += float64(tf) * idf * baseFactor
	}
	if score == 0 {
		return 0
	}

	if highValueHit {
		score *= highValueBoost
	}
	if len(present) == len(tokens) {
		score *= perfectCoverBoost
	}
	if stats != nil && coTermPresent(present, stats) {
		score *= coTermBoost
	}

	if score > maxScore {
		score = maxScore
	}
	return score
}

// coTermPresent reports whether any present pair is statistically associated
// in the tenant corpus.
func coTermPresent(present []string, stats *corpusstats.Stats) bool {
	for i := 0; i < len(present); i++ {
		for j := i + 1; j < len(present); j++ {
			if stats.PMI(present[i], present[j]) >= coTermPMIThreshold {
				return true
			}
		}
	}
	return false
}
