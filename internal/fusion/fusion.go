// Package fusion merges the vector and keyword candidate lists into a single
// ordering. Strategies differ in how channel scores and ranks combine; all of
// them are deterministic, ties break on higher original channel score and
// then lexicographic id.
package fusion

import (
	"math"
	"sort"
	"time"

	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/models"
)

// Fusion strategies.
const (
	StrategyScoreWeightedRRF = "score_weighted_rrf"
	StrategyWeightedAverage  = "weighted_average"
	StrategyMaxConfidence    = "max_confidence"
	StrategyRRF              = "rrf"
)

// Score normalization methods.
const (
	NormMinMax = "minmax"
	NormZScore = "zscore"
	NormNone   = "none"
)

const (
	defaultVectorWeight  = 0.7
	defaultKeywordWeight = 0.3
	defaultRRFK          = 60
	// Rank contribution of the score_weighted_rrf strategy.
	rrfBlend = 0.1
)

// Options selects the strategy, weights, and normalization for one fusion.
type Options struct {
	Strategy      string
	Normalization string
	VectorWeight  float64
	KeywordWeight float64
	RRFK          int
	// Adaptive marks that the weights were adjusted per query; recorded in
	// the trace only.
	Adaptive bool
	// Trace enables the per-candidate debug trace.
	Trace bool
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = StrategyScoreWeightedRRF
	}
	if o.Normalization == "" {
		o.Normalization = NormMinMax
	}
	if o.VectorWeight == 0 && o.KeywordWeight == 0 {
		o.VectorWeight = defaultVectorWeight
		o.KeywordWeight = defaultKeywordWeight
	}
	if o.RRFK <= 0 {
		o.RRFK = defaultRRFK
	}
	return o
}

// merged is one candidate's combined view of both channels. Rank 0 means the
// candidate was absent from that channel.
type merged struct {
	res          models.SearchResult
	vRank, kRank int
	rawV, rawK   float64
	normV, normK float64
	fused        float64
}

// Fuse combines the two channel orderings. Both inputs are expected in
// descending channel order; channel rank is taken from input position. The
// inputs are not mutated. The trace is nil unless opts.Trace is set.
func Fuse(vector, keyword []models.SearchResult, opts Options) ([]models.SearchResult, *models.FusionTrace) {
	start := time.Now()
	opts = opts.withDefaults()

	vNorms := normalizeScores(channelScores(vector), opts.Normalization)
	kNorms := normalizeScores(channelScores(keyword), opts.Normalization)

	byID := make(map[string]*merged, len(vector)+len(keyword))
	order := make([]*merged, 0, len(vector)+len(keyword))

	for i := range vector {
		r := vector[i].Clone()
		r.VectorScore = vector[i].Score
		m := &merged{res: r, vRank: i + 1, rawV: vector[i].Score, normV: vNorms[i]}
		byID[r.ID] = m
		order = append(order, m)
	}
	for i := range keyword {
		r := &keyword[i]
		if m, ok := byID[r.ID]; ok {
			m.kRank = i + 1
			m.rawK = r.Score
			m.normK = kNorms[i]
			m.res.KeywordScore = r.Score
			m.res.SearchType = models.SearchTypeHybrid
			if m.res.Content == "" {
				m.res.Content = r.Content
			}
			continue
		}
		clone := r.Clone()
		clone.KeywordScore = r.Score
		m := &merged{res: clone, kRank: i + 1, rawK: r.Score, normK: kNorms[i]}
		byID[clone.ID] = m
		order = append(order, m)
	}

	for _, m := range order {
		m.fused = fuseScore(opts, m)
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].fused != order[j].fused {
			return order[i].fused > order[j].fused
		}
		ri := math.Max(order[i].rawV, order[i].rawK)
		rj := math.Max(order[j].rawV, order[j].rawK)
		if ri != rj {
			return ri > rj
		}
		return order[i].res.ID < order[j].res.ID
	})

	results := make([]models.SearchResult, len(order))
	for i, m := range order {
		m.res.Score = m.fused
		m.res.FusionScore = m.fused
		m.res.Rank = i + 1
		results[i] = m.res
	}

	var trace *models.FusionTrace
	if opts.Trace {
		trace = buildTrace(opts, order)
	}
	ometrics.RecordStage("fusion", time.Since(start).Seconds())
	return results, trace
}

func fuseScore(opts Options, m *merged) float64 {
	switch opts.Strategy {
	case StrategyWeightedAverage:
		return opts.VectorWeight*m.normV + opts.KeywordWeight*m.normK
	case StrategyMaxConfidence:
		return math.Max(m.normV, m.normK)
	case StrategyRRF:
		var s float64
		if m.vRank > 0 {
			s += opts.VectorWeight / float64(opts.RRFK+m.vRank)
		}
		if m.kRank > 0 {
			s += opts.KeywordWeight / float64(opts.RRFK+m.kRank)
		}
		return s
	default: // score_weighted_rrf
		s := opts.VectorWeight*m.normV + opts.KeywordWeight*m.normK
		if m.vRank > 0 {
			s += rrfBlend / float64(opts.RRFK+m.vRank)
		}
		if m.kRank > 0 {
			s += rrfBlend / float64(opts.RRFK+m.kRank)
		}
		return s
	}
}

func channelScores(results []models.SearchResult) []float64 {
	scores := make([]float64, len(results))
	for i := range results {
		scores[i] = results[i].Score
	}
	return scores
}

// normalizeScores maps one channel's scores to [0,1]. Single-item and
// constant lists collapse to 0.5 so that one channel cannot dominate on a
// degenerate distribution (the safe-normalize rule). "none" passes raw
// scores through untouched.
func normalizeScores(scores []float64, method string) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	switch method {
	case NormNone:
		copy(out, scores)
	case NormZScore:
		mean, std := meanStd(scores)
		if len(scores) == 1 || std == 0 {
			for i := range out {
				out[i] = 0.5
			}
			return out
		}
		for i, s := range scores {
			out[i] = sigmoid((s - mean) / std)
		}
	default: // minmax
		lo, hi := scores[0], scores[0]
		for _, s := range scores[1:] {
			if s < lo {
				lo = s
			}
			if s > hi {
				hi = s
			}
		}
		if len(scores) == 1 || hi == lo {
			for i := range out {
				out[i] = 0.5
			}
			return out
		}
		for i, s := range scores {
			out[i] = (s - lo) / (hi - lo)
		}
	}
	return out
}

func meanStd(scores []float64) (float64, float64) {
	var sum float64
	for _, s := range scores {
		sum += s
	}
	mean := sum / float64(len(scores))
	var variance float64
	for _, s := range scores {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(scores))
	return mean, math.Sqrt(variance)
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func buildTrace(opts Options, order []*merged) *models.FusionTrace {
	trace := &models.FusionTrace{
		Strategy:      opts.Strategy,
		Normalization: opts.Normalization,
		VectorWeight:  opts.VectorWeight,
		KeywordWeight: opts.KeywordWeight,
		RRFK:          opts.RRFK,
		Adaptive:      opts.Adaptive,
		Candidates:    make([]models.FusionCandidateTrace, len(order)),
		ChannelRanks: map[string]map[string]int{
			"vector":  {},
			"keyword": {},
		},
	}
	for i, m := range order {
		trace.Candidates[i] = models.FusionCandidateTrace{
			ID:               m.res.ID,
			VectorRank:       m.vRank,
			KeywordRank:      m.kRank,
			NormVectorScore:  m.normV,
			NormKeywordScore: m.normK,
			FusedScore:       m.fused,
		}
		if m.vRank > 0 {
			trace.ChannelRanks["vector"][m.res.ID] = m.vRank
		}
		if m.kRank > 0 {
			trace.ChannelRanks["keyword"][m.res.ID] = m.kRank
		}
	}
	return trace
}

// DedupeByDocID keeps only the first (highest-ranked) candidate per owning
// document and reassigns ranks. Input order is preserved otherwise.
func DedupeByDocID(results []models.SearchResult) []models.SearchResult {
	if len(results) <= 1 {
		return results
	}
	seen := make(map[string]bool, len(results))
	out := results[:0]
	for i := range results {
		docID := results[i].DocID()
		if seen[docID] {
			continue
		}
		seen[docID] = true
		out = append(out, results[i])
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
