package search

import (
	"context"
	"sort"

	"github.com/lodestone-ai/lodestone/internal/corpusstats"
	"github.com/lodestone-ai/lodestone/internal/models"
	"github.com/lodestone-ai/lodestone/internal/textproc"
)

// Domainless rescoring weights. The multiplicative boost tops out at 1.30x
// for a chunk hitting full coverage, a title match, and adjacent proximity;
// the exclusivity penalty can take up to 25% off. Scores stay capped at 1.0.
const (
	coverageWeight    = 0.15
	fieldBoostWeight  = 0.05
	proximityWeight   = 0.10
	exclusivityWeight = 0.25
	maxSynonymGroups  = 4

	// keywordPointsGain scales the post-fusion lexical bonus; the bonus
	// shrinks as the score approaches 1 so it cannot overflow.
	keywordPointsGain = 0.2
)

// domainlessRescore re-scores fused candidates with corpus-level features:
// synonym-group coverage, title field hits, term proximity, and an
// exclusivity penalty for chunks missing rare groups. Candidates re-sort on
// the adjusted score with the fusion tie-break.
func (o *Orchestrator) domainlessRescore(ctx context.Context, tenantID, query string, stats *corpusstats.Stats, results []models.SearchResult) []models.SearchResult {
	if len(results) == 0 {
		return results
	}
	groups := o.synonymGroups(ctx, tenantID, query, stats)
	if len(groups) == 0 {
		return results
	}

	out := make([]models.SearchResult, len(results))
	copy(out, results)
	for i := range out {
		title := out[i].Title()
		feats := corpusstats.ComputeFeatures(out[i].Content, title, groups)
		boost := 1 + coverageWeight*feats.Coverage + fieldBoostWeight*feats.FieldBoost + proximityWeight*feats.Proximity

		penalty := 0.0
		if stats != nil {
			present := groupPresence(out[i].Content, title, groups)
			penalty = corpusstats.ExclusivityPenalty(stats, groups, present, corpusstats.DefaultExclusivityMinIDF)
		}

		score := out[i].Score * boost * (1 - exclusivityWeight*penalty)
		if score > 1 {
			score = 1
		}
		out[i].OriginalScore = out[i].Score
		out[i].Score = score
	}
	sortRescored(out)
	return out
}

// synonymGroups builds the query's term groups: extracted phrases plus the
// tokens outside any phrase, each expanded through the alias resolver when
// one is wired.
func (o *Orchestrator) synonymGroups(ctx context.Context, tenantID, query string, stats *corpusstats.Stats) [][]string {
	kp := corpusstats.ExtractKeyphrases(query, stats, 0, 0)

	inPhrase := make(map[string]struct{})
	seeds := make([]string, 0, len(kp.Phrases)+len(kp.Tokens))
	for _, phrase := range kp.Phrases {
		seeds = append(seeds, phrase)
		for _, tok := range textproc.Tokenize(phrase) {
			inPhrase[tok] = struct{}{}
		}
	}
	for _, tok := range kp.Tokens {
		if _, ok := inPhrase[tok]; !ok {
			seeds = append(seeds, tok)
		}
	}
	if len(seeds) > maxSynonymGroups {
		seeds = seeds[:maxSynonymGroups]
	}

	groups := make([][]string, 0, len(seeds))
	for _, seed := range seeds {
		if o.deps.Aliases != nil {
			cluster := o.deps.Aliases.Resolve(ctx, tenantID, seed)
			if len(cluster.Members) > 0 {
				groups = append(groups, cluster.Members)
				continue
			}
		}
		groups = append(groups, []string{seed})
	}
	return groups
}

// groupPresence reports, per group, whether any member term appears in the
// chunk's content or title.
func groupPresence(content, title string, groups [][]string) []bool {
	tokens := textproc.TokenSet(content)
	for tok := range textproc.TokenSet(title) {
		tokens[tok] = struct{}{}
	}
	present := make([]bool, len(groups))
	for gi, group := range groups {
		for _, member := range group {
			hit := false
			for _, tok := range textproc.Tokenize(member) {
				if _, ok := tokens[tok]; ok {
					hit = true
					break
				}
			}
			if hit {
				present[gi] = true
				break
			}
		}
	}
	return present
}

// keywordPointsRescore adds a bounded lexical bonus after fusion: the
// IDF-weighted fraction of query terms a chunk carries, scaled into the
// remaining headroom below 1.0.
func keywordPointsRescore(query string, stats *corpusstats.Stats, results []models.SearchResult) []models.SearchResult {
	tokens := textproc.Tokenize(query)
	if len(tokens) == 0 || len(results) == 0 {
		return results
	}

	idf := func(term string) float64 {
		if stats == nil {
			return 1
		}
		if v := stats.IDFOf(term); v > 0 {
			return v
		}
		return 1
	}
	var total float64
	for _, tok := range tokens {
		total += idf(tok)
	}
	if total == 0 {
		return results
	}

	out := make([]models.SearchResult, len(results))
	copy(out, results)
	for i := range out {
		chunkTokens := textproc.TokenSet(out[i].Content)
		var matched float64
		for _, tok := range tokens {
			if _, ok := chunkTokens[tok]; ok {
				matched += idf(tok)
			}
		}
		points := matched / total
		out[i].Score += keywordPointsGain * points * (1 - out[i].Score)
	}
	sortRescored(out)
	return out
}

// sortRescored re-sorts on the adjusted score, breaking ties on higher raw
// channel score then lexicographic id, the same order fusion guarantees.
func sortRescored(results []models.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		ri, rj := rawChannelScore(&results[i]), rawChannelScore(&results[j])
		if ri != rj {
			return ri > rj
		}
		return results[i].ID < results[j].ID
	})
}

func rawChannelScore(r *models.SearchResult) float64 {
	if r.VectorScore >= r.KeywordScore {
		return r.VectorScore
	}
	return r.KeywordScore
}
