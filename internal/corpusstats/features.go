package corpusstats

import (
	"sort"

	"github.com/lodestone-ai/lodestone/internal/textproc"
)

// Exclusivity defaults: a missing group is "exclusive" when it is rare and
// shows no statistical affinity with the terms the chunk does carry.
const (
	DefaultExclusivityMinIDF = 2.0
	DefaultExclusivityMaxPMI = 1.0
	DefaultExclusivityMaxCo  = 1
)

// GroupFeatures are the domainless ranking signals for one chunk against the
// query's synonym groups.
type GroupFeatures struct {
	// Coverage is the fraction of groups with at least one member present.
	Coverage float64 `json:"coverage"`
	// FieldBoost is 1 when any group member appears in the title field.
	FieldBoost float64 `json:"fieldBoost"`
	// Proximity in (0,1] rewards tight windows spanning all groups; 0 when
	// some group is absent.
	Proximity float64 `json:"proximity"`
}

// ComputeFeatures evaluates coverage, field boost, and proximity for a
// chunk's content and title against synonym groups.
func ComputeFeatures(content, title string, groups [][]string) GroupFeatures {
	var feats GroupFeatures
	if len(groups) == 0 {
		return feats
	}

	tokens := textproc.RawTokens(content)
	positions := make(map[string][]int, len(tokens))
	for i, tok := range tokens {
		positions[tok] = append(positions[tok], i)
	}
	titleSet := make(map[string]struct{})
	for _, tok := range textproc.RawTokens(title) {
		titleSet[tok] = struct{}{}
	}

	present := 0
	groupPositions := make([][]int, 0, len(groups))
	allPresent := true
	for _, group := range groups {
		var merged []int
		for _, member := range group {
			for _, tok := range textproc.RawTokens(member) {
				merged = append(merged, positions[tok]...)
			}
			if feats.FieldBoost == 0 {
				memberTokens := textproc.RawTokens(member)
				hit := len(memberTokens) > 0
				for _, tok := range memberTokens {
					if _, ok := titleSet[tok]; !ok {
						hit = false
						break
					}
				}
				if hit {
					feats.FieldBoost = 1
				}
			}
		}
		if len(merged) > 0 {
			present++
			groupPositions = append(groupPositions, merged)
		} else {
			allPresent = false
		}
	}
	feats.Coverage = float64(present) / float64(len(groups))

	if allPresent {
		feats.Proximity = proximityScore(groupPositions)
	}
	return feats
}

// proximityScore finds the minimal token window containing one position from
// every group and maps it to (0,1]: adjacent terms score 1, wider windows
// decay as groups/span.
func proximityScore(groupPositions [][]int) float64 {
	n := len(groupPositions)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return 1
	}

	type pos struct{ at, group int }
	var all []pos
	for g, list := range groupPositions {
		for _, p := range list {
			all = append(all, pos{at: p, group: g})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at < all[j].at })

	counts := make([]int, n)
	covered := 0
	best := -1
	left := 0
	for right := 0; right < len(all); right++ {
		if counts[all[right].group] == 0 {
			covered++
		}
		counts[all[right].group]++
		for covered == n {
			span := all[right].at - all[left].at + 1
			if best < 0 || span < best {
				best = span
			}
			counts[all[left].group]--
			if counts[all[left].group] == 0 {
				covered--
			}
			left++
		}
	}
	if best <= 0 {
		return 0
	}
	score := float64(n) / float64(best)
	if score > 1 {
		score = 1
	}
	return score
}

// ExclusivityPenalty scores how strongly the chunk's missing groups argue
// against it: missing groups that are rare (high IDF) and statistically
// unrelated to the present terms (low PMI, low co-occurrence) are treated as
// exclusive query intent the chunk cannot satisfy. Returns [0,1]; zero when
// coverage is complete or there are fewer than two groups.
func ExclusivityPenalty(stats *Stats, groups [][]string, present []bool, minIDF float64) float64 {
	if stats == nil || len(groups) < 2 || len(present) != len(groups) {
		return 0
	}
	if minIDF <= 0 {
		minIDF = DefaultExclusivityMinIDF
	}

	var presentReps []string
	missing := 0
	for i, ok := range present {
		if ok {
			if len(groups[i]) > 0 {
				presentReps = append(presentReps, groups[i][0])
			}
		} else {
			missing++
		}
	}
	if missing == 0 || len(presentReps) == 0 {
		return 0
	}

	exclusive := 0
	for i, ok := range present {
		if ok || len(groups[i]) == 0 {
			continue
		}
		rep := groups[i][0]
		if stats.IDFOf(rep) < minIDF {
			continue
		}
		related := false
		for _, pr := range presentReps {
			if stats.PMI(rep, pr) > DefaultExclusivityMaxPMI ||
				stats.CoCount(rep, pr) > DefaultExclusivityMaxCo {
				related = true
				break
			}
		}
		if !related {
			exclusive++
		}
	}
	return float64(exclusive) / float64(len(groups))
}
