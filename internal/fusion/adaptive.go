package fusion

import (
	"github.com/lodestone-ai/lodestone/internal/textproc"
)

// Adaptive weighting thresholds. A short query carrying at least one rare
// term is treated as lexically distinctive and leans on the keyword channel;
// long prose without rare terms leans on the vector channel.
const (
	adaptiveRareIDF   = 2.0
	shortQueryTokens  = 3
	longQueryTokens   = 12
	keywordShiftShort = 0.2
	vectorShiftLong   = 0.15
	minChannelWeight  = 0.1
	maxChannelWeight  = 0.9
)

// TermStats is the corpus view adaptive weighting needs.
type TermStats interface {
	IDFOf(term string) float64
}

// AdaptWeights returns per-query channel weights. The shifted pair is
// renormalized to the original weight sum and clamped to
// [minChannelWeight, maxChannelWeight]; the boolean reports whether the
// weights changed.
func AdaptWeights(query string, stats TermStats, vectorWeight, keywordWeight float64) (float64, float64, bool) {
	tokens := textproc.Tokenize(query)
	if len(tokens) == 0 {
		return vectorWeight, keywordWeight, false
	}

	rare := false
	if stats != nil {
		for _, tok := range tokens {
			if stats.IDFOf(tok) >= adaptiveRareIDF {
				rare = true
				break
			}
		}
	}

	vw, kw := vectorWeight, keywordWeight
	switch {
	case len(tokens) <= shortQueryTokens && rare:
		kw += keywordShiftShort
	case len(tokens) >= longQueryTokens && !rare:
		vw += vectorShiftLong
	default:
		return vectorWeight, keywordWeight, false
	}

	if sum, shifted := vectorWeight+keywordWeight, vw+kw; sum > 0 && shifted > 0 {
		vw *= sum / shifted
		kw *= sum / shifted
	}
	vw = clampWeight(vw)
	kw = clampWeight(kw)
	return vw, kw, true
}

func clampWeight(w float64) float64 {
	if w < minChannelWeight {
		return minChannelWeight
	}
	if w > maxChannelWeight {
		return maxChannelWeight
	}
	return w
}
