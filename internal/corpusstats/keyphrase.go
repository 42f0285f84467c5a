package corpusstats

import (
	"strings"

	"github.com/lodestone-ai/lodestone/internal/textproc"
)

// Keyphrase extraction thresholds.
const (
	DefaultPhraseMinIDF = 1.5
	DefaultPhraseMinPMI = 1.0
)

// Keyphrases is the result of query phrase analysis.
type Keyphrases struct {
	Tokens  []string `json:"tokens"`
	Phrases []string `json:"phrases"`
}

// ExtractKeyphrases returns the query's surviving unigrams plus bi/tri-grams
// whose members are individually rare (IDF above minIDF) and statistically
// associated (pairwise PMI above minPMI).
func ExtractKeyphrases(query string, stats *Stats, minIDF, minPMI float64) Keyphrases {
	if minIDF <= 0 {
		minIDF = DefaultPhraseMinIDF
	}
	if minPMI <= 0 {
		minPMI = DefaultPhraseMinPMI
	}

	tokens := textproc.Tokenize(query)
	kp := Keyphrases{Tokens: tokens}
	if stats == nil || len(tokens) < 2 {
		return kp
	}

	joined := func(parts ...string) string { return strings.Join(parts, " ") }
	qualifies := func(parts ...string) bool {
		for _, p := range parts {
			if stats.TermDocFreq[p] == 0 || stats.IDFOf(p) < minIDF {
				return false
			}
		}
		for i := 0; i < len(parts)-1; i++ {
			if stats.PMI(parts[i], parts[i+1]) < minPMI {
				return false
			}
		}
		return true
	}

	seen := make(map[string]struct{})
	add := func(phrase string) {
		if _, ok := seen[phrase]; !ok {
			seen[phrase] = struct{}{}
			kp.Phrases = append(kp.Phrases, phrase)
		}
	}

	for i := 0; i+1 < len(tokens); i++ {
		if qualifies(tokens[i], tokens[i+1]) {
			add(joined(tokens[i], tokens[i+1]))
		}
		if i+2 < len(tokens) && qualifies(tokens[i], tokens[i+1], tokens[i+2]) {
			add(joined(tokens[i], tokens[i+1], tokens[i+2]))
		}
	}
	return kp
}
