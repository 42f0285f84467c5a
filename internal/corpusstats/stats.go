// Package corpusstats maintains per-tenant term statistics (document
// frequency, co-occurrence, IDF/PMI) that keyword scoring, keyphrase
// extraction, and domainless ranking read at query time.
package corpusstats

import (
	"math"
	"time"

	"github.com/lodestone-ai/lodestone/internal/textproc"
)

// coWindow is the token distance within which two terms count as
// co-occurring.
const coWindow = 8

// Document is one corpus item for statistics updates.
type Document struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Title string `json:"title,omitempty"`
}

// Stats is the serialized per-tenant statistics file.
type Stats struct {
	TenantID      string         `json:"tenantId"`
	DocumentCount int            `json:"documentCount"`
	TermDocFreq   map[string]int `json:"termDocFreq"`
	// CoOccurrence counts document-level windowed pair hits, keyed by the
	// lexicographically smaller term first.
	CoOccurrence map[string]map[string]int `json:"coOccurrence"`
	IDF          map[string]float64        `json:"idf"`
	UpdatedAt    time.Time                 `json:"updatedAt"`
}

// NewStats returns an empty statistics set for a tenant.
func NewStats(tenantID string) *Stats {
	return &Stats{
		TenantID:     tenantID,
		TermDocFreq:  make(map[string]int),
		CoOccurrence: make(map[string]map[string]int),
		IDF:          make(map[string]float64),
	}
}

// Update folds documents into the statistics and recomputes IDF.
func (s *Stats) Update(docs []Document) {
	for _, doc := range docs {
		tokens := textproc.Tokenize(doc.Text + " " + doc.Title)
		if len(tokens) == 0 {
			continue
		}
		s.DocumentCount++

		seen := make(map[string]struct{}, len(tokens))
		for _, tok := range tokens {
			if _, ok := seen[tok]; !ok {
				seen[tok] = struct{}{}
				s.TermDocFreq[tok]++
			}
		}

		// Pairs within the window count once per document.
		pairs := make(map[[2]string]struct{})
		for i := 0; i < len(tokens); i++ {
			for j := i + 1; j < len(tokens) && j <= i+coWindow; j++ {
				a, b := tokens[i], tokens[j]
				if a == b {
					continue
				}
				if a > b {
					a, b = b, a
				}
				pairs[[2]string{a, b}] = struct{}{}
			}
		}
		for pair := range pairs {
			inner, ok := s.CoOccurrence[pair[0]]
			if !ok {
				inner = make(map[string]int)
				s.CoOccurrence[pair[0]] = inner
			}
			inner[pair[1]]++
		}
	}

	s.recomputeIDF()
	s.UpdatedAt = time.Now().UTC()
}

func (s *Stats) recomputeIDF() {
	n := float64(s.DocumentCount)
	for term, df := range s.TermDocFreq {
		s.IDF[term] = math.Log((n+1)/float64(df+1)) + 1
	}
}

// IDFOf returns the stored IDF, or the unseen-term value when the term is
// not in the corpus.
func (s *Stats) IDFOf(term string) float64 {
	if v, ok := s.IDF[term]; ok {
		return v
	}
	return math.Log(float64(s.DocumentCount)+1) + 1
}

// CoCount returns the windowed co-occurrence count for a pair, order
// independent.
func (s *Stats) CoCount(a, b string) int {
	if a > b {
		a, b = b, a
	}
	if inner, ok := s.CoOccurrence[a]; ok {
		return inner[b]
	}
	return 0
}

// PMI is the pointwise mutual information of a pair estimated from document
// counts. Pairs with no evidence score zero.
func (s *Stats) PMI(a, b string) float64 {
	co := s.CoCount(a, b)
	dfa := s.TermDocFreq[a]
	dfb := s.TermDocFreq[b]
	if co == 0 || dfa == 0 || dfb == 0 || s.DocumentCount == 0 {
		return 0
	}
	return math.Log2(float64(co) * float64(s.DocumentCount) / (float64(dfa) * float64(dfb)))
}

// Neighbors returns every term co-occurring with the given term.
func (s *Stats) Neighbors(term string) []string {
	var out []string
	if inner, ok := s.CoOccurrence[term]; ok {
		for b := range inner {
			out = append(out, b)
		}
	}
	for a, inner := range s.CoOccurrence {
		if a == term {
			continue
		}
		if _, ok := inner[term]; ok {
			out = append(out, a)
		}
	}
	return out
}
