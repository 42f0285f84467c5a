// Package packer selects the candidates that fit the LLM context budget.
// Selection is greedy over answerability-boosted scores with per-document and
// per-section caps and an optional MMR quality floor; every decision lands in
// the trace so packing stays reproducible.
package packer

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/chunking"
	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/models"
	"github.com/lodestone-ai/lodestone/internal/textproc"
)

// Drop reasons recorded in the trace and the drops metric.
const (
	DropBudgetExceeded = "budget exceeded"
	DropPerDocCap      = "per-doc cap"
	DropPerSectionCap  = "per-section cap"
	DropQualityFloor   = "below quality floor"
)

// defaultSectionKey buckets chunks that carry no payload at all.
const defaultSectionKey = "default"

// Config tunes the packing pass.
type Config struct {
	MaxContextTokens int     `yaml:"max_context_tokens" json:"maxContextTokens"`
	PerDocCap        int     `yaml:"per_doc_cap" json:"perDocCap"`
	PerSectionCap    int     `yaml:"per_section_cap" json:"perSectionCap"`
	Alpha            float64 `yaml:"alpha" json:"alpha"`
	BonusCap         float64 `yaml:"bonus_cap" json:"bonusCap"`
	MMREnabled       bool    `yaml:"mmr_enabled" json:"mmrEnabled"`
	MinQuality       float64 `yaml:"min_quality" json:"minQuality"`
	SectionReunion   bool    `yaml:"section_reunion" json:"sectionReunion"`
	Counter          chunking.Counter
}

func (c Config) withDefaults() Config {
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 8000
	}
	if c.PerDocCap <= 0 {
		c.PerDocCap = 2
	}
	if c.PerSectionCap <= 0 {
		c.PerSectionCap = 2
	}
	if c.Alpha == 0 {
		c.Alpha = 0.5
	}
	c.Alpha = math.Max(0, math.Min(1, c.Alpha))
	if c.BonusCap <= 0 {
		c.BonusCap = 0.15
	}
	if c.MinQuality <= 0 {
		c.MinQuality = 0.5
	}
	if c.Counter == nil {
		c.Counter, _ = chunking.NewCounter(chunking.CounterConfig{})
	}
	return c
}

// Decision is one candidate's packing outcome.
type Decision struct {
	ID        string  `json:"id"`
	Tokens    int     `json:"tokens"`
	Score     float64 `json:"score"`
	Boosted   float64 `json:"boosted"`
	Novelty   float64 `json:"novelty"`
	Objective float64 `json:"objective"`
	Reason    string  `json:"reason,omitempty"`
}

// Trace records the full packing run.
type Trace struct {
	Selected []Decision `json:"selected"`
	Dropped  []Decision `json:"dropped"`
	Budget   int        `json:"budget"`
	Used     int        `json:"used"`
}

// Result is the packed context plus its trace.
type Result struct {
	Packed      []models.SearchResult
	TotalTokens int
	Trace       Trace
}

// Packer packs ranked candidates into the token budget.
type Packer struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a packer.
func New(cfg Config, logger *zap.Logger) *Packer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Packer{cfg: cfg.withDefaults(), logger: logger}
}

// candidate is the packer's working view of one result.
type candidate struct {
	res     models.SearchResult
	tokens  int
	boosted float64
	docKey  string
	secKey  string
}

// Pack selects candidates greedily by boosted score. The input is not
// mutated; selected results keep their incoming order of selection.
func (p *Packer) Pack(query string, results []models.SearchResult) Result {
	cfg := p.cfg
	trace := Trace{Budget: cfg.MaxContextTokens}
	if len(results) == 0 {
		return Result{Trace: trace}
	}

	queryTokens := textproc.Tokenize(query)

	cands := make([]candidate, len(results))
	for i := range results {
		r := results[i].Clone()
		cands[i] = candidate{
			res:     r,
			tokens:  p.tokenCost(&r),
			boosted: r.Score + answerabilityBonus(r, queryTokens, cfg.BonusCap),
			docKey:  docKey(&r),
			secKey:  sectionKey(&r),
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].boosted != cands[j].boosted {
			return cands[i].boosted > cands[j].boosted
		}
		return cands[i].res.ID < cands[j].res.ID
	})

	var (
		selected []candidate
		used     int
		docCount = make(map[string]int)
		secCount = make(map[string]int)
	)

	drop := func(c candidate, novelty float64, reason string) {
		objective := cfg.Alpha*c.boosted + (1-cfg.Alpha)*novelty
		trace.Dropped = append(trace.Dropped, Decision{
			ID: c.res.ID, Tokens: c.tokens, Score: c.res.Score,
			Boosted: c.boosted, Novelty: novelty, Objective: objective,
			Reason: reason,
		})
		ometrics.PackerDrops.WithLabelValues(reason).Inc()
	}

	for _, c := range cands {
		novelty := noveltyAgainst(c, selected)
		objective := cfg.Alpha*c.boosted + (1-cfg.Alpha)*novelty

		if docCount[c.docKey] >= cfg.PerDocCap {
			drop(c, novelty, DropPerDocCap)
			continue
		}
		if secCount[c.secKey] >= cfg.PerSectionCap {
			drop(c, novelty, DropPerSectionCap)
			continue
		}
		if cfg.MMREnabled && objective < cfg.MinQuality {
			drop(c, novelty, DropQualityFloor)
			continue
		}
		if used+c.tokens > cfg.MaxContextTokens {
			if cfg.SectionReunion && p.reuniteSection(c, selected, cfg.MaxContextTokens-used) {
				merged := totalTokens(selected)
				trace.Selected = append(trace.Selected, Decision{
					ID: c.res.ID, Tokens: merged - used, Score: c.res.Score,
					Boosted: c.boosted, Novelty: novelty, Objective: objective,
					Reason: "section reunion",
				})
				used = merged
				continue
			}
			drop(c, novelty, DropBudgetExceeded)
			continue
		}

		used += c.tokens
		docCount[c.docKey]++
		secCount[c.secKey]++
		selected = append(selected, c)
		trace.Selected = append(trace.Selected, Decision{
			ID: c.res.ID, Tokens: c.tokens, Score: c.res.Score,
			Boosted: c.boosted, Novelty: novelty, Objective: objective,
		})
	}

	packed := make([]models.SearchResult, len(selected))
	for i := range selected {
		selected[i].res.Rank = i + 1
		packed[i] = selected[i].res
	}
	trace.Used = used
	p.logger.Debug("packed context",
		zap.Int("candidates", len(results)),
		zap.Int("selected", len(packed)),
		zap.Int("dropped", len(trace.Dropped)),
		zap.Int("tokens_used", used),
		zap.Int("budget", cfg.MaxContextTokens))
	return Result{Packed: packed, TotalTokens: used, Trace: trace}
}

// reuniteSection merges an over-budget candidate into an already selected
// sibling of the same section when the merged text still fits. Duplicate
// lines collapse, which is where the token savings come from.
func (p *Packer) reuniteSection(c candidate, selected []candidate, remaining int) bool {
	if c.secKey == "" || c.secKey == defaultSectionKey {
		return false
	}
	for i := range selected {
		if selected[i].secKey != c.secKey {
			continue
		}
		merged := mergeSectionText(selected[i].res.Content, c.res.Content)
		mergedTokens := p.cfg.Counter.Count(merged).Tokens
		delta := mergedTokens - selected[i].tokens
		if delta > remaining {
			return false
		}
		selected[i].res.Content = merged
		selected[i].tokens = mergedTokens
		if c.res.Score > selected[i].res.Score {
			selected[i].res.Score = c.res.Score
		}
		return true
	}
	return false
}

func mergeSectionText(a, b string) string {
	seen := make(map[string]bool)
	var out []string
	for _, line := range strings.Split(a+"\n"+b, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func totalTokens(selected []candidate) int {
	n := 0
	for i := range selected {
		n += selected[i].tokens
	}
	return n
}

// tokenCost prefers the indexed token count; estimation is the fallback.
func (p *Packer) tokenCost(r *models.SearchResult) int {
	if n := models.PayloadInt(r.Payload, models.PayloadKeyTokenCount); n > 0 {
		return n
	}
	return p.cfg.Counter.Count(r.Content).Tokens
}

func docKey(r *models.SearchResult) string {
	return r.DocID()
}

/// sectionKey buckets a chunk for the per-section cap: its section base when
// the payload names one, a per-document default otherwise, and the shared
// default bucket when the chunk has no payload at all.
func sectionKey(r *models.SearchResult) string {
	if r.Payload == nil {
		return defaultSectionKey
	}
	if path := r.SectionPath(); path != "" {
		if i := strings.Index(path, "/"); i > 0 {
			return r.DocID() + "#" + path[:i]
		}
		return r.DocID() + "#" + path
	}
	return r.DocID() + "#" + defaultSectionKey
}

// noveltyAgainst is 1 − max similarity to the selected set. Embedding cosine
// when both sides carry vectors, Jaccard token overlap otherwise.
func noveltyAgainst(c candidate, selected []candidate) float64 {
	if len(selected) == 0 {
		return 1
	}
	maxSim := 0.0
	cTokens := textproc.TokenSet(c.res.Content)
	for i := range selected {
		var sim float64
		if len(c.res.Vector) > 0 && len(selected[i].res.Vector) > 0 {
			sim = cosine(c.res.Vector, selected[i].res.Vector)
		} else {
			sim = textproc.Jaccard(cTokens, textproc.TokenSet(selected[i].res.Content))
		}
		if sim > maxSim {
			maxSim = sim
		}
	}
	if maxSim > 1 {
		maxSim = 1
	}
	return 1 - maxSim
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Answerability detectors. Each hit contributes an equal share of the bonus
// cap.
var (
	measurementRe = regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s*(?:%|ms|s|sec|seconds?|min|minutes?|hours?|days?|kg|g|mg|km|cm|mm|m|gb|mb|kb|tb|°c|°f)\b`)
	dateRe        = regexp.MustCompile(`(?i)\b(?:\d{4}-\d{2}-\d{2}|(?:19|20)\d{2}|january|february|march|april|june|july|august|september|october|november|december)\b`)
	listItemRe    = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+\.)\s+`)
)

var definitionalPhrases = []string{
	"is defined as", "refers to", "stands for", "is a type of", "consists of",
}

func answerabilityBonus(r models.SearchResult, queryTokens []string, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	share := limit / 5
	lower := strings.ToLower(r.Content)

	var bonus float64
	if measurementRe.MatchString(r.Content) {
		bonus += share
	}
	for _, phrase := range definitionalPhrases {
		if strings.Contains(lower, phrase) {
			bonus += share
			break
		}
	}
	if dateRe.MatchString(r.Content) {
		bonus += share
	}
	if len(listItemRe.FindAllStringIndex(r.Content, 2)) >= 2 {
		bonus += share
	}
	if titleMatches(r.Title(), queryTokens) {
		bonus += share
	}
	if bonus > limit {
		bonus = limit
	}
	return bonus
}

func titleMatches(title string, queryTokens []string) bool {
	if title == "" || len(queryTokens) == 0 {
		return false
	}
	titleTokens := make(map[string]bool)
	for _, t := range textproc.RawTokens(title) {
		titleTokens[t] = true
	}
	for _, q := range queryTokens {
		if titleTokens[q] {
			return true
		}
	}
	return false
}
