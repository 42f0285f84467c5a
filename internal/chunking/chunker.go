package chunking

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/textproc"
)

// Strategy selects how source text is split.
type Strategy string

const (
	StrategyTokenAware     Strategy = "token_aware"
	StrategyParagraphAware Strategy = "paragraph_aware"
	StrategyCharacterBased Strategy = "character_based"
)

// Config controls the chunker.
type Config struct {
	Strategy      Strategy      `yaml:"strategy" json:"strategy"`
	OverlapTokens int           `yaml:"overlap_tokens" json:"overlap_tokens"`
	Counter       CounterConfig `yaml:"counter" json:"counter"`
}

// Chunk is one embedding-safe piece of a document. Text is always a
// contiguous slice of the source document: Text == source[StartIndex:EndIndex].
type Chunk struct {
	ID             string `json:"id"`
	DocID          string `json:"docId"`
	Text           string `json:"text"`
	Index          int    `json:"index"`
	TokenCount     int    `json:"tokenCount"`
	CharacterCount int    `json:"characterCount"`
	StartIndex     int    `json:"startIndex"`
	EndIndex       int    `json:"endIndex"`
}

// Result is the outcome of chunking one document.
type Result struct {
	Chunks          []Chunk  `json:"chunks"`
	TotalTokens     int      `json:"totalTokens"`
	TotalCharacters int      `json:"totalCharacters"`
	Strategy        Strategy `json:"strategy"`
	Warnings        []string `json:"warnings,omitempty"`
}

// TextCharacteristics summarizes document structure for strategy selection.
type TextCharacteristics struct {
	Characters         int     `json:"characters"`
	Tokens             int     `json:"tokens"`
	Sentences          int     `json:"sentences"`
	Paragraphs         int     `json:"paragraphs"`
	AvgSentenceTokens  float64 `json:"avgSentenceTokens"`
	AvgParagraphTokens float64 `json:"avgParagraphTokens"`
	HasTableSyntax     bool    `json:"hasTableSyntax"`
	HasListStructure   bool    `json:"hasListStructure"`
}

// Analysis is the result of AnalyzeText.
type Analysis struct {
	SuggestedStrategy Strategy            `json:"suggestedStrategy"`
	EstimatedChunks   int                 `json:"estimatedChunks"`
	Characteristics   TextCharacteristics `json:"characteristics"`
}

// ChunkSize is the optimal chunk size in both units.
type ChunkSize struct {
	Tokens     int `json:"tokens"`
	Characters int `json:"characters"`
}

// Chunker splits documents using a configured strategy and token counter.
type Chunker struct {
	strategy      Strategy
	counter       Counter
	overlapTokens int
	logger        *zap.Logger
}

// New builds a chunker. An unrecognized strategy degrades to token-aware
// without a warning; only counter construction can fail.
func New(cfg Config, logger *zap.Logger) (*Chunker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	counter, err := NewCounter(cfg.Counter)
	if err != nil {
		return nil, err
	}
	strategy := cfg.Strategy
	switch strategy {
	case StrategyTokenAware, StrategyParagraphAware, StrategyCharacterBased:
	default:
		strategy = StrategyTokenAware
	}
	if cfg.OverlapTokens < 0 {
		cfg.OverlapTokens = 0
	}
	return &Chunker{
		strategy:      strategy,
		counter:       counter,
		overlapTokens: cfg.OverlapTokens,
		logger:        logger,
	}, nil
}

// Counter exposes the configured token counter for callers that size
// text against the same budget (embedding manager, packer).
func (c *Chunker) Counter() Counter { return c.counter }

// OptimalChunkSize returns the target chunk size after the safety margin.
func (c *Chunker) OptimalChunkSize() ChunkSize {
	tokens := c.counter.SafeLimit()
	return ChunkSize{
		Tokens:     tokens,
		Characters: int(float64(tokens) * c.counter.CharsPerToken()),
	}
}

// Chunk splits text into an ordered chunk sequence. Empty input yields zero
// chunks; whitespace-only input yields exactly one.
func (c *Chunker) Chunk(text, docID string) Result {
	res := Result{Strategy: c.strategy}
	if text == "" {
		return res
	}

	total := c.counter.Count(text)
	res.TotalTokens = total.Tokens
	res.TotalCharacters = total.Characters

	if strings.TrimSpace(text) == "" {
		res.Chunks = []Chunk{{
			ID:             chunkID(docID, 0),
			DocID:          docID,
			Text:           text,
			TokenCount:     total.Tokens,
			CharacterCount: total.Characters,
			StartIndex:     0,
			EndIndex:       len(text),
		}}
		return res
	}

	var pieces []piece
	var warnings []string
	switch c.strategy {
	case StrategyParagraphAware:
		pieces, warnings = c.paragraphPieces(text)
	case StrategyCharacterBased:
		pieces = c.characterPieces(text)
	default:
		pieces, warnings = c.sentencePieces(text, 0, c.budgetFor(0))
	}

	res.Chunks = c.assemble(text, docID, pieces)
	res.Warnings = warnings
	for _, w := range warnings {
		if strings.Contains(w, "paragraph") {
			metrics.ChunkerWarnings.WithLabelValues("paragraph_too_large").Inc()
		} else {
			metrics.ChunkerWarnings.WithLabelValues("sentence_too_large").Inc()
		}
	}
	return res
}

// AnalyzeText inspects structure and suggests a strategy without chunking.
func (c *Chunker) AnalyzeText(text string) Analysis {
	chars := c.characteristics(text)
	budget := c.counter.SafeLimit()

	suggested := StrategyTokenAware
	switch {
	case chars.Sentences <= 1 && chars.Paragraphs <= 1 && chars.Tokens > budget:
		// Unstructured blob (logs, minified output): fall back to windows.
		suggested = StrategyCharacterBased
	case chars.Paragraphs >= 3 && chars.AvgParagraphTokens <= float64(budget):
		suggested = StrategyParagraphAware
	}

	estimated := 0
	if chars.Tokens > 0 {
		estimated = int(math.Ceil(float64(chars.Tokens) / float64(budget)))
		if estimated < 1 {
			estimated = 1
		}
	}
	return Analysis{
		SuggestedStrategy: suggested,
		EstimatedChunks:   estimated,
		Characteristics:   chars,
	}
}

func (c *Chunker) characteristics(text string) TextCharacteristics {
	est := c.counter.Count(text)
	sentences := textproc.SplitSentences(text)
	paragraphs := textproc.SplitParagraphs(text)

	chars := TextCharacteristics{
		Characters:     est.Characters,
		Tokens:         est.Tokens,
		Sentences:      len(sentences),
		Paragraphs:     len(paragraphs),
		HasTableSyntax: HasTableSyntax(text),
	}
	if len(sentences) > 0 {
		chars.AvgSentenceTokens = float64(est.Tokens) / float64(len(sentences))
	}
	if len(paragraphs) > 0 {
		chars.AvgParagraphTokens = float64(est.Tokens) / float64(len(paragraphs))
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			chars.HasListStructure = true
			break
		}
	}
	return chars
}

// piece is an own-content span in source bytes; overlap prefixes are applied
// during assembly.
type piece struct {
	start int
	end   int
}

// budgetFor returns the own-content token capacity for the chunk at index.
// Chunks after the first reserve room for the overlap prefix.
func (c *Chunker) budgetFor(index int) int {
	budget := c.counter.SafeLimit()
	if index == 0 || c.overlapTokens == 0 {
		return budget
	}
	reserve := c.overlapTokens
	if reserve >= budget {
		reserve = budget / 2
	}
	return budget - reserve
}

// sentencePieces assembles sentences into budgeted pieces starting at base.
// Overlong sentences are split at word boundaries and flagged.
func (c *Chunker) sentencePieces(text string, base, firstBudget int) ([]piece, []string) {
	spans := locateAll(text, textproc.SplitSentences(text))
	var pieces []piece
	var warnings []string

	budget := firstBudget
	var cur *piece
	curTokens := 0

	flush := func() {
		if cur != nil {
			pieces = append(pieces, *cur)
			cur = nil
			curTokens = 0
			budget = c.budgetFor(1)
		}
	}

	for _, s := range spans {
		st := c.counter.Count(text[s.start:s.end]).Tokens
		if st > budget && st > c.budgetFor(1) {
			flush()
			sub := c.wordPieces(text, s, c.budgetFor(1))
			warnings = append(warnings, fmt.Sprintf(
				"sentence at offset %d is too large for a single chunk (%d tokens > %d limit); split at word boundaries",
				base+s.start, st, c.budgetFor(1)))
			pieces = append(pieces, sub...)
			budget = c.budgetFor(1)
			continue
		}
		if cur == nil {
			cur = &piece{start: s.start, end: s.end}
			curTokens = st
			continue
		}
		if curTokens+st > budget {
			flush()
			cur = &piece{start: s.start, end: s.end}
			curTokens = st
			continue
		}
		cur.end = s.end
		curTokens = c.counter.Count(text[cur.start:cur.end]).Tokens
	}
	flush()

	for i := range pieces {
		pieces[i].start += base
		pieces[i].end += base
	}
	return pieces, warnings
}

// wordPieces splits a single overlong span at word boundaries, each piece at
// most budget tokens (a single word larger than the budget stays whole; the
// content is never dropped).
func (c *Chunker) wordPieces(text string, s piece, budget int) []piece {
	words := fieldSpans(text[s.start:s.end], s.start)
	var pieces []piece
	var cur *piece
	for _, w := range words {
		if cur == nil {
			cur = &piece{start: w.start, end: w.end}
			continue
		}
		candidate := c.counter.Count(text[cur.start:w.end]).Tokens
		if candidate > budget {
			pieces = append(pieces, *cur)
			cur = &piece{start: w.start, end: w.end}
			continue
		}
		cur.end = w.end
	}
	if cur != nil {
		pieces = append(pieces, *cur)
	}
	return pieces
}

// paragraphPieces assembles paragraphs, recursing into sentence chunking for
// paragraphs that exceed the budget.
func (c *Chunker) paragraphPieces(text string) ([]piece, []string) {
	spans := locateAll(text, textproc.SplitParagraphs(text))
	var pieces []piece
	var warnings []string

	budget := c.budgetFor(0)
	var cur *piece
	curTokens := 0

	flush := func() {
		if cur != nil {
			pieces = append(pieces, *cur)
			cur = nil
			curTokens = 0
			budget = c.budgetFor(1)
		}
	}

	for _, p := range spans {
		pt := c.counter.Count(text[p.start:p.end]).Tokens
		if pt > budget && pt > c.budgetFor(1) {
			flush()
			warnings = append(warnings, fmt.Sprintf(
				"paragraph at offset %d is too large for a single chunk (%d tokens > %d limit); splitting into sentences",
				p.start, pt, c.budgetFor(1)))
			sub, subWarnings := c.sentencePieces(text[p.start:p.end], p.start, c.budgetFor(1))
			pieces = append(pieces, sub...)
			warnings = append(warnings, subWarnings...)
			budget = c.budgetFor(1)
			continue
		}
		if cur == nil {
			cur = &piece{start: p.start, end: p.end}
			curTokens = pt
			continue
		}
		if curTokens+pt > budget {
			flush()
			cur = &piece{start: p.start, end: p.end}
			curTokens = pt
			continue
		}
		cur.end = p.end
		curTokens = c.counter.Count(text[cur.start:cur.end]).Tokens
	}
	flush()
	return pieces, warnings
}

// characterPieces cuts fixed-size windows backed off to word boundaries.
func (c *Chunker) characterPieces(text string) []piece {
	window := int(float64(c.budgetFor(1)) * c.counter.CharsPerToken())
	if window < 1 {
		window = 1
	}

	var pieces []piece
	start := 0
	for start < len(text) {
		// Skip leading whitespace.
		for start < len(text) {
			r, size := utf8.DecodeRuneInString(text[start:])
			if !unicode.IsSpace(r) {
				break
			}
			start += size
		}
		if start >= len(text) {
			break
		}

		end := advanceRunes(text, start, window)
		if end < len(text) {
			// Back off to the last word boundary inside the window.
			if idx := strings.LastIndexFunc(text[start:end], unicode.IsSpace); idx > 0 {
				end = start + idx
			}
		}
		// Trim trailing whitespace from the piece.
		trimmed := strings.TrimRightFunc(text[start:end], unicode.IsSpace)
		if trimmed != "" {
			pieces = append(pieces, piece{start: start, end: start + len(trimmed)})
		}
		start = end
	}
	return pieces
}

// assemble turns own-content pieces into final chunks, applying overlap
// prefixes. Because pieces are ordered source spans, a prefixed chunk is
// still one contiguous source slice.
func (c *Chunker) assemble(text, docID string, pieces []piece) []Chunk {
	chunks := make([]Chunk, 0, len(pieces))
	for i, p := range pieces {
		if p.start >= p.end {
			continue
		}
		start := p.start
		if c.overlapTokens > 0 && i > 0 {
			if os := c.overlapStart(text, pieces[i-1]); os >= 0 && os < start {
				start = os
			}
			// Keep the chunk under the safety limit; never drop the last
			// shared word.
			for {
				words := fieldSpans(text[start:p.end], start)
				if len(words) <= 1 {
					break
				}
				if c.counter.Count(text[start:p.end]).Tokens <= c.counter.SafeLimit() {
					break
				}
				if words[0].end >= p.start {
					break
				}
				start = words[1].start
			}
		}
		chunkText := text[start:p.end]
		est := c.counter.Count(chunkText)
		idx := len(chunks)
		chunks = append(chunks, Chunk{
			ID:             chunkID(docID, idx),
			DocID:          docID,
			Text:           chunkText,
			Index:          idx,
			TokenCount:     est.Tokens,
			CharacterCount: est.Characters,
			StartIndex:     start,
			EndIndex:       p.end,
		})
	}
	return chunks
}

// overlapStart returns the source offset where the overlap prefix begins:
// the latest run of whole words at the tail of prev totalling at most the
// configured overlap tokens, always at least one word.
func (c *Chunker) overlapStart(text string, prev piece) int {
	words := fieldSpans(text[prev.start:prev.end], prev.start)
	if len(words) == 0 {
		return -1
	}
	start := words[len(words)-1].start
	for i := len(words) - 2; i >= 0; i-- {
		candidate := c.counter.Count(text[words[i].start:prev.end]).Tokens
		if candidate > c.overlapTokens {
			break
		}
		start = words[i].start
	}
	return start
}

func chunkID(docID string, index int) string {
	return fmt.Sprintf("%s_chunk_%d", docID, index)
}

// HasTableSyntax reports whether text contains Markdown table pipes or
// divider rows.
func HasTableSyntax(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.Count(trimmed, "|") >= 2 {
			return true
		}
		if strings.HasPrefix(trimmed, "|-") || strings.HasPrefix(trimmed, "|--") {
			return true
		}
	}
	return false
}

// locateAll maps substrings back to ordered source spans.
func locateAll(text string, parts []string) []piece {
	pieces := make([]piece, 0, len(parts))
	cursor := 0
	for _, p := range parts {
		idx := strings.Index(text[cursor:], p)
		if idx < 0 {
			continue
		}
		start := cursor + idx
		pieces = append(pieces, piece{start: start, end: start + len(p)})
		cursor = start + len(p)
	}
	return pieces
}

// fieldSpans returns word spans (non-space runs) offset by base.
func fieldSpans(text string, base int) []piece {
	var spans []piece
	inWord := false
	start := 0
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				spans = append(spans, piece{start: base + start, end: base + i})
				inWord = false
			}
			continue
		}
		if !inWord {
			start = i
			inWord = true
		}
	}
	if inWord {
		spans = append(spans, piece{start: base + start, end: base + len(text)})
	}
	return spans
}

func advanceRunes(text string, start, n int) int {
	i := start
	count := 0
	for i < len(text) && count < n {
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
		count++
	}
	return i
}
