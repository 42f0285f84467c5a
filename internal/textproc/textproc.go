// Package textproc provides the shared lexical pipeline: lowercasing,
// non-word splitting, stop-word removal, and the sentence/paragraph splitters
// used by chunking. Keyword search and corpus statistics must tokenize
// identically or IDF lookups silently miss.
package textproc

import (
	"regexp"
	"strings"
	"unicode"
)

// MinTokenLength drops short function-ish tokens after stop-word removal.
const MinTokenLength = 3

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// stopWords is the fixed English closed-class set. Multi-language text passes
// through tokenization unchanged; only English stop-words are removed.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"been": {}, "but": {}, "by": {}, "can": {}, "could": {}, "did": {},
	"do": {}, "does": {}, "for": {}, "from": {}, "had": {}, "has": {},
	"have": {}, "he": {}, "her": {}, "here": {}, "him": {}, "his": {},
	"how": {}, "i": {}, "if": {}, "in": {}, "into": {}, "is": {}, "it": {},
	"its": {}, "just": {}, "me": {}, "more": {}, "most": {}, "my": {},
	"no": {}, "not": {}, "of": {}, "on": {}, "only": {}, "or": {},
	"our": {}, "out": {}, "over": {}, "she": {}, "so": {}, "some": {},
	"such": {}, "than": {}, "that": {}, "the": {}, "their": {}, "them": {},
	"then": {}, "there": {}, "these": {}, "they": {}, "this": {}, "those": {},
	"through": {}, "to": {}, "too": {}, "under": {}, "up": {}, "very": {},
	"was": {}, "we": {}, "were": {}, "what": {}, "when": {}, "where": {},
	"which": {}, "while": {}, "who": {}, "why": {}, "will": {}, "with": {},
	"would": {}, "you": {}, "your": {},
}

// IsStopWord reports whether the lowercased token is in the closed set.
func IsStopWord(token string) bool {
	_, ok := stopWords[strings.ToLower(token)]
	return ok
}

// Tokenize runs the full query pipeline: lowercase, split on non-word runes,
// drop stop-words, drop tokens shorter than MinTokenLength. Returns nil when
// nothing survives.
func Tokenize(text string) []string {
	raw := RawTokens(text)
	if len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if len(t) < MinTokenLength {
			continue
		}
		if _, stop := stopWords[t]; stop {
			continue
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// RawTokens lowercases and splits on non-word characters without filtering.
func RawTokens(text string) []string {
	lowered := strings.ToLower(text)
	parts := nonWord.Split(lowered, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// TokenSet returns the deduplicated token bag for similarity measures.
func TokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range Tokenize(text) {
		set[t] = struct{}{}
	}
	return set
}

// Jaccard computes set overlap over union of two token sets; empty sets
// yield 0.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for t := range small {
		if _, ok := large[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

var sentenceEnd = regexp.MustCompile(`([.!?]+)(\s+|$)`)

// SplitSentences splits text on terminal punctuation followed by whitespace,
// keeping the punctuation with the sentence. Text without terminals comes
// back as a single sentence.
func SplitSentences(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	var sentences []string
	rest := trimmed
	for {
		loc := sentenceEnd.FindStringIndex(rest)
		if loc == nil {
			break
		}
		s := strings.TrimSpace(rest[:loc[1]])
		if s != "" {
			sentences = append(sentences, s)
		}
		rest = rest[loc[1]:]
	}
	if r := strings.TrimSpace(rest); r != "" {
		sentences = append(sentences, r)
	}
	return sentences
}

var paragraphBreak = regexp.MustCompile(`\n\s*\n`)

// SplitParagraphs splits on blank lines.
func SplitParagraphs(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	blocks := paragraphBreak.Split(trimmed, -1)
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if s := strings.TrimSpace(b); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Slugify lowercases, replaces non-alphanumeric runs with a single hyphen,
// and trims hyphens. Used for auto-created space ids.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.Trim(b.String(), "-")
}
