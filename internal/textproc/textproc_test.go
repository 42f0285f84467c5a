package textproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeDropsStopWordsAndShortTokens(t *testing.T) {
	got := Tokenize("How do I configure the VPN on a Mac?")
	assert.Equal(t, []string{"configure", "vpn", "mac"}, got)
}

func TestTokenizeHandlesPunctuationAndCase(t *testing.T) {
	got := Tokenize("Kubernetes/ingress-nginx: retry_policy (v2)!")
	assert.Equal(t, []string{"kubernetes", "ingress", "nginx", "retry", "policy"}, got)
}

func TestTokenizeNilWhenNothingSurvives(t *testing.T) {
	assert.Nil(t, Tokenize("to be or not to be"))
	assert.Nil(t, Tokenize("!!! ???"))
	assert.Nil(t, Tokenize(""))
}

func TestRawTokensKeepEverything(t *testing.T) {
	got := RawTokens("The VPN is up.")
	assert.Equal(t, []string{"the", "vpn", "is", "up"}, got)
}

func TestTokenizeKeepsUnicodeLetters(t *testing.T) {
	got := Tokenize("código de conexión für die Überprüfung")
	assert.Contains(t, got, "código")
	assert.Contains(t, got, "conexión")
	assert.Contains(t, got, "überprüfung")
}

func TestIsStopWord(t *testing.T) {
	assert.True(t, IsStopWord("the"))
	assert.True(t, IsStopWord("The"))
	assert.False(t, IsStopWord("vpn"))
}

func TestTokenSetDeduplicates(t *testing.T) {
	set := TokenSet("vpn vpn VPN tunnel")
	assert.Len(t, set, 2)
	_, ok := set["vpn"]
	assert.True(t, ok)
}

func TestJaccard(t *testing.T) {
	a := TokenSet("vpn setup guide")
	b := TokenSet("vpn setup instructions")
	// 2 shared of 4 distinct tokens.
	assert.InDelta(t, 0.5, Jaccard(a, b), 1e-9)

	assert.InDelta(t, 1.0, Jaccard(a, a), 1e-9)
	assert.Zero(t, Jaccard(a, map[string]struct{}{}))
	assert.Zero(t, Jaccard(nil, b))
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("First step. Second step! Third step? trailing fragment")
	assert.Equal(t, []string{"First step.", "Second step!", "Third step?", "trailing fragment"}, got)
}

func TestSplitSentencesWithoutTerminals(t *testing.T) {
	got := SplitSentences("one clause without punctuation")
	assert.Equal(t, []string{"one clause without punctuation"}, got)
	assert.Nil(t, SplitSentences("   "))
}

func TestSplitParagraphs(t *testing.T) {
	text := "first block\nstill first\n\nsecond block\n\n\n  third block  "
	got := SplitParagraphs(text)
	assert.Equal(t, []string{"first block\nstill first", "second block", "third block"}, got)
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Kubernetes Operations":   "kubernetes-operations",
		"  VPN / remote access  ": "vpn-remote-access",
		"release_notes_v2.1":      "release-notes-v2-1",
		"---":                     "",
		"":                        "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slugify(in), "input %q", in)
	}
}
