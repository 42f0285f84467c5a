package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfUnwrapsThroughLayers(t *testing.T) {
	inner := Wrap(CodeEmbeddingTimeout, "embedding call timed out", errors.New("context deadline exceeded"))
	wrapped := fmt.Errorf("query pipeline: %w", inner)

	assert.Equal(t, CodeEmbeddingTimeout, CodeOf(wrapped))
	assert.Equal(t, Code(""), CodeOf(errors.New("untyped")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestErrorStringsIncludeCodeAndCause(t *testing.T) {
	plain := New(CodeGuardrailBlock, "confidence below floor")
	assert.Equal(t, "guardrail-block: confidence below floor", plain.Error())

	caused := Wrap(CodeChannelTimeout, "keyword channel", errors.New("dial tcp: timeout"))
	assert.Contains(t, caused.Error(), "channel-timeout")
	assert.Contains(t, caused.Error(), "dial tcp")
	assert.Equal(t, "dial tcp: timeout", errors.Unwrap(caused).Error())
}

func TestIsMatchesOnCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", Newf(CodeUnauthorized, "tenant %q mismatch", "globex"))

	assert.True(t, errors.Is(err, New(CodeUnauthorized, "")))
	assert.False(t, errors.Is(err, New(CodeOverallTimeout, "")))
	assert.False(t, errors.Is(err, errors.New("unauthorized")))
}

func TestFatalityByCode(t *testing.T) {
	fatal := []Code{CodeUnauthorized, CodeInvalidConfiguration, CodeEmbeddingTimeout, CodeEmbeddingUnavailable, CodeOverallTimeout}
	for _, c := range fatal {
		assert.True(t, IsFatal(c), "code %s", c)
	}

	degraded := []Code{CodeChannelTimeout, CodeRerankerFailure, CodeBudgetExceeded, CodeGuardrailBlock, CodeInvalidDimension}
	for _, c := range degraded {
		assert.False(t, IsFatal(c), "code %s", c)
	}
}
