package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/optiflow/types"
)

// ============================================================
// Estimator
// ============================================================

func TestEstimatorCountsASCII(t *testing.T) {
	e := NewEstimatorTokenizer("generic", 0)

	n, err := e.CountTokens("abcdefgh")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "8 ASCII chars at ~4 chars/token")
}

func TestEstimatorCountsCJKDenser(t *testing.T) {
	e := NewEstimatorTokenizer("generic", 0)

	ascii, err := e.CountTokens("hello world this is text")
	require.NoError(t, err)
	cjk, err := e.CountTokens("语义缓存可以显著降低重复请求的成本")
	require.NoError(t, err)

	assert.Greater(t, cjk, ascii, "CJK text of fewer runes should still estimate more tokens per rune")
}

func TestEstimatorEmptyAndTiny(t *testing.T) {
	e := NewEstimatorTokenizer("generic", 0)

	n, err := e.CountTokens("")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = e.CountTokens("ab")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "non-empty text estimates at least one token")
}

func TestEstimatorSegmentsIncludeOverhead(t *testing.T) {
	e := NewEstimatorTokenizer("generic", 0)
	segs := []types.TextSegment{
		{Source: "prompt", Content: "abcdefgh"},
		{Source: "message", Role: "user", Content: "abcdefgh"},
	}

	n, err := e.CountSegments(segs)
	require.NoError(t, err)
	// 2 tokens per segment + 4 overhead each + 3 document overhead
	assert.Equal(t, 15, n)
}

func TestEstimatorDecodeUnsupported(t *testing.T) {
	e := NewEstimatorTokenizer("generic", 0)
	_, err := e.Decode([]int{1, 2})
	assert.Error(t, err)
}

// ============================================================
// Tiktoken wrapper
// ============================================================

func TestTiktokenKnownModelMetadata(t *testing.T) {
	tk, err := NewTiktokenTokenizer("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, 128000, tk.MaxTokens())
}

func TestTiktokenUnknownModelFallsBack(t *testing.T) {
	tk, err := NewTiktokenTokenizer("some-custom-model")
	require.NoError(t, err)
	assert.Equal(t, 8192, tk.MaxTokens())
}

func TestTiktokenPrefixMatch(t *testing.T) {
	// gpt-4o-* 须落到 gpt-4o（最长前缀），不得被 gpt-4 抢占
	for i := 0; i < 20; i++ {
		tk, err := NewTiktokenTokenizer("gpt-4o-2024-08-06")
		require.NoError(t, err)
		assert.Equal(t, 128000, tk.MaxTokens())
		assert.Equal(t, "tiktoken:o200k_base", tk.Name())
	}

	tk, err := NewTiktokenTokenizer("gpt-4-0613")
	require.NoError(t, err)
	assert.Equal(t, 8192, tk.MaxTokens())
}

// ============================================================
// Registry
// ============================================================

func TestRegistryExactAndPrefixLookup(t *testing.T) {
	e := NewEstimatorTokenizer("custom-model", 0)
	RegisterTokenizer("custom-model", e)

	got, err := GetTokenizer("custom-model")
	require.NoError(t, err)
	assert.Same(t, e, got)

	got, err = GetTokenizer("custom-model-v2")
	require.NoError(t, err)
	assert.Same(t, e, got)

	_, err = GetTokenizer("never-registered")
	assert.Error(t, err)
}

func TestRegistryPrefersLongestPrefix(t *testing.T) {
	short := NewEstimatorTokenizer("acme", 0)
	long := NewEstimatorTokenizer("acme-large", 0)
	RegisterTokenizer("acme", short)
	RegisterTokenizer("acme-large", long)

	for i := 0; i < 20; i++ {
		got, err := GetTokenizer("acme-large-preview")
		require.NoError(t, err)
		assert.Same(t, long, got)
	}
}

func TestGetTokenizerOrEstimatorFallsBack(t *testing.T) {
	tk := GetTokenizerOrEstimator("entirely-unknown-model")
	require.NotNil(t, tk)
	assert.Equal(t, "estimator", tk.Name())
}

func TestCountDocument(t *testing.T) {
	e := NewEstimatorTokenizer("generic", 0)

	assert.Zero(t, CountDocument(e, types.Document{"temperature": 1}))
	assert.Positive(t, CountDocument(e, types.Document{"prompt": "count these tokens please"}))
}
