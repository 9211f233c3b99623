package promptopt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/BaSui01/optiflow/types"
)

func newTestOptimizer(t *testing.T, config *Config) *Optimizer {
	t.Helper()
	return NewOptimizer(config, nil, nil, zaptest.NewLogger(t))
}

// ============================================================
// Structural cleanup
// ============================================================

func TestStructuralCleanupRemovesFillerAndWhitespace(t *testing.T) {
	got := structuralCleanup("Please   summarize    this report,   really quickly.")
	assert.Equal(t, "summarize this report, quickly.", got)
}

func TestStructuralCleanupPreservesLineStructure(t *testing.T) {
	got := structuralCleanup("first   line\n\n\n\nsecond   line")
	assert.Equal(t, "first line\n\nsecond line", got)
}

func TestShortPromptGetsStructuralStrategy(t *testing.T) {
	o := newTestOptimizer(t, nil)
	doc := types.Document{"prompt": "Please just  tell me  the answer"}

	out, report := o.Optimize(doc)
	assert.Equal(t, "tell me the answer", out.GetString("prompt"))
	assert.Contains(t, report.Strategies, StrategyStructural)
	assert.Positive(t, report.TokenSavings())
}

func TestSystemPromptNeverSummarized(t *testing.T) {
	config := DefaultConfig()
	config.SummarizeMinTokens = 5
	o := newTestOptimizer(t, config)

	system := strings.TrimSpace(strings.Repeat("Respond in formal English and cite every source precisely. ", 20))
	doc := types.Document{"system_prompt": system}

	_, report := o.Optimize(doc)
	assert.NotContains(t, report.Strategies, StrategySummarize)
	assert.NotContains(t, report.Strategies, StrategyKeywords)
}

// ============================================================
// Summarization
// ============================================================

func TestLongPromptGetsSummarized(t *testing.T) {
	config := DefaultConfig()
	config.SummarizeMinTokens = 20
	config.TargetRatio = 0.4
	o := newTestOptimizer(t, config)

	var b strings.Builder
	b.WriteString("The payment service handles all transactions for the platform. ")
	b.WriteString("It depends on the ledger database and the fraud detection queue. ")
	b.WriteString("Last month the on-call team observed intermittent latency spikes. ")
	b.WriteString("The spikes correlate with ledger database checkpoint activity. ")
	b.WriteString("A mitigation was proposed involving connection pool tuning. ")
	b.WriteString("The proposal awaits review by the infrastructure working group. ")
	b.WriteString("Describe the payment service latency problem and its current status.")

	doc := types.Document{"prompt": b.String()}
	out, report := o.Optimize(doc)

	assert.Contains(t, report.Strategies, StrategySummarize)
	assert.Less(t, report.CompressedTokens, report.OriginalTokens)
	assert.NotEmpty(t, out.GetString("prompt"))
	assert.Less(t, len(out.GetString("prompt")), len(doc.GetString("prompt")))
}

func TestSummaryQualityWithinRange(t *testing.T) {
	config := DefaultConfig()
	config.SummarizeMinTokens = 20
	o := newTestOptimizer(t, config)

	text := strings.TrimSpace(strings.Repeat("The deployment pipeline builds the service image. It then runs the integration suite against staging. ", 10))
	_, report := o.Optimize(types.Document{"prompt": text})

	assert.GreaterOrEqual(t, report.Quality, 0.0)
	assert.LessOrEqual(t, report.Quality, 1.0)
}

// ============================================================
// Keywords
// ============================================================

func TestKeywordsKeepsTopTermsInOriginalOrder(t *testing.T) {
	config := DefaultConfig()
	config.KeywordsMaxTokens = 3
	o := newTestOptimizer(t, config)

	got := o.keywords("database latency database checkpoint latency database spike")
	assert.Equal(t, "database latency checkpoint", got)
}

// ============================================================
// Message documents
// ============================================================

func TestOptimizeDoesNotMutateCallerMessages(t *testing.T) {
	o := newTestOptimizer(t, nil)

	original := "Please   really just  answer  briefly"
	doc := types.Document{"messages": []any{
		map[string]any{"role": "user", "content": original},
	}}

	out, _ := o.Optimize(doc)

	inMsgs := doc["messages"].([]any)
	assert.Equal(t, original, inMsgs[0].(map[string]any)["content"], "caller document must stay untouched")

	outMsgs := out["messages"].([]any)
	assert.Equal(t, "answer briefly", outMsgs[0].(map[string]any)["content"])
}

func TestNoTextSegmentsReturnsFullQuality(t *testing.T) {
	o := newTestOptimizer(t, nil)
	doc := types.Document{"temperature": 0.3}

	out, report := o.Optimize(doc)
	assert.Equal(t, doc, out)
	assert.Equal(t, 1.0, report.Quality)
	assert.Zero(t, report.TokenSavings())
}

// ============================================================
// Invariants
// ============================================================

func TestCompressionNeverIncreasesTokens(t *testing.T) {
	o := newTestOptimizer(t, nil)
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringMatching(`[A-Za-z,. ]{0,300}`).Draw(t, "text")
		_, report := o.Optimize(types.Document{"prompt": text})
		if report.CompressedTokens > report.OriginalTokens {
			t.Fatalf("compression grew %d -> %d for %q",
				report.OriginalTokens, report.CompressedTokens, text)
		}
	})
}
