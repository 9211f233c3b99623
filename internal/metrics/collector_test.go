package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/optiflow/types"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector("optiflow", prometheus.NewRegistry(), zaptest.NewLogger(t))
}

func TestCollectorCountsCacheEvents(t *testing.T) {
	c := newTestCollector(t)

	c.OnEvent(types.Event{Kind: types.EventCacheHit, Savings: 0.002, Fields: map[string]any{"tier": "l1", "similarity": 0.97}})
	c.OnEvent(types.Event{Kind: types.EventCacheHit, Fields: map[string]any{"tier": "redis_similarity", "similarity": 0.91}})
	c.OnEvent(types.Event{Kind: types.EventCacheMiss})
	c.OnEvent(types.Event{Kind: types.EventCacheStore})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("l1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("redis_similarity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheStores))
	assert.InDelta(t, 0.002, testutil.ToFloat64(c.savingsUSD), 1e-9)
}

func TestCollectorCountsResilienceEvents(t *testing.T) {
	c := newTestCollector(t)

	c.OnEvent(types.Event{Kind: types.EventRetryAttempt, Fields: map[string]any{"pattern": "rate_limit"}})
	c.OnEvent(types.Event{Kind: types.EventRetryAttempt, Fields: map[string]any{"pattern": "rate_limit"}})
	c.OnEvent(types.Event{Kind: types.EventRetryAttempt})
	c.OnEvent(types.Event{Kind: types.EventCircuitOpen, Provider: "openai", Model: "gpt-4o"})
	c.OnEvent(types.Event{Kind: types.EventCircuitOpen})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.retryAttempts.WithLabelValues("rate_limit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retryAttempts.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.circuitOpens.WithLabelValues("openai", "gpt-4o")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.circuitOpens.WithLabelValues("unknown", "unknown")))
}

func TestCollectorCountsDecisionsAndFallbacks(t *testing.T) {
	c := newTestCollector(t)

	c.OnEvent(types.Event{Kind: types.EventRoutingDecision, Model: "claude-3-5-haiku"})
	c.OnEvent(types.Event{Kind: types.EventProviderDecision, Provider: "anthropic", Savings: 0.001})
	c.OnEvent(types.Event{Kind: types.EventBatchFlush, Savings: 0.0003})
	c.OnEvent(types.Event{Kind: types.EventStageFallback, Stage: "routing"})
	c.OnEvent(types.Event{Kind: types.EventStageFallback, Stage: "routing"})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.routingDecisions.WithLabelValues("claude-3-5-haiku")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.providerDecisions.WithLabelValues("anthropic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batchFlushes))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.stageFallbacks.WithLabelValues("routing")))
	assert.InDelta(t, 0.0013, testutil.ToFloat64(c.savingsUSD), 1e-9)
}

func TestCollectorAccumulatesTokenSavings(t *testing.T) {
	c := newTestCollector(t)

	c.OnEvent(types.Event{Kind: types.EventStageFallback, Stage: "pruning"})
	c.OnEvent(types.Event{Kind: types.EventCacheStore, Tokens: 120})
	c.OnEvent(types.Event{Kind: types.EventCacheStore, Tokens: 30})

	assert.Equal(t, 150.0, testutil.ToFloat64(c.tokensSaved))
}
