package optiflow

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/optiflow/config"
	"github.com/BaSui01/optiflow/pipeline"
	"github.com/BaSui01/optiflow/types"
)

const (
	eventuallyWait = 2 * time.Second
	eventuallyTick = 10 * time.Millisecond
)

func newTestClient(t *testing.T, mutate func(*config.Config)) *Client {
	t.Helper()

	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	client, err := New(
		WithConfig(cfg),
		WithLogger(zaptest.NewLogger(t)),
		WithMetricsRegistry(prometheus.NewRegistry()),
		WithExecutor(func(ctx context.Context, doc types.Document) (types.Document, error) {
			return types.Document{"answer": "wired"}, nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return client
}

func TestClientOptimizesAndCaches(t *testing.T) {
	client := newTestClient(t, nil)
	doc := types.Document{"prompt": "Summarize the quarterly sales report for the board."}

	first, err := client.OptimizeRequest(context.Background(), doc, pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, "wired", first.OptimizedData["answer"])
	assert.NotContains(t, first.Metadata.AppliedStrategies, pipeline.StrategyCacheHit)

	second, err := client.OptimizeRequest(context.Background(), doc, pipeline.Options{})
	require.NoError(t, err)
	assert.Contains(t, second.Metadata.AppliedStrategies, pipeline.StrategyCacheHit)
}

func TestClientAnalyticsAccumulate(t *testing.T) {
	client := newTestClient(t, nil)
	doc := types.Document{"prompt": "Translate hello world into French."}

	_, err := client.OptimizeRequest(context.Background(), doc, pipeline.Options{})
	require.NoError(t, err)
	_, err = client.OptimizeRequest(context.Background(), doc, pipeline.Options{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		snap := client.Analytics()
		return snap.CacheHits == 1 && snap.CacheMisses == 1
	}, eventuallyWait, eventuallyTick)
}

func TestClientWithAllStagesDisabled(t *testing.T) {
	client := newTestClient(t, func(cfg *config.Config) {
		cfg.Pipeline.EnableCache = false
		cfg.Pipeline.EnablePruning = false
		cfg.Pipeline.EnableCompression = false
		cfg.Pipeline.EnableRouting = false
		cfg.Pipeline.EnableArbitrage = false
	})
	doc := types.Document{"prompt": "ping"}

	result, err := client.OptimizeRequest(context.Background(), doc, pipeline.Options{})
	require.NoError(t, err)
	assert.Empty(t, result.Metadata.AppliedStrategies)
	assert.Equal(t, "wired", result.OptimizedData["answer"])
}

func TestClientExecuteWithRetry(t *testing.T) {
	client := newTestClient(t, func(cfg *config.Config) {
		cfg.Retry.InitialBackoff = 1
		cfg.Retry.Jitter = false
	})

	calls := 0
	session, err := client.ExecuteWithRetry(context.Background(), "openai/gpt-4o", func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, session.Succeeded)
	assert.Equal(t, 2, calls)
}

func TestClientRejectsInvalidConfigFile(t *testing.T) {
	t.Setenv("OPTIFLOW_CACHE_SIMILARITY_THRESHOLD", "2.0")

	_, err := New(WithLogger(zaptest.NewLogger(t)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}
