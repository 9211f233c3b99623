package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================
// Defaults
// ============================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.InDelta(t, 0.85, cfg.Cache.SimilarityThreshold, 1e-9)
	assert.True(t, cfg.Pipeline.EnableCache)
	assert.False(t, cfg.Pipeline.EnableBatching)
	require.NotNil(t, cfg.Arbitrage.Monitor)
	assert.Equal(t, 5*time.Minute, cfg.Arbitrage.Monitor.PricingTTL)

	require.NoError(t, ValidateBasics(cfg))
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")).
		Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Retry, cfg.Retry)
}

// ============================================================
// YAML file
// ============================================================

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optiflow.yaml")
	content := `
log:
  level: debug
  format: console
redis:
  addr: localhost:6379
  db: 2
retry:
  max_retries: 5
  initial_backoff: 200ms
cache:
  similarity_threshold: 0.9
batch:
  target_size: 16
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.InitialBackoff)
	assert.InDelta(t, 0.9, cfg.Cache.SimilarityThreshold, 1e-9)
	assert.Equal(t, 16, cfg.Batch.TargetSize)

	// 未出现在文件中的字段保持默认值
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxBackoff)
}

func TestLoadFromInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [not a map"), 0o600))

	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

// ============================================================
// Environment overrides
// ============================================================

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optiflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_retries: 5\n"), 0o600))

	t.Setenv("OPTIFLOW_RETRY_MAX_RETRIES", "7")
	t.Setenv("OPTIFLOW_RETRY_JITTER", "false")
	t.Setenv("OPTIFLOW_BREAKER_RESET_TIMEOUT", "90s")
	t.Setenv("OPTIFLOW_ROUTER_PERFORMANCE_WEIGHT", "0.4")
	t.Setenv("OPTIFLOW_LOG_LEVEL", "warn")
	t.Setenv("OPTIFLOW_ARBITRAGE_MONITOR_PRICING_TTL", "1m")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Retry.MaxRetries)
	assert.False(t, cfg.Retry.Jitter)
	assert.Equal(t, 90*time.Second, cfg.Breaker.ResetTimeout)
	assert.InDelta(t, 0.4, cfg.Router.PerformanceWeight, 1e-9)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, time.Minute, cfg.Arbitrage.Monitor.PricingTTL)
}

func TestEnvInvalidValue(t *testing.T) {
	t.Setenv("OPTIFLOW_RETRY_MAX_RETRIES", "many")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPTIFLOW_RETRY_MAX_RETRIES")
}

func TestCustomEnvPrefix(t *testing.T) {
	t.Setenv("GATEWAY_BATCH_TARGET_SIZE", "32")

	cfg, err := NewLoader().WithEnvPrefix("GATEWAY").Load()
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Batch.TargetSize)
}

// ============================================================
// Validation
// ============================================================

func TestValidatorRejectsBadConfig(t *testing.T) {
	t.Setenv("OPTIFLOW_CACHE_SIMILARITY_THRESHOLD", "1.5")

	_, err := NewLoader().WithValidator(ValidateBasics).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "similarity_threshold")
}

func TestLogConfigBuild(t *testing.T) {
	logger, err := LogConfig{Level: "debug", Format: "console"}.Build()
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = LogConfig{Level: "loud"}.Build()
	require.Error(t, err)
}
