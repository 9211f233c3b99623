package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/optiflow/types"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，作为事件接收方挂接到优化管线。
type Collector struct {
	// 缓存指标
	cacheHits          *prometheus.CounterVec
	cacheMisses        prometheus.Counter
	cacheStores        prometheus.Counter
	cacheHitSimilarity prometheus.Histogram

	// 韧性指标
	retryAttempts *prometheus.CounterVec
	circuitOpens  *prometheus.CounterVec

	// 决策指标
	routingDecisions  *prometheus.CounterVec
	providerDecisions *prometheus.CounterVec

	// 批处理指标
	batchFlushes prometheus.Counter

	// 降级指标
	stageFallbacks *prometheus.CounterVec

	// 成本指标
	savingsUSD  prometheus.Counter
	tokensSaved prometheus.Counter

	logger *zap.Logger
}

var _ types.EventSink = (*Collector)(nil)

// NewCollector 创建指标收集器。reg 为 nil 时注册到默认 Registry。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of semantic cache hits",
		},
		[]string{"tier"},
	)

	c.cacheMisses = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of semantic cache misses",
		},
	)

	c.cacheStores = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_stores_total",
			Help:      "Total number of responses stored in the cache",
		},
	)

	c.cacheHitSimilarity = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_hit_similarity",
			Help:      "Similarity score of semantic cache hits",
			Buckets:   []float64{0.85, 0.9, 0.93, 0.95, 0.97, 0.99, 1},
		},
	)

	// 韧性指标
	c.retryAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of retry attempts",
		},
		[]string{"pattern"},
	)

	c.circuitOpens = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_opens_total",
			Help:      "Total number of rejected calls due to an open circuit",
		},
		[]string{"provider", "model"},
	)

	// 决策指标
	c.routingDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Total number of routing decisions",
		},
		[]string{"model"},
	)

	c.providerDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_decisions_total",
			Help:      "Total number of provider arbitrage decisions",
		},
		[]string{"provider"},
	)

	// 批处理指标
	c.batchFlushes = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_flushes_total",
			Help:      "Total number of batch group flushes",
		},
	)

	// 降级指标
	c.stageFallbacks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_fallbacks_total",
			Help:      "Total number of pipeline stage fallbacks",
		},
		[]string{"stage"},
	)

	// 成本指标
	c.savingsUSD = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "savings_usd_total",
			Help:      "Accumulated estimated savings in USD",
		},
	)

	c.tokensSaved = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_saved_total",
			Help:      "Accumulated tokens removed by pruning and compression",
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 事件处理
// =============================================================================

// OnEvent 将管线事件转换为指标。实现 types.EventSink。
func (c *Collector) OnEvent(ev types.Event) {
	switch ev.Kind {
	case types.EventCacheHit:
		c.cacheHits.WithLabelValues(stringField(ev, "tier")).Inc()
		if sim, ok := ev.Fields["similarity"].(float64); ok {
			c.cacheHitSimilarity.Observe(sim)
		}
	case types.EventCacheMiss:
		c.cacheMisses.Inc()
	case types.EventCacheStore:
		c.cacheStores.Inc()
	case types.EventRetryAttempt:
		c.retryAttempts.WithLabelValues(stringField(ev, "pattern")).Inc()
	case types.EventCircuitOpen:
		c.circuitOpens.WithLabelValues(orUnknown(ev.Provider), orUnknown(ev.Model)).Inc()
	case types.EventRoutingDecision:
		c.routingDecisions.WithLabelValues(orUnknown(ev.Model)).Inc()
	case types.EventProviderDecision:
		c.providerDecisions.WithLabelValues(orUnknown(ev.Provider)).Inc()
	case types.EventBatchFlush:
		c.batchFlushes.Inc()
	case types.EventStageFallback:
		c.stageFallbacks.WithLabelValues(orUnknown(ev.Stage)).Inc()
	}

	if ev.Savings > 0 {
		c.savingsUSD.Add(ev.Savings)
	}
	if ev.Tokens > 0 {
		c.tokensSaved.Add(float64(ev.Tokens))
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func stringField(ev types.Event, key string) string {
	if s, ok := ev.Fields[key].(string); ok && s != "" {
		return s
	}
	return "unknown"
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
