// Package analytics 聚合管线事件为成本节省统计，并可选地
// 通过 WebSocket 将事件流推送给仪表盘客户端。
package analytics

import (
	"sync"
	"time"

	"github.com/BaSui01/optiflow/types"
)

// ModelStats 单个模型维度的累计统计。
type ModelStats struct {
	Requests     int64   `json:"requests"`
	CacheHits    int64   `json:"cache_hits"`
	CostSavings  float64 `json:"cost_savings"`
	TokenSavings int64   `json:"token_savings"`
}

// Snapshot 节省统计快照。
type Snapshot struct {
	TotalRequests    int64                 `json:"total_requests"`
	CacheHits        int64                 `json:"cache_hits"`
	CacheMisses      int64                 `json:"cache_misses"`
	CacheHitRate     float64               `json:"cache_hit_rate"`
	RetryAttempts    int64                 `json:"retry_attempts"`
	CircuitOpens     int64                 `json:"circuit_opens"`
	BatchFlushes     int64                 `json:"batch_flushes"`
	StageFallbacks   int64                 `json:"stage_fallbacks"`
	TotalCostSavings float64               `json:"total_cost_savings"`
	ByModel          map[string]ModelStats `json:"by_model"`
	ByProvider       map[string]ModelStats `json:"by_provider"`
	Since            time.Time             `json:"since"`
}

// CostAnalytics 事件驱动的成本统计聚合器，实现 types.EventSink。
type CostAnalytics struct {
	mu         sync.Mutex
	since      time.Time
	hits       int64
	misses     int64
	retries    int64
	opens      int64
	flushes    int64
	fallbacks  int64
	savings    float64
	byModel    map[string]*ModelStats
	byProvider map[string]*ModelStats
}

// NewCostAnalytics 创建聚合器。
func NewCostAnalytics() *CostAnalytics {
	return &CostAnalytics{
		since:      time.Now(),
		byModel:    make(map[string]*ModelStats),
		byProvider: make(map[string]*ModelStats),
	}
}

// OnEvent 实现 types.EventSink。
func (a *CostAnalytics) OnEvent(ev types.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Kind {
	case types.EventCacheHit:
		a.hits++
		a.savings += ev.Savings
		if ev.Model != "" {
			m := a.model(ev.Model)
			m.CacheHits++
			m.CostSavings += ev.Savings
		}
	case types.EventCacheMiss:
		a.misses++
	case types.EventRetryAttempt:
		a.retries++
	case types.EventCircuitOpen:
		a.opens++
	case types.EventBatchFlush:
		a.flushes++
		a.savings += ev.Savings
	case types.EventStageFallback:
		a.fallbacks++
	case types.EventRoutingDecision:
		if ev.Model != "" {
			a.model(ev.Model).Requests++
		}
	case types.EventProviderDecision:
		a.savings += ev.Savings
		if ev.Provider != "" {
			p := a.provider(ev.Provider)
			p.Requests++
			p.CostSavings += ev.Savings
		}
	}
}

func (a *CostAnalytics) model(name string) *ModelStats {
	m := a.byModel[name]
	if m == nil {
		m = &ModelStats{}
		a.byModel[name] = m
	}
	return m
}

func (a *CostAnalytics) provider(name string) *ModelStats {
	p := a.byProvider[name]
	if p == nil {
		p = &ModelStats{}
		a.byProvider[name] = p
	}
	return p
}

// Snapshot 返回当前统计的副本。
func (a *CostAnalytics) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		TotalRequests:    a.hits + a.misses,
		CacheHits:        a.hits,
		CacheMisses:      a.misses,
		RetryAttempts:    a.retries,
		CircuitOpens:     a.opens,
		BatchFlushes:     a.flushes,
		StageFallbacks:   a.fallbacks,
		TotalCostSavings: a.savings,
		ByModel:          make(map[string]ModelStats, len(a.byModel)),
		ByProvider:       make(map[string]ModelStats, len(a.byProvider)),
		Since:            a.since,
	}
	if total := a.hits + a.misses; total > 0 {
		snap.CacheHitRate = float64(a.hits) / float64(total)
	}
	for k, v := range a.byModel {
		snap.ByModel[k] = *v
	}
	for k, v := range a.byProvider {
		snap.ByProvider[k] = *v
	}
	return snap
}

// Reset 清零统计。
func (a *CostAnalytics) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.since = time.Now()
	a.hits, a.misses, a.retries, a.opens, a.flushes, a.fallbacks = 0, 0, 0, 0, 0, 0
	a.savings = 0
	a.byModel = make(map[string]*ModelStats)
	a.byProvider = make(map[string]*ModelStats)
}
