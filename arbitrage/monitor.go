package arbitrage

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// PriceSource 实时报价来源。返回 provider 上 model 的每千 token 价格。
type PriceSource interface {
	FetchPrice(ctx context.Context, provider, model string) (float64, error)
}

// PriceSourceFunc 函数适配器。
type PriceSourceFunc func(ctx context.Context, provider, model string) (float64, error)

func (f PriceSourceFunc) FetchPrice(ctx context.Context, provider, model string) (float64, error) {
	return f(ctx, provider, model)
}

// Quote 一次报价及其采集时间。
type Quote struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CostPer1K float64   `json:"cost_per_1k"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Age 报价距今的时长。
func (q Quote) Age() time.Duration { return time.Since(q.FetchedAt) }

// MonitorConfig 监控器配置。
type MonitorConfig struct {
	// PricingTTL 报价缓存有效期。
	PricingTTL time.Duration `yaml:"pricing_ttl" json:"pricing_ttl"`

	// PerformanceTTL 性能快照有效期。
	PerformanceTTL time.Duration `yaml:"performance_ttl" json:"performance_ttl"`

	// FetchRateLimit 对报价来源的每秒请求上限。
	FetchRateLimit float64 `yaml:"fetch_rate_limit" json:"fetch_rate_limit"`

	// WindowSize 性能滑动窗口保留的样本数。
	WindowSize int `yaml:"window_size" json:"window_size"`
}

// DefaultMonitorConfig 返回默认监控配置。
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		PricingTTL:     5 * time.Minute,
		PerformanceTTL: time.Minute,
		FetchRateLimit: 10,
		WindowSize:     256,
	}
}

// ---------------------------------------------------------------------------
// PricingMonitor
// ---------------------------------------------------------------------------

// PricingMonitor 按 TTL 缓存各提供商报价。
// 同一键的并发拉取用 singleflight 合并，整体拉取频率受限速器约束。
// 来源不可用时回退到注册表目录价。
type PricingMonitor struct {
	config   *MonitorConfig
	source   PriceSource
	registry *ProviderRegistry
	limiter  *rate.Limiter
	group    singleflight.Group
	logger   *zap.Logger

	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewPricingMonitor 创建定价监控器。source 可为 nil，此时只用目录价。
func NewPricingMonitor(config *MonitorConfig, source PriceSource, registry *ProviderRegistry, logger *zap.Logger) *PricingMonitor {
	if config == nil {
		config = DefaultMonitorConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PricingMonitor{
		config:   config,
		source:   source,
		registry: registry,
		limiter:  rate.NewLimiter(rate.Limit(config.FetchRateLimit), 1),
		logger:   logger,
		quotes:   make(map[string]Quote),
	}
}

// Quote 返回 provider 上 model 的当前报价。
// 缓存过期时同步拉取一次；拉取失败或被限速时回退到目录价。
func (m *PricingMonitor) Quote(ctx context.Context, provider, model string) Quote {
	key := provider + "/" + model

	m.mu.RLock()
	cached, ok := m.quotes[key]
	m.mu.RUnlock()
	if ok && cached.Age() < m.config.PricingTTL {
		return cached
	}

	if m.source != nil && m.limiter.Allow() {
		v, err, _ := m.group.Do(key, func() (any, error) {
			price, err := m.source.FetchPrice(ctx, provider, model)
			if err != nil {
				return Quote{}, err
			}
			q := Quote{Provider: provider, Model: model, CostPer1K: price, FetchedAt: time.Now()}
			m.mu.Lock()
			m.quotes[key] = q
			m.mu.Unlock()
			return q, nil
		})
		if err == nil {
			return v.(Quote)
		}
		m.logger.Warn("price fetch failed, falling back to list price",
			zap.String("provider", provider),
			zap.String("model", model),
			zap.Error(err))
	}

	if ok {
		// 过期报价仍比目录价更接近实况
		return cached
	}
	return m.listQuote(provider, model)
}

func (m *PricingMonitor) listQuote(provider, model string) Quote {
	q := Quote{Provider: provider, Model: model, FetchedAt: time.Now()}
	if m.registry != nil {
		if p, ok := m.registry.Get(provider); ok {
			q.CostPer1K = p.ListCostPer1K[model]
		}
	}
	return q
}

// ---------------------------------------------------------------------------
// PerformanceMonitor
// ---------------------------------------------------------------------------

// PerformanceSnapshot 某提供商在滑动窗口内的性能快照。
type PerformanceSnapshot struct {
	Provider    string        `json:"provider"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`
	SuccessRate float64       `json:"success_rate"`
	SampleCount int           `json:"sample_count"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Age 快照距最近一次采样的时长。
func (s PerformanceSnapshot) Age() time.Duration { return time.Since(s.UpdatedAt) }

type perfSample struct {
	latency time.Duration
	ok      bool
}

type perfWindow struct {
	samples []perfSample
	next    int
	filled  bool
	updated time.Time
}

// PerformanceMonitor 按提供商维护延迟与成功率的环形窗口。
type PerformanceMonitor struct {
	config  *MonitorConfig
	mu      sync.RWMutex
	windows map[string]*perfWindow
}

func NewPerformanceMonitor(config *MonitorConfig) *PerformanceMonitor {
	if config == nil {
		config = DefaultMonitorConfig()
	}
	if config.WindowSize <= 0 {
		config.WindowSize = 256
	}
	return &PerformanceMonitor{
		config:  config,
		windows: make(map[string]*perfWindow),
	}
}

// Record 记录一次调用结果。
func (m *PerformanceMonitor) Record(provider string, latency time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[provider]
	if w == nil {
		w = &perfWindow{samples: make([]perfSample, m.config.WindowSize)}
		m.windows[provider] = w
	}
	w.samples[w.next] = perfSample{latency: latency, ok: success}
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
	w.updated = time.Now()
}

// Snapshot 返回提供商的性能快照。无样本时 ok 为 false。
func (m *PerformanceMonitor) Snapshot(provider string) (PerformanceSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w := m.windows[provider]
	if w == nil {
		return PerformanceSnapshot{}, false
	}

	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	if n == 0 {
		return PerformanceSnapshot{}, false
	}

	latencies := make([]time.Duration, 0, n)
	succeeded := 0
	for i := 0; i < n; i++ {
		s := w.samples[i]
		latencies = append(latencies, s.latency)
		if s.ok {
			succeeded++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	return PerformanceSnapshot{
		Provider:    provider,
		P50:         percentile(latencies, 0.50),
		P95:         percentile(latencies, 0.95),
		P99:         percentile(latencies, 0.99),
		SuccessRate: float64(succeeded) / float64(n),
		SampleCount: n,
		UpdatedAt:   w.updated,
	}, true
}

// percentile 最近秩法，调用方保证已排序且非空。
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
