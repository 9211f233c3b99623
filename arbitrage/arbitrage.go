package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/optiflow/types"
)

var ErrNoViableProvider = errors.New("no viable provider")

// Requirements 一次请求的提供商选择约束。
type Requirements struct {
	// Priority 请求优先级，越高越偏向延迟与可靠性。
	Priority types.Priority `json:"priority"`

	// BudgetSensitivity 预算敏感度（0-1），越大成本权重越高。
	BudgetSensitivity float64 `json:"budget_sensitivity"`

	// PreferredProvider 评分接近时优先保留的提供商。
	PreferredProvider string `json:"preferred_provider,omitempty"`

	// MaxLatency 可接受的 P95 延迟上限，0 表示不限制。
	MaxLatency time.Duration `json:"max_latency,omitempty"`
}

// ProviderDecision 套利决策。
type ProviderDecision struct {
	Provider         string       `json:"provider"`
	Model            string       `json:"model"`
	CostPer1K        float64      `json:"cost_per_1k"`
	Alternatives     []string     `json:"alternatives"`
	EstimatedSavings float64      `json:"estimated_savings"`
	Confidence       float64      `json:"confidence"`
	Reasoning        string       `json:"reasoning"`
	Requirements     Requirements `json:"requirements"`
}

// Config 套利引擎配置。
type Config struct {
	// PreferredMargin 首选提供商可容忍的评分差。
	PreferredMargin float64 `yaml:"preferred_margin" json:"preferred_margin"`

	// DefaultBudgetSensitivity 请求未声明时的预算敏感度。
	DefaultBudgetSensitivity float64 `yaml:"default_budget_sensitivity" json:"default_budget_sensitivity"`

	Monitor *MonitorConfig `yaml:"monitor" json:"monitor"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() *Config {
	return &Config{
		PreferredMargin:          0.05,
		DefaultBudgetSensitivity: 0.5,
		Monitor:                  DefaultMonitorConfig(),
	}
}

// Engine 提供商套利引擎。
type Engine struct {
	config      *Config
	registry    *ProviderRegistry
	pricing     *PricingMonitor
	performance *PerformanceMonitor
	logger      *zap.Logger
}

// NewEngine 创建套利引擎。registry 为 nil 时使用内置目录。
func NewEngine(config *Config, registry *ProviderRegistry, source PriceSource, logger *zap.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Monitor == nil {
		config.Monitor = DefaultMonitorConfig()
	}
	if registry == nil {
		registry = NewProviderRegistryWithDefaults()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		config:      config,
		registry:    registry,
		pricing:     NewPricingMonitor(config.Monitor, source, registry, logger),
		performance: NewPerformanceMonitor(config.Monitor),
		logger:      logger,
	}
}

// Performance 暴露性能监控器，调用方在每次请求完成后回填结果。
func (e *Engine) Performance() *PerformanceMonitor { return e.performance }

// AnalyzeRequirements 从请求文档推导选择约束。
// 文本中的加急措辞抬高优先级，预算措辞抬高成本敏感度。
func (e *Engine) AnalyzeRequirements(doc types.Document) Requirements {
	req := Requirements{
		Priority:          types.PriorityNormal,
		BudgetSensitivity: e.config.DefaultBudgetSensitivity,
	}

	if p, ok := doc["priority"].(string); ok {
		switch strings.ToLower(p) {
		case "low":
			req.Priority = types.PriorityLow
		case "important", "high":
			req.Priority = types.PriorityImportant
		case "urgent", "critical":
			req.Priority = types.PriorityUrgent
		}
	}
	if s, ok := doc.GetFloat("budget_sensitivity"); ok && s > 0 && s <= 1 {
		req.BudgetSensitivity = s
	}
	if p := doc.GetString("preferred_provider"); p != "" {
		req.PreferredProvider = p
	}

	text := strings.ToLower(doc.Text())
	for _, cue := range urgencyCues {
		if strings.Contains(text, cue) && req.Priority < types.PriorityImportant {
			req.Priority = types.PriorityImportant
			break
		}
	}
	for _, cue := range budgetCues {
		if strings.Contains(text, cue) {
			req.BudgetSensitivity = clamp01(req.BudgetSensitivity + 0.2)
			break
		}
	}

	// 高优先级请求默认压低成本敏感度
	if req.Priority >= types.PriorityUrgent && req.BudgetSensitivity > 0.3 {
		req.BudgetSensitivity = 0.3
	}
	return req
}

var urgencyCues = []string{"asap", "urgent", "immediately", "time-sensitive", "deadline"}

var budgetCues = []string{"cheap", "low cost", "budget", "cost-effective", "inexpensive"}

// SelectProvider 为选定模型挑选提供商。
func (e *Engine) SelectProvider(ctx context.Context, model string, req Requirements) (*ProviderDecision, error) {
	viable := e.registry.ListForModel(model)
	if req.MaxLatency > 0 {
		viable = e.filterByLatency(viable, req.MaxLatency)
	}
	if len(viable) == 0 {
		return nil, fmt.Errorf("%w: model %s", ErrNoViableProvider, model)
	}

	scored := e.score(ctx, viable, model, req)

	selected := scored[0]
	// 首选提供商在容忍差内则改选之
	if req.PreferredProvider != "" && selected.provider != req.PreferredProvider {
		for _, s := range scored[1:] {
			if s.provider != req.PreferredProvider {
				continue
			}
			if selected.score-s.score <= e.config.PreferredMargin {
				selected = s
			}
			break
		}
	}

	alternatives := make([]string, 0, 2)
	for _, s := range scored {
		if s.provider == selected.provider {
			continue
		}
		alternatives = append(alternatives, s.provider)
		if len(alternatives) == 2 {
			break
		}
	}

	maxCost := scored[0].cost
	for _, s := range scored {
		if s.cost > maxCost {
			maxCost = s.cost
		}
	}

	decision := &ProviderDecision{
		Provider:         selected.provider,
		Model:            model,
		CostPer1K:        selected.cost,
		Alternatives:     alternatives,
		EstimatedSavings: maxCost - selected.cost,
		Confidence:       selected.confidence,
		Reasoning: fmt.Sprintf(
			"selected %s for %s (cost=%.5f/1k, score=%.3f, sensitivity=%.2f)",
			selected.provider, model, selected.cost, selected.score, req.BudgetSensitivity),
		Requirements: req,
	}

	e.logger.Debug("provider selected",
		zap.String("provider", selected.provider),
		zap.String("model", model),
		zap.Float64("cost_per_1k", selected.cost),
		zap.Float64("savings", decision.EstimatedSavings))

	return decision, nil
}

func (e *Engine) filterByLatency(providers []ProviderInfo, max time.Duration) []ProviderInfo {
	var out []ProviderInfo
	for _, p := range providers {
		snap, ok := e.performance.Snapshot(p.Name)
		if ok && snap.P95 > max {
			continue
		}
		// 无样本的提供商不淘汰
		out = append(out, p)
	}
	return out
}

type scoredProvider struct {
	provider   string
	cost       float64
	score      float64
	confidence float64
}

// score 确定性评分：成本权重等于预算敏感度，剩余按 60/40 分给延迟与可靠性。
// 排序为分数降序，同分按成本升序再按名称。
func (e *Engine) score(ctx context.Context, providers []ProviderInfo, model string, req Requirements) []scoredProvider {
	costWeight := clamp01(req.BudgetSensitivity)
	latencyWeight := (1 - costWeight) * 0.6
	reliabilityWeight := (1 - costWeight) * 0.4

	quotes := make([]Quote, len(providers))
	maxCost, maxP95 := 0.0, time.Duration(0)
	for i, p := range providers {
		quotes[i] = e.pricing.Quote(ctx, p.Name, model)
		if quotes[i].CostPer1K > maxCost {
			maxCost = quotes[i].CostPer1K
		}
		if snap, ok := e.performance.Snapshot(p.Name); ok && snap.P95 > maxP95 {
			maxP95 = snap.P95
		}
	}

	scored := make([]scoredProvider, len(providers))
	for i, p := range providers {
		q := quotes[i]

		costScore := 1.0
		if maxCost > 0 {
			costScore = 1 - q.CostPer1K/maxCost
		}

		latencyScore, reliabilityScore := 0.5, 0.5
		staleness := q.Age()
		if snap, ok := e.performance.Snapshot(p.Name); ok {
			if maxP95 > 0 {
				latencyScore = 1 - float64(snap.P95)/float64(maxP95)
			}
			reliabilityScore = snap.SuccessRate
			if snap.Age() > staleness {
				staleness = snap.Age()
			}
		} else {
			staleness = e.config.Monitor.PerformanceTTL
		}

		scored[i] = scoredProvider{
			provider:   p.Name,
			cost:       q.CostPer1K,
			score:      costScore*costWeight + latencyScore*latencyWeight + reliabilityScore*reliabilityWeight,
			confidence: e.confidence(staleness),
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].cost != scored[j].cost {
			return scored[i].cost < scored[j].cost
		}
		return scored[i].provider < scored[j].provider
	})
	return scored
}

// confidence 数据新鲜时为 1，随陈旧度线性衰减到 0.3 下限。
func (e *Engine) confidence(staleness time.Duration) float64 {
	ttl := e.config.Monitor.PricingTTL
	if ttl <= 0 {
		return 1
	}
	c := 1 - float64(staleness)/float64(2*ttl)
	if c < 0.3 {
		c = 0.3
	}
	if c > 1 {
		c = 1
	}
	return c
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
