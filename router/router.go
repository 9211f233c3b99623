package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/optiflow/tokenizer"
	"github.com/BaSui01/optiflow/types"
)

var ErrNoAvailableModel = errors.New("no available model")

// RoutingDecision 路由决策审计记录。每次请求新建，不持久化。
type RoutingDecision struct {
	Model         ModelInfo            `json:"model"`
	Alternatives  []ModelInfo          `json:"alternatives"`
	Complexity    types.ComplexityTier `json:"complexity"`
	Confidence    float64              `json:"confidence"`
	EstimatedCost float64              `json:"estimated_cost"`
	Reasoning     string               `json:"reasoning"`
	Features      TaskFeatures         `json:"features"`
}

// Config 路由配置。
type Config struct {
	// PerformanceWeight 质量与成本的权衡（0-1，越大越偏向质量）。
	PerformanceWeight float64 `yaml:"performance_weight" json:"performance_weight"`

	// MaxCostPer1K 候选模型的成本上限，0 表示不限制。
	MaxCostPer1K float64 `yaml:"max_cost_per_1k" json:"max_cost_per_1k"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() *Config {
	return &Config{PerformanceWeight: 0.6}
}

// DynamicRouter 按复杂度选择模型档位的路由器。
type DynamicRouter struct {
	config     *Config
	registry   *Registry
	classifier ComplexityClassifier
	tokenizer  tokenizer.Tokenizer
	logger     *zap.Logger
}

// NewDynamicRouter 创建路由器。classifier 为 nil 时使用规则分类器。
func NewDynamicRouter(config *Config, registry *Registry, classifier ComplexityClassifier, tk tokenizer.Tokenizer, logger *zap.Logger) *DynamicRouter {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PerformanceWeight <= 0 || config.PerformanceWeight > 1 {
		config.PerformanceWeight = 0.6
	}
	if registry == nil {
		registry = NewRegistryWithDefaults()
	}
	if classifier == nil {
		classifier = NewRuleBasedClassifier()
	}
	if tk == nil {
		tk = tokenizer.NewEstimatorTokenizer("", 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DynamicRouter{
		config:     config,
		registry:   registry,
		classifier: classifier,
		tokenizer:  tk,
		logger:     logger,
	}
}

// Route 为请求选择模型。
// 给定相同特征与目录状态，结果是确定的。
func (r *DynamicRouter) Route(ctx context.Context, doc types.Document) (*RoutingDecision, error) {
	_ = ctx // 留给训练分类器的远程实现

	features := ExtractFeatures(doc, r.tokenizer)
	complexity := r.classifier.Classify(features)
	targetTier := tierForComplexity(complexity)

	candidates := r.candidates(targetTier, features)
	if len(candidates) == 0 {
		return nil, ErrNoAvailableModel
	}

	scored := r.scoreCandidates(candidates, features, targetTier)

	selected := scored[0]
	alternatives := make([]ModelInfo, 0, 3)
	for _, s := range scored[1:] {
		if len(alternatives) == 3 {
			break
		}
		alternatives = append(alternatives, s.ModelInfo)
	}

	decision := &RoutingDecision{
		Model:        selected.ModelInfo,
		Alternatives: alternatives,
		Complexity:   complexity,
		Confidence:   confidence(scored),
		EstimatedCost: selected.CostPer1K *
			float64(features.Tokens+features.ExpectedOutputTokens) / 1000,
		Reasoning: reasoning(selected, complexity, features),
		Features:  features,
	}

	r.logger.Debug("model routed",
		zap.String("model", selected.Name),
		zap.String("complexity", string(complexity)),
		zap.Float64("score", selected.score))

	return decision, nil
}

// candidates 按目标档位与能力需求过滤目录；过滤为空时放宽到全目录。
func (r *DynamicRouter) candidates(tier types.ModelTier, f TaskFeatures) []ModelInfo {
	filter := func(models []ModelInfo) []ModelInfo {
		var out []ModelInfo
		for _, m := range models {
			if f.NeedsCode && !m.HasCapability(types.CapabilityCode) {
				continue
			}
			if f.NeedsVision && !m.HasCapability(types.CapabilityVision) {
				continue
			}
			if r.config.MaxCostPer1K > 0 && m.CostPer1K > r.config.MaxCostPer1K {
				continue
			}
			out = append(out, m)
		}
		return out
	}

	candidates := filter(r.registry.ListByTier(tier))
	if len(candidates) > 0 {
		return candidates
	}

	// 档位内无合适模型时放宽到全目录
	r.logger.Debug("widening candidate search to full catalog",
		zap.String("tier", string(tier)))
	return filter(r.registry.List())
}

type scoredModel struct {
	ModelInfo
	score float64
}

// scoreCandidates 打分并确定性排序：分数降序，同分按成本升序再按名称。
func (r *DynamicRouter) scoreCandidates(models []ModelInfo, f TaskFeatures, targetTier types.ModelTier) []scoredModel {
	maxCost := 0.0
	for _, m := range models {
		if m.CostPer1K > maxCost {
			maxCost = m.CostPer1K
		}
	}

	scored := make([]scoredModel, len(models))
	for i, m := range models {
		perfWeight := r.config.PerformanceWeight

		costEfficiency := 1.0
		if maxCost > 0 {
			costEfficiency = 1.0 - m.CostPer1K/maxCost
		}

		score := m.Quality*perfWeight + costEfficiency*(1-perfWeight)

		// 延迟加分：亚秒级响应的模型小幅加分
		if m.AvgLatencyMs > 0 && m.AvgLatencyMs < 1000 {
			score += 0.05
		}

		// 能力加分：具备任务所需能力
		if f.NeedsCode && m.HasCapability(types.CapabilityCode) {
			score += 0.05
		}
		if f.NeedsVision && m.HasCapability(types.CapabilityVision) {
			score += 0.05
		}
		if f.ContextDependencies > 4 && m.HasCapability(types.CapabilityLongContext) {
			score += 0.03
		}

		// 档位匹配加分
		if m.Tier == targetTier {
			score += 0.1
		}

		scored[i] = scoredModel{ModelInfo: m, score: score}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].CostPer1K != scored[j].CostPer1K {
			return scored[i].CostPer1K < scored[j].CostPer1K
		}
		return scored[i].Name < scored[j].Name
	})
	return scored
}

// tierForComplexity 复杂度到模型档位的映射。
func tierForComplexity(c types.ComplexityTier) types.ModelTier {
	switch c {
	case types.ComplexitySimple:
		return types.ModelTierBasic
	case types.ComplexityModerate:
		return types.ModelTierStandard
	case types.ComplexityComplex:
		return types.ModelTierAdvanced
	default:
		return types.ModelTierFrontier
	}
}

// confidence 首选与次选的分差越大置信度越高。
func confidence(scored []scoredModel) float64 {
	if len(scored) == 1 {
		return 1.0
	}
	gap := scored[0].score - scored[1].score
	c := 0.5 + gap*2
	if c > 1 {
		c = 1
	}
	return c
}

func reasoning(selected scoredModel, complexity types.ComplexityTier, f TaskFeatures) string {
	var factors []string
	factors = append(factors, fmt.Sprintf("complexity=%s", complexity))
	factors = append(factors, fmt.Sprintf("tokens=%d", f.Tokens))
	if f.NeedsCode {
		factors = append(factors, "needs_code")
	}
	if f.NeedsVision {
		factors = append(factors, "needs_vision")
	}
	if f.ReasoningSteps > 4 {
		factors = append(factors, fmt.Sprintf("reasoning_steps=%d", f.ReasoningSteps))
	}
	return fmt.Sprintf("selected %s (tier=%s, score=%.3f): %s",
		selected.Name, selected.Tier, selected.score, strings.Join(factors, ", "))
}
