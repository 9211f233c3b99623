package router

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/optiflow/types"
)

// ComplexityClassifier 复杂度分类器策略接口。
type ComplexityClassifier interface {
	Classify(f TaskFeatures) types.ComplexityTier
	Name() string
}

// ---------------------------------------------------------------------------
// 规则分类器（默认实现）
// ---------------------------------------------------------------------------

// RuleBasedClassifier 有序阈值规则分类器。
// 规则自上而下匹配，全部落空时升级为 very_complex。
type RuleBasedClassifier struct{}

func NewRuleBasedClassifier() *RuleBasedClassifier { return &RuleBasedClassifier{} }

func (c *RuleBasedClassifier) Name() string { return "rule_based" }

func (c *RuleBasedClassifier) Classify(f TaskFeatures) types.ComplexityTier {
	switch {
	case f.Tokens < 100 && f.ReasoningSteps <= 1 && f.QuestionCount <= 1 &&
		!f.NeedsCode && f.DomainDensity < 0.01:
		return types.ComplexitySimple

	case f.Tokens < 600 && f.ReasoningSteps <= 4 && !f.NeedsCode &&
		f.ContextDependencies <= 2:
		return types.ComplexityModerate

	case f.Tokens < 2500 && f.ReasoningSteps <= 10:
		return types.ComplexityComplex

	default:
		return types.ComplexityVeryComplex
	}
}

// ---------------------------------------------------------------------------
// 训练分类器（可选升级路径）
// ---------------------------------------------------------------------------

// MinTrainingExamples 训练分类器生效所需的最少标注样本数。
const MinTrainingExamples = 50

// LabeledExample 标注样本。
type LabeledExample struct {
	Features TaskFeatures
	Tier     types.ComplexityTier
}

// TrainedClassifier 最近质心分类器。
// 样本不足 MinTrainingExamples 时回退到内置的规则分类器。
type TrainedClassifier struct {
	mu        sync.RWMutex
	examples  []LabeledExample
	centroids map[types.ComplexityTier][]float64
	fallback  *RuleBasedClassifier
	logger    *zap.Logger
}

// NewTrainedClassifier 创建训练分类器。
func NewTrainedClassifier(logger *zap.Logger) *TrainedClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrainedClassifier{
		fallback: NewRuleBasedClassifier(),
		logger:   logger,
	}
}

func (c *TrainedClassifier) Name() string { return "trained_centroid" }

// AddExample 追加标注样本；达到阈值后自动重建质心。
func (c *TrainedClassifier) AddExample(ex LabeledExample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.examples = append(c.examples, ex)
	if len(c.examples) >= MinTrainingExamples {
		c.rebuildCentroids()
	}
}

// Ready 返回训练分类器是否已生效。
func (c *TrainedClassifier) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.centroids != nil
}

func (c *TrainedClassifier) Classify(f TaskFeatures) types.ComplexityTier {
	c.mu.RLock()
	centroids := c.centroids
	c.mu.RUnlock()

	if centroids == nil {
		return c.fallback.Classify(f)
	}

	vec := featureVector(f)
	best := types.ComplexityVeryComplex
	bestDist := math.Inf(1)
	for tier, centroid := range centroids {
		d := euclidean(vec, centroid)
		if d < bestDist {
			bestDist = d
			best = tier
		}
	}
	return best
}

// rebuildCentroids 调用方必须持有写锁。
func (c *TrainedClassifier) rebuildCentroids() {
	sums := map[types.ComplexityTier][]float64{}
	counts := map[types.ComplexityTier]int{}

	for _, ex := range c.examples {
		vec := featureVector(ex.Features)
		if sums[ex.Tier] == nil {
			sums[ex.Tier] = make([]float64, len(vec))
		}
		for i, v := range vec {
			sums[ex.Tier][i] += v
		}
		counts[ex.Tier]++
	}

	centroids := make(map[types.ComplexityTier][]float64, len(sums))
	for tier, sum := range sums {
		n := float64(counts[tier])
		centroid := make([]float64, len(sum))
		for i, v := range sum {
			centroid[i] = v / n
		}
		centroids[tier] = centroid
	}
	c.centroids = centroids

	c.logger.Info("complexity classifier trained",
		zap.Int("examples", len(c.examples)),
		zap.Int("tiers", len(centroids)))
}

// featureVector 将特征归一化为向量（各维大致落在 0-1 区间）。
func featureVector(f TaskFeatures) []float64 {
	return []float64{
		math.Min(float64(f.Tokens)/4000, 1),
		math.Min(float64(f.QuestionCount)/10, 1),
		math.Min(float64(f.ReasoningSteps)/20, 1),
		math.Min(f.DomainDensity*20, 1),
		boolToFloat(f.NeedsCode),
		boolToFloat(f.NeedsVision),
		boolToFloat(f.Creative),
		math.Min(float64(f.ContextDependencies)/10, 1),
		math.Min(float64(f.ExpectedOutputTokens)/4000, 1),
	}
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
