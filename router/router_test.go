package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/optiflow/tokenizer"
	"github.com/BaSui01/optiflow/types"
)

// ============================================================
// RuleBasedClassifier
// ============================================================

func TestRuleBasedClassifier(t *testing.T) {
	tk := tokenizer.NewEstimatorTokenizer("", 0)
	c := NewRuleBasedClassifier()

	tests := []struct {
		name string
		doc  types.Document
		want types.ComplexityTier
	}{
		{
			name: "short factual question is simple",
			doc:  types.Document{"prompt": "What is a CRM?"},
			want: types.ComplexitySimple,
		},
		{
			name: "code request is at least moderate",
			doc:  types.Document{"prompt": "Write a Python function that parses a CSV file and returns a dict."},
			want: types.ComplexityModerate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := ExtractFeatures(tt.doc, tk)
			got := c.Classify(f)
			if tt.want == types.ComplexityModerate {
				// code requests must never be classified simple
				assert.NotEqual(t, types.ComplexitySimple, got)
			} else {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRuleBasedClassifierLongReasoning(t *testing.T) {
	f := TaskFeatures{
		Tokens:         3000,
		ReasoningSteps: 12,
		QuestionCount:  3,
	}
	c := NewRuleBasedClassifier()
	assert.Equal(t, types.ComplexityVeryComplex, c.Classify(f))
}

// ============================================================
// DynamicRouter
// ============================================================

func TestModelInfoHasCapability(t *testing.T) {
	m := ModelInfo{Capabilities: []types.Capability{types.CapabilityCode, types.CapabilityVision}}

	assert.True(t, m.HasCapability(types.CapabilityCode))
	assert.True(t, m.HasCapability(types.CapabilityVision))
	assert.False(t, m.HasCapability(types.CapabilityLongContext))
	assert.False(t, ModelInfo{}.HasCapability(types.CapabilityCode))
}

func TestRouteSimpleQuestionSelectsBasicTier(t *testing.T) {
	r := NewDynamicRouter(nil, nil, nil, nil, zap.NewNop())

	decision, err := r.Route(context.Background(), types.Document{
		"prompt": "What is a CRM?",
	})
	require.NoError(t, err)

	assert.Equal(t, types.ComplexitySimple, decision.Complexity)
	assert.Equal(t, types.ModelTierBasic, decision.Model.Tier)
	assert.NotEmpty(t, decision.Reasoning)
	assert.LessOrEqual(t, len(decision.Alternatives), 3)
}

func TestRouteIsDeterministic(t *testing.T) {
	r := NewDynamicRouter(nil, nil, nil, nil, zap.NewNop())
	doc := types.Document{
		"prompt": "Explain step by step why the algorithm converges, then derive its complexity bound.",
	}

	first, err := r.Route(context.Background(), doc)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		d, err := r.Route(context.Background(), doc)
		require.NoError(t, err)
		assert.Equal(t, first.Model.Name, d.Model.Name)
		assert.Equal(t, first.Complexity, d.Complexity)
	}
}

func TestRouteVisionRequirementFiltersCatalog(t *testing.T) {
	r := NewDynamicRouter(nil, nil, nil, nil, zap.NewNop())

	decision, err := r.Route(context.Background(), types.Document{
		"prompt": "Describe this image and identify the objects in the photo.",
	})
	require.NoError(t, err)
	assert.True(t, decision.Model.HasCapability(types.CapabilityVision),
		"selected model must support vision: %s", decision.Model.Name)
}

func TestRouteWidensWhenTierHasNoCandidate(t *testing.T) {
	// catalog with a single frontier model: simple requests must still route
	reg := NewRegistry()
	reg.Register(ModelInfo{
		Name:      "only-model",
		Provider:  "test",
		Tier:      types.ModelTierFrontier,
		CostPer1K: 0.06,
		Quality:   0.95,
	})

	r := NewDynamicRouter(nil, reg, nil, nil, zap.NewNop())
	decision, err := r.Route(context.Background(), types.Document{
		"prompt": "What is DNS?",
	})
	require.NoError(t, err)
	assert.Equal(t, "only-model", decision.Model.Name)
}

func TestRouteEmptyRegistry(t *testing.T) {
	r := NewDynamicRouter(nil, NewRegistry(), nil, nil, zap.NewNop())
	_, err := r.Route(context.Background(), types.Document{"prompt": "hi"})
	assert.ErrorIs(t, err, ErrNoAvailableModel)
}

func TestRouteCostCapExcludesExpensiveModels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCostPer1K = 0.002

	r := NewDynamicRouter(cfg, nil, nil, nil, zap.NewNop())
	decision, err := r.Route(context.Background(), types.Document{
		"prompt": "Summarize the quarterly report in three bullet points.",
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, decision.Model.CostPer1K, 0.002)
}

// ============================================================
// Tie-breaking
// ============================================================

func TestScoreTieBreaksByCostThenName(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ModelInfo{Name: "b-model", Provider: "test", Tier: types.ModelTierBasic, CostPer1K: 0.001, Quality: 0.7})
	reg.Register(ModelInfo{Name: "a-model", Provider: "test", Tier: types.ModelTierBasic, CostPer1K: 0.001, Quality: 0.7})

	r := NewDynamicRouter(nil, reg, nil, nil, zap.NewNop())
	scored := r.scoreCandidates(reg.List(), TaskFeatures{}, types.ModelTierBasic)
	require.Len(t, scored, 2)
	assert.Equal(t, "a-model", scored[0].Name)
}

// ============================================================
// TrainedClassifier
// ============================================================

func TestTrainedClassifierFallsBackUntilReady(t *testing.T) {
	tc := NewTrainedClassifier(nil)
	assert.False(t, tc.Ready())

	// below the training threshold the rule-based result is used
	f := TaskFeatures{Tokens: 20}
	assert.Equal(t, types.ComplexitySimple, tc.Classify(f))
}

func TestTrainedClassifierLearnsCentroids(t *testing.T) {
	tc := NewTrainedClassifier(nil)

	for i := 0; i < MinTrainingExamples/2; i++ {
		tc.AddExample(LabeledExample{
			Features: TaskFeatures{Tokens: 30 + i},
			Tier:     types.ComplexitySimple,
		})
		tc.AddExample(LabeledExample{
			Features: TaskFeatures{Tokens: 4000 + i, ReasoningSteps: 10, DomainDensity: 0.4},
			Tier:     types.ComplexityVeryComplex,
		})
	}
	require.True(t, tc.Ready())

	assert.Equal(t, types.ComplexitySimple, tc.Classify(TaskFeatures{Tokens: 25}))
	assert.Equal(t, types.ComplexityVeryComplex, tc.Classify(TaskFeatures{Tokens: 3800, ReasoningSteps: 9, DomainDensity: 0.35}))
}
