package types

import "time"

// OptimizationMetadata 单次优化调用的审计信息。
type OptimizationMetadata struct {
	AppliedStrategies []string      `json:"applied_strategies"`
	CostSavings       float64       `json:"cost_savings"`
	TokenSavings      int           `json:"token_savings"`
	LatencySavings    float64       `json:"latency_savings"`
	RequestID         string        `json:"request_id"`
	SessionID         string        `json:"session_id"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`

	// Fallback 为 true 表示某个优化阶段内部失败，
	// 结果退化为原始请求数据。
	Fallback bool   `json:"fallback,omitempty"`
	Error    string `json:"error,omitempty"`
}

// OptimizationResult 优化管线的返回值。
// 内部失败时 OptimizedData 为原始请求，Metadata.Fallback 标记为 true，
// 管线本身永不向调用方返回错误。
type OptimizationResult struct {
	OptimizedData Document             `json:"optimized_data"`
	Metadata      OptimizationMetadata `json:"optimization_metadata"`
}

// Priority 请求优先级。
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityImportant
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityImportant:
		return "important"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ComplexityTier 任务复杂度档位。
type ComplexityTier string

const (
	ComplexitySimple      ComplexityTier = "simple"
	ComplexityModerate    ComplexityTier = "moderate"
	ComplexityComplex     ComplexityTier = "complex"
	ComplexityVeryComplex ComplexityTier = "very_complex"
)

// ModelTier 模型能力档位。
type ModelTier string

const (
	ModelTierBasic    ModelTier = "basic"
	ModelTierStandard ModelTier = "standard"
	ModelTierAdvanced ModelTier = "advanced"
	ModelTierFrontier ModelTier = "frontier"
)

// Capability 模型/提供商能力标记。
type Capability string

const (
	CapabilityCode        Capability = "code"
	CapabilityVision      Capability = "vision"
	CapabilityFunctions   Capability = "functions"
	CapabilityLongContext Capability = "long_context"
)
