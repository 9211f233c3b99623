package router

import (
	"sync"

	"github.com/BaSui01/optiflow/types"
)

// ModelInfo 模型目录条目。
type ModelInfo struct {
	Name         string             `yaml:"name" json:"name"`
	Provider     string             `yaml:"provider" json:"provider"`
	Tier         types.ModelTier    `yaml:"tier" json:"tier"`
	CostPer1K    float64            `yaml:"cost_per_1k" json:"cost_per_1k"`
	Quality      float64            `yaml:"quality" json:"quality"` // 0-1
	AvgLatencyMs int                `yaml:"avg_latency_ms" json:"avg_latency_ms"`
	MaxContext   int                `yaml:"max_context" json:"max_context"`
	Capabilities []types.Capability `yaml:"capabilities" json:"capabilities"`
}

// HasCapability 判断模型是否具备给定能力。
func (m ModelInfo) HasCapability(cap types.Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Registry 模型目录。初始化后读多写少，注册路径加锁。
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelInfo
	order  []string // 注册顺序，保证遍历确定性
}

// NewRegistry 创建空目录。
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]ModelInfo)}
}

// NewRegistryWithDefaults 创建带内置目录的注册表。
func NewRegistryWithDefaults() *Registry {
	r := NewRegistry()
	for _, m := range defaultCatalog {
		r.Register(m)
	}
	return r
}

// Register 注册或覆盖模型。
func (r *Registry) Register(m ModelInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.models[m.Name]; !exists {
		r.order = append(r.order, m.Name)
	}
	r.models[m.Name] = m
}

// Get 按名称查找模型。
func (r *Registry) Get(name string) (ModelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// List 按注册顺序返回全部模型。
func (r *Registry) List() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ModelInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.models[name])
	}
	return out
}

// ListByTier 返回给定档位的模型，保持注册顺序。
func (r *Registry) ListByTier(tier types.ModelTier) []ModelInfo {
	var out []ModelInfo
	for _, m := range r.List() {
		if m.Tier == tier {
			out = append(out, m)
		}
	}
	return out
}

// defaultCatalog 内置模型目录（价格为每 1K token 的美元近似值，可从配置覆盖）。
var defaultCatalog = []ModelInfo{
	{Name: "gpt-4o-mini", Provider: "openai", Tier: types.ModelTierBasic, CostPer1K: 0.00015, Quality: 0.62, AvgLatencyMs: 600, MaxContext: 128000, Capabilities: []types.Capability{types.CapabilityCode, types.CapabilityFunctions, types.CapabilityLongContext}},
	{Name: "claude-3-haiku", Provider: "anthropic", Tier: types.ModelTierBasic, CostPer1K: 0.00025, Quality: 0.60, AvgLatencyMs: 550, MaxContext: 200000, Capabilities: []types.Capability{types.CapabilityVision, types.CapabilityLongContext}},
	{Name: "gemini-1.5-flash", Provider: "gemini", Tier: types.ModelTierBasic, CostPer1K: 0.000075, Quality: 0.58, AvgLatencyMs: 500, MaxContext: 1000000, Capabilities: []types.Capability{types.CapabilityVision, types.CapabilityLongContext}},
	{Name: "gpt-4o", Provider: "openai", Tier: types.ModelTierStandard, CostPer1K: 0.005, Quality: 0.80, AvgLatencyMs: 900, MaxContext: 128000, Capabilities: []types.Capability{types.CapabilityCode, types.CapabilityVision, types.CapabilityFunctions, types.CapabilityLongContext}},
	{Name: "claude-3-5-sonnet", Provider: "anthropic", Tier: types.ModelTierStandard, CostPer1K: 0.003, Quality: 0.84, AvgLatencyMs: 950, MaxContext: 200000, Capabilities: []types.Capability{types.CapabilityCode, types.CapabilityVision, types.CapabilityLongContext}},
	{Name: "gpt-4-turbo", Provider: "openai", Tier: types.ModelTierAdvanced, CostPer1K: 0.01, Quality: 0.87, AvgLatencyMs: 1400, MaxContext: 128000, Capabilities: []types.Capability{types.CapabilityCode, types.CapabilityVision, types.CapabilityFunctions}},
	{Name: "gemini-1.5-pro", Provider: "gemini", Tier: types.ModelTierAdvanced, CostPer1K: 0.00125, Quality: 0.82, AvgLatencyMs: 1200, MaxContext: 2000000, Capabilities: []types.Capability{types.CapabilityCode, types.CapabilityVision, types.CapabilityLongContext}},
	{Name: "claude-3-opus", Provider: "anthropic", Tier: types.ModelTierFrontier, CostPer1K: 0.015, Quality: 0.92, AvgLatencyMs: 2000, MaxContext: 200000, Capabilities: []types.Capability{types.CapabilityCode, types.CapabilityVision, types.CapabilityLongContext}},
	{Name: "o1", Provider: "openai", Tier: types.ModelTierFrontier, CostPer1K: 0.015, Quality: 0.95, AvgLatencyMs: 5000, MaxContext: 128000, Capabilities: []types.Capability{types.CapabilityCode, types.CapabilityLongContext}},
}
