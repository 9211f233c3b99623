package arbitrage

import (
	"sort"
	"sync"
)

// ProviderInfo 提供商静态信息。价格为目录价，实时价由 PricingMonitor 覆盖。
type ProviderInfo struct {
	Name          string             `yaml:"name" json:"name"`
	Region        string             `yaml:"region" json:"region"`
	Models        []string           `yaml:"models" json:"models"`
	ListCostPer1K map[string]float64 `yaml:"list_cost_per_1k" json:"list_cost_per_1k"`
}

// Supports 返回提供商是否提供该模型。
func (p ProviderInfo) Supports(model string) bool {
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

// ProviderRegistry 提供商目录。注册顺序即遍历顺序，保证决策可复现。
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]ProviderInfo
	order     []string
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]ProviderInfo)}
}

// NewProviderRegistryWithDefaults 返回带内置目录的注册表。
func NewProviderRegistryWithDefaults() *ProviderRegistry {
	r := NewProviderRegistry()
	for _, p := range defaultProviders {
		r.Register(p)
	}
	return r
}

// Register 注册或覆盖提供商。
func (r *ProviderRegistry) Register(p ProviderInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name]; !exists {
		r.order = append(r.order, p.Name)
	}
	r.providers[p.Name] = p
}

// Get 按名称查找提供商。
func (r *ProviderRegistry) Get(name string) (ProviderInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// List 按注册顺序返回所有提供商。
func (r *ProviderRegistry) List() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

// ListForModel 返回提供该模型的提供商，按目录价升序。
func (r *ProviderRegistry) ListForModel(model string) []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ProviderInfo
	for _, name := range r.order {
		if p := r.providers[name]; p.Supports(model) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ListCostPer1K[model] < out[j].ListCostPer1K[model]
	})
	return out
}

var defaultProviders = []ProviderInfo{
	{
		Name:   "openai",
		Region: "us",
		Models: []string{"gpt-4o-mini", "gpt-4o", "gpt-4-turbo", "o1"},
		ListCostPer1K: map[string]float64{
			"gpt-4o-mini": 0.00015, "gpt-4o": 0.0025,
			"gpt-4-turbo": 0.01, "o1": 0.015,
		},
	},
	{
		Name:   "azure-openai",
		Region: "eu",
		Models: []string{"gpt-4o-mini", "gpt-4o", "gpt-4-turbo"},
		ListCostPer1K: map[string]float64{
			"gpt-4o-mini": 0.000165, "gpt-4o": 0.00275, "gpt-4-turbo": 0.011,
		},
	},
	{
		Name:   "anthropic",
		Region: "us",
		Models: []string{"claude-3-haiku", "claude-3-5-sonnet", "claude-3-opus"},
		ListCostPer1K: map[string]float64{
			"claude-3-haiku": 0.00025, "claude-3-5-sonnet": 0.003, "claude-3-opus": 0.015,
		},
	},
	{
		Name:   "bedrock",
		Region: "us",
		Models: []string{"claude-3-haiku", "claude-3-5-sonnet", "claude-3-opus"},
		ListCostPer1K: map[string]float64{
			"claude-3-haiku": 0.000275, "claude-3-5-sonnet": 0.0033, "claude-3-opus": 0.0165,
		},
	},
	{
		Name:   "google",
		Region: "us",
		Models: []string{"gemini-1.5-flash", "gemini-1.5-pro"},
		ListCostPer1K: map[string]float64{
			"gemini-1.5-flash": 0.000075, "gemini-1.5-pro": 0.00125,
		},
	},
}
