package breaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry 按 provider/model 维度管理独立熔断器。
// 同一键总是返回同一个实例，键不存在时惰性创建。
type Registry struct {
	config *Config
	logger *zap.Logger

	mu       sync.RWMutex
	breakers map[string]CircuitBreaker
}

// NewRegistry 创建熔断器注册表。config 作为新建熔断器的模板。
func NewRegistry(config *Config, logger *zap.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		config:   config,
		logger:   logger,
		breakers: make(map[string]CircuitBreaker),
	}
}

// Key 组合 provider 与 model 为熔断键。
func Key(provider, model string) string {
	return provider + "/" + model
}

// Get 返回键对应的熔断器，不存在时创建。
func (r *Registry) Get(key string) CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[key]; ok {
		return cb
	}
	cb = New(key, r.config, r.logger)
	r.breakers[key] = cb
	return cb
}

// States 返回所有熔断器的当前状态快照，键升序。
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for k, cb := range r.breakers {
		out[k] = cb.State()
	}
	return out
}

// Keys 返回已创建的熔断键，升序。
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ResetAll 重置所有熔断器。
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
