package types

import "time"

// EventKind 事件类型。
type EventKind string

const (
	EventCacheHit         EventKind = "cache_hit"
	EventCacheMiss        EventKind = "cache_miss"
	EventCacheStore       EventKind = "cache_store"
	EventRetryAttempt     EventKind = "retry_attempt"
	EventCircuitOpen      EventKind = "circuit_open"
	EventRoutingDecision  EventKind = "routing_decision"
	EventProviderDecision EventKind = "provider_decision"
	EventBatchFlush       EventKind = "batch_flush"
	EventStageFallback    EventKind = "stage_fallback"
)

// Event 管线向观测方（CostAnalytics/Dashboard 等）推送的单条事件。
// 推送是单向、非阻塞的；订阅方不得回调管线。
type Event struct {
	Kind      EventKind      `json:"kind"`
	RequestID string         `json:"request_id,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Model     string         `json:"model,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Savings   float64        `json:"savings,omitempty"`
	Tokens    int            `json:"tokens,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	At        time.Time      `json:"at"`
}

// EventSink 事件接收方。实现必须快速返回，耗时处理自行异步化。
type EventSink interface {
	OnEvent(ev Event)
}

// EventSinkFunc 函数适配器。
type EventSinkFunc func(ev Event)

func (f EventSinkFunc) OnEvent(ev Event) { f(ev) }
