package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/optiflow/breaker"
)

// Config 重试配置。
type Config struct {
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" json:"multiplier"`

	// Jitter 为每次退避加入 [0, 25%) 的随机抖动，避免雪崩式同步重试。
	Jitter bool `yaml:"jitter" json:"jitter"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// Attempt 单次尝试记录。
type Attempt struct {
	Number  int           `json:"number"`
	Delay   time.Duration `json:"delay"`
	Pattern ErrorPattern  `json:"pattern,omitempty"`
	Error   string        `json:"error,omitempty"`
	At      time.Time     `json:"at"`
}

// Session 一次重试会话的完整记录。
type Session struct {
	ID        string        `json:"id"`
	Attempts  []Attempt     `json:"attempts"`
	Succeeded bool          `json:"succeeded"`
	Duration  time.Duration `json:"duration"`
}

// Manager 带错误模式识别的重试管理器。
// 退避延迟 = InitialBackoff × Multiplier^attempt × 模式系数，上限 MaxBackoff。
type Manager struct {
	config     *Config
	recognizer *ErrorPatternRecognizer
	logger     *zap.Logger
}

// NewManager 创建重试管理器。
func NewManager(config *Config, logger *zap.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = 30 * time.Second
	}
	if config.Multiplier < 1 {
		config.Multiplier = 2.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config:     config,
		recognizer: NewErrorPatternRecognizer(),
		logger:     logger,
	}
}

// Recognizer 暴露错误模式识别器。
func (m *Manager) Recognizer() *ErrorPatternRecognizer { return m.recognizer }

// Execute 执行 fn，失败时按模式感知的退避重试。
// 总调用次数不超过 MaxRetries+1；不可重试的模式立即放弃。
// 返回的 Session 记录每次尝试，无论成败。
func (m *Manager) Execute(ctx context.Context, fn func(ctx context.Context) error) (*Session, error) {
	session := &Session{ID: uuid.NewString()}
	start := time.Now()
	defer func() { session.Duration = time.Since(start) }()

	delay := m.config.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		at := time.Now()
		err := fn(ctx)
		if err == nil {
			session.Attempts = append(session.Attempts, Attempt{Number: attempt + 1, At: at})
			session.Succeeded = true
			return session, nil
		}

		lastErr = err
		if errors.Is(err, breaker.ErrCircuitOpen) {
			session.Attempts = append(session.Attempts, Attempt{Number: attempt + 1, Error: err.Error(), At: at})
			return session, err
		}
		pattern := m.recognizer.Recognize(err)
		m.recognizer.Observe(pattern)
		session.Attempts = append(session.Attempts, Attempt{
			Number:  attempt + 1,
			Pattern: pattern,
			Error:   err.Error(),
			At:      at,
		})

		if !pattern.Retryable() {
			m.logger.Debug("error not retryable",
				zap.String("session", session.ID),
				zap.String("pattern", string(pattern)),
				zap.Error(err))
			return session, err
		}

		if attempt == m.config.MaxRetries {
			break
		}

		wait := m.backoff(delay, pattern)
		session.Attempts[len(session.Attempts)-1].Delay = wait

		m.logger.Debug("retrying after backoff",
			zap.String("session", session.ID),
			zap.Int("attempt", attempt+1),
			zap.String("pattern", string(pattern)),
			zap.Duration("backoff", wait))

		select {
		case <-ctx.Done():
			return session, ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * m.config.Multiplier)
		if delay > m.config.MaxBackoff {
			delay = m.config.MaxBackoff
		}
	}

	return session, lastErr
}

// ExecuteWithBreaker 在熔断器保护下执行重试。
// 熔断打开时立即返回 ErrCircuitOpen，不消耗重试次数。
func (m *Manager) ExecuteWithBreaker(ctx context.Context, cb breaker.CircuitBreaker, fn func(ctx context.Context) error) (*Session, error) {
	return m.Execute(ctx, func(ctx context.Context) error {
		return cb.Call(ctx, func() error { return fn(ctx) })
	})
}

// backoff 按模式系数缩放延迟，可选抖动，上限 MaxBackoff。
func (m *Manager) backoff(base time.Duration, pattern ErrorPattern) time.Duration {
	d := time.Duration(float64(base) * pattern.DelayFactor())
	if m.config.Jitter {
		d += time.Duration(rand.Int63n(int64(d)/4 + 1))
	}
	if d > m.config.MaxBackoff {
		d = m.config.MaxBackoff
	}
	return d
}

// ExecuteTyped 泛型包装，返回最后一次成功调用的结果。
func ExecuteTyped[T any](ctx context.Context, m *Manager, fn func(ctx context.Context) (T, error)) (T, *Session, error) {
	var result T
	session, err := m.Execute(ctx, func(ctx context.Context) error {
		var ferr error
		result, ferr = fn(ctx)
		return ferr
	})
	if err != nil {
		var zero T
		return zero, session, err
	}
	return result, session, nil
}
