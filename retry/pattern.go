package retry

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrorPattern 错误模式分类。
type ErrorPattern string

const (
	PatternNetworkTimeout ErrorPattern = "network_timeout"
	PatternRateLimit      ErrorPattern = "rate_limit"
	PatternAuthFailure    ErrorPattern = "auth_failure"
	PatternServerError    ErrorPattern = "server_error"
	PatternTemporary      ErrorPattern = "temporary"
	PatternUnknown        ErrorPattern = "unknown"
)

// patternRule 关键词规则，按声明顺序匹配，先命中先得。
type patternRule struct {
	pattern  ErrorPattern
	keywords []string
}

var defaultRules = []patternRule{
	{PatternRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429", "quota"}},
	{PatternAuthFailure, []string{"unauthorized", "401", "403", "forbidden", "invalid api key", "authentication"}},
	{PatternNetworkTimeout, []string{"timeout", "deadline exceeded", "connection refused", "connection reset", "no such host", "eof"}},
	{PatternServerError, []string{"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "overloaded"}},
	{PatternTemporary, []string{"temporarily", "try again", "retry later", "capacity"}},
}

// delayFactors 模式对退避延迟的缩放系数。
// 限流错误拉长等待，认证错误快速失败。
var delayFactors = map[ErrorPattern]float64{
	PatternRateLimit:      3.0,
	PatternAuthFailure:    0.5,
	PatternNetworkTimeout: 1.0,
	PatternServerError:    1.5,
	PatternTemporary:      1.0,
	PatternUnknown:        1.0,
}

// retryablePatterns 默认可重试的模式集合。
var retryablePatterns = map[ErrorPattern]bool{
	PatternNetworkTimeout: true,
	PatternRateLimit:      true,
	PatternServerError:    true,
	PatternTemporary:      true,
	PatternAuthFailure:    false,
	PatternUnknown:        true,
}

// ErrorPatternRecognizer 基于关键词规则的错误分类器。
// Observe 记录的样本可用于后续规则调优，当前仅做计数。
type ErrorPatternRecognizer struct {
	rules []patternRule

	mu     sync.RWMutex
	counts map[ErrorPattern]int
}

// NewErrorPatternRecognizer 创建识别器，使用内置规则集。
func NewErrorPatternRecognizer() *ErrorPatternRecognizer {
	return &ErrorPatternRecognizer{
		rules:  defaultRules,
		counts: make(map[ErrorPattern]int),
	}
}

// Recognize 按规则对错误分类。context 取消与超时单独识别。
func (r *ErrorPatternRecognizer) Recognize(err error) ErrorPattern {
	if err == nil {
		return PatternUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return PatternNetworkTimeout
	}
	if errors.Is(err, context.Canceled) {
		return PatternUnknown
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range r.rules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.pattern
			}
		}
	}
	return PatternUnknown
}

// Observe 记录一次分类结果，供统计与规则调优。
func (r *ErrorPatternRecognizer) Observe(p ErrorPattern) {
	r.mu.Lock()
	r.counts[p]++
	r.mu.Unlock()
}

// Counts 返回各模式的累计出现次数快照。
func (r *ErrorPatternRecognizer) Counts() map[ErrorPattern]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[ErrorPattern]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// Retryable 返回该模式是否默认可重试。
func (p ErrorPattern) Retryable() bool { return retryablePatterns[p] }

// DelayFactor 返回该模式的退避缩放系数。
func (p ErrorPattern) DelayFactor() float64 {
	if f, ok := delayFactors[p]; ok {
		return f
	}
	return 1.0
}
