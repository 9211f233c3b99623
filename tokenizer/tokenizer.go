package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/BaSui01/optiflow/types"
)

// Tokenizer 是统一的 Token 计数接口。
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数。
	CountTokens(text string) (int, error)

	// CountSegments 返回文本段列表的总 token 数，
	// 包括每段的开销（角色标记、分隔符等）。
	CountSegments(segs []types.TextSegment) (int, error)

	// Encode 将文本转换为 token ID 列表。
	Encode(text string) ([]int, error)

	// Decode 将 token ID 转换回文本。
	Decode(tokens []int) (string, error)

	// MaxTokens 返回模型的最大上下文长度。
	MaxTokens() int

	// Name 返回分词器的名称。
	Name() string
}

// CountDocument 统计请求文档全部文本段的 token 数。
// 无文本段时返回 0。
func CountDocument(t Tokenizer, doc types.Document) int {
	segs := doc.TextSegments()
	if len(segs) == 0 {
		return 0
	}
	n, err := t.CountSegments(segs)
	if err != nil {
		return 0
	}
	return n
}

// 全局分词器注册表。
var (
	modelTokenizers   = make(map[string]Tokenizer)
	modelTokenizersMu sync.RWMutex
)

// RegisterTokenizer 为给定的模型名称注册分词器。
func RegisterTokenizer(model string, t Tokenizer) {
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	modelTokenizers[model] = t
}

// GetTokenizer 返回为给定模型注册的分词器。
// 同时尝试前缀匹配（如 "gpt-4o" 匹配 "gpt-4o-mini"）。
func GetTokenizer(model string) (Tokenizer, error) {
	modelTokenizersMu.RLock()
	defer modelTokenizersMu.RUnlock()

	if t, ok := modelTokenizers[model]; ok {
		return t, nil
	}

	// 前缀匹配取最长前缀，保证结果确定。
	var best Tokenizer
	longest := -1
	for prefix, t := range modelTokenizers {
		if len(prefix) > longest && strings.HasPrefix(model, prefix) {
			best = t
			longest = len(prefix)
		}
	}
	if best != nil {
		return best, nil
	}

	return nil, fmt.Errorf("no tokenizer registered for model: %s", model)
}

// GetTokenizerOrEstimator 返回该模型的注册分词器，
// 未注册时回退到通用估算器。
func GetTokenizerOrEstimator(model string) Tokenizer {
	t, err := GetTokenizer(model)
	if err != nil {
		return NewEstimatorTokenizer(model, 0)
	}
	return t
}
