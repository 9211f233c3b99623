package types

import (
	"encoding/json"
	"sort"
	"strings"
)

// Document 请求文档
// 半结构化的键值文档，通常包含 prompt/messages/context/system_prompt 字段，
// 但任何字段都可能缺失或类型不符。
type Document map[string]any

// Clone 返回文档的浅拷贝（顶层 key 独立，值共享）。
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// GetString 获取字符串字段，缺失或类型不符返回空串。
func (d Document) GetString(key string) string {
	if d == nil {
		return ""
	}
	s, _ := d[key].(string)
	return s
}

// GetFloat 获取数值字段，兼容 int/int64/float64。
func (d Document) GetFloat(key string) (float64, bool) {
	if d == nil {
		return 0, false
	}
	switch v := d[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// TextSegment 文档中一段带来源的文本。
type TextSegment struct {
	Source  string // 来源字段：prompt / system_prompt / context / message
	Role    string // 消息角色（仅 message 来源有意义）
	Index   int    // 在消息列表中的位置，其余来源为 -1
	Content string
}

// TextSegments 抽取文档中所有承载文本的字段。
// 识别 prompt、system_prompt、context 字符串字段，以及
// messages 列表中每个元素的 content 字段（role 一并保留）。
// 字段缺失或类型不符时直接跳过，永不报错。
func (d Document) TextSegments() []TextSegment {
	if d == nil {
		return nil
	}

	var segs []TextSegment
	for _, key := range []string{"system_prompt", "prompt", "context"} {
		if s := d.GetString(key); s != "" {
			segs = append(segs, TextSegment{Source: key, Index: -1, Content: s})
		}
	}

	msgs, ok := d["messages"].([]any)
	if !ok {
		// 常见变体：已经是 []map[string]any
		if typed, ok2 := d["messages"].([]map[string]any); ok2 {
			for i, m := range typed {
				if seg, ok3 := messageSegment(m, i); ok3 {
					segs = append(segs, seg)
				}
			}
		}
		return segs
	}

	for i, raw := range msgs {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if seg, ok2 := messageSegment(m, i); ok2 {
			segs = append(segs, seg)
		}
	}
	return segs
}

func messageSegment(m map[string]any, index int) (TextSegment, bool) {
	content, _ := m["content"].(string)
	if content == "" {
		return TextSegment{}, false
	}
	role, _ := m["role"].(string)
	return TextSegment{Source: "message", Role: role, Index: index, Content: content}, true
}

// Text 拼接文档的全部文本段，段间以换行分隔。
func (d Document) Text() string {
	segs := d.TextSegments()
	if len(segs) == 0 {
		return ""
	}
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = s.Content
	}
	return strings.Join(parts, "\n")
}

// CanonicalJSON 返回按 key 稳定排序的 JSON 编码，
// 用于无文本字段时的指纹回退。
func (d Document) CanonicalJSON() []byte {
	data, err := json.Marshal(canonicalize(map[string]any(d)))
	if err != nil {
		return nil
	}
	return data
}

// canonicalize 递归地将 map 转换为 key 有序的表示。
// encoding/json 对 map 已经按 key 排序，但嵌套的 []any 中可能
// 还有 map，需要整体归一化以保证确定性。
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = canonicalize(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return v
	}
}
