package cache

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/optiflow/types"
)

// 命中层级标识。
const (
	TierL1         = "l1"
	TierL2         = "l2"
	TierL3         = "l3"
	TierSimilarity = "similarity"
)

// Entry 缓存条目。
// 存入后除访问簿记字段（LastAccessed/AccessCount/累计节省）外不可变，
// 簿记由读路径更新。
type Entry struct {
	Fingerprint string         `json:"fingerprint"`
	Value       types.Document `json:"value"`
	Text        string         `json:"text,omitempty"` // 相似度兜底扫描用的原始文本

	// SimilarityThreshold 条目级相似度阈值，0 表示使用缓存默认值。
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`

	CreatedAt    time.Time     `json:"created_at"`
	LastAccessed time.Time     `json:"last_accessed"`
	AccessCount  int64         `json:"access_count"`
	Size         int           `json:"size"`
	TTL          time.Duration `json:"ttl,omitempty"`

	// 单次命中可节省的基准量（写入时给定）。
	CostSavingsPerHit    float64 `json:"cost_savings_per_hit,omitempty"`
	LatencySavingsPerHit float64 `json:"latency_savings_per_hit,omitempty"`

	// 每次命中累计的节省量。
	CostSavings    float64 `json:"cost_savings"`
	LatencySavings float64 `json:"latency_savings"`
}

// IsExpired 判断条目是否过期：设置了 TTL 且存活时间超过 TTL。
func (e *Entry) IsExpired() bool {
	return e.TTL > 0 && time.Since(e.CreatedAt) > e.TTL
}

// Age 条目存活时间。
func (e *Entry) Age() time.Duration {
	return time.Since(e.CreatedAt)
}

// touch 读路径簿记：更新访问时间、计数并累计节省量。
func (e *Entry) touch() {
	e.LastAccessed = time.Now()
	e.AccessCount++
	e.CostSavings += e.CostSavingsPerHit
	e.LatencySavings += e.LatencySavingsPerHit
}

// byteSize 估算条目占用字节数（L1 字节预算用）。
func (e *Entry) byteSize() int {
	if e.Size > 0 {
		return e.Size
	}
	data, err := json.Marshal(e.Value)
	if err != nil {
		return len(e.Text) + len(e.Fingerprint)
	}
	return len(data) + len(e.Text) + len(e.Fingerprint)
}

// Hit 带出处的命中结果，供调用方审计缓存来源。
type Hit struct {
	Entry      *Entry
	Tier       string
	Similarity float64 // 仅相似度命中时非零（精确命中为 1）
}
