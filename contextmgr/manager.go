package contextmgr

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/optiflow/semantic"
	"github.com/BaSui01/optiflow/tokenizer"
	"github.com/BaSui01/optiflow/types"
)

// Config 裁剪配置。
type Config struct {
	// TokenBudget 裁剪后的目标 token 上限，<=0 表示不裁剪。
	TokenBudget int `yaml:"token_budget" json:"token_budget"`

	// CriticalImportance 关键重要性下限，得分高于它的段无条件保留。
	CriticalImportance float64 `yaml:"critical_importance" json:"critical_importance"`

	// RecencyDecay 消息新近性衰减系数，越大越偏向最近的消息。
	RecencyDecay float64 `yaml:"recency_decay" json:"recency_decay"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() *Config {
	return &Config{
		TokenBudget:        4000,
		CriticalImportance: 0.85,
		RecencyDecay:       0.6,
	}
}

// ScoredSegment 带重要性评分的文本段。
type ScoredSegment struct {
	types.TextSegment
	Importance float64
	Tokens     int
}

// Report 裁剪结果审计。
type Report struct {
	OriginalTokens  int
	RetainedTokens  int
	OriginalSegs    int
	RetainedSegs    int
	DroppedSegments []types.TextSegment
}

// TokenSavings 裁剪节省的 token 数。
func (r *Report) TokenSavings() int {
	return r.OriginalTokens - r.RetainedTokens
}

// Manager 上下文裁剪器。
type Manager struct {
	config    *Config
	tokenizer tokenizer.Tokenizer
	logger    *zap.Logger
}

// NewManager 创建裁剪器。
func NewManager(config *Config, tk tokenizer.Tokenizer, logger *zap.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.CriticalImportance <= 0 {
		config.CriticalImportance = 0.85
	}
	if config.RecencyDecay <= 0 {
		config.RecencyDecay = 0.6
	}
	if tk == nil {
		tk = tokenizer.NewEstimatorTokenizer("", 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{config: config, tokenizer: tk, logger: logger}
}

// Prune 裁剪文档文本段以适应 token 预算。
// 无文本段或已在预算内时原样返回（幂等）。
func (m *Manager) Prune(doc types.Document) (types.Document, *Report) {
	segs := doc.TextSegments()
	report := &Report{OriginalSegs: len(segs), RetainedSegs: len(segs)}
	if len(segs) == 0 || m.config.TokenBudget <= 0 {
		return doc, report
	}

	scored := m.Score(segs)
	total := 0
	for _, s := range scored {
		total += s.Tokens
	}
	report.OriginalTokens = total
	report.RetainedTokens = total

	if total <= m.config.TokenBudget {
		m.logger.Debug("document within token budget",
			zap.Int("tokens", total),
			zap.Int("budget", m.config.TokenBudget))
		return doc, report
	}

	// 按重要性降序贪心保留；关键段不占用预算判断之外的豁免
	byImportance := make([]ScoredSegment, len(scored))
	copy(byImportance, scored)
	sort.SliceStable(byImportance, func(i, j int) bool {
		return byImportance[i].Importance > byImportance[j].Importance
	})

	kept := make(map[int]bool, len(scored))
	budget := m.config.TokenBudget
	used := 0
	for _, s := range byImportance {
		critical := s.Importance >= m.config.CriticalImportance
		if !critical && used+s.Tokens > budget {
			continue
		}
		kept[segKey(s.TextSegment)] = true
		used += s.Tokens
	}

	var retained []ScoredSegment
	for _, s := range scored {
		if kept[segKey(s.TextSegment)] {
			retained = append(retained, s)
		} else {
			report.DroppedSegments = append(report.DroppedSegments, s.TextSegment)
		}
	}

	report.RetainedSegs = len(retained)
	report.RetainedTokens = used

	m.logger.Info("context pruned",
		zap.Int("original_tokens", total),
		zap.Int("retained_tokens", used),
		zap.Int("dropped_segments", len(report.DroppedSegments)))

	return rebuild(doc, retained), report
}

// Score 计算每段的重要性评分与 token 数。
func (m *Manager) Score(segs []types.TextSegment) []ScoredSegment {
	scored := make([]ScoredSegment, len(segs))
	msgCount := 0
	for _, s := range segs {
		if s.Source == "message" {
			msgCount++
		}
	}

	for i, seg := range segs {
		tokens, err := m.tokenizer.CountTokens(seg.Content)
		if err != nil || tokens == 0 {
			tokens = len(seg.Content) / 4
		}

		score := sourceWeight(seg)

		// 时间新近性：越靠后的消息衰减越少
		if seg.Source == "message" && msgCount > 1 {
			position := float64(seg.Index) / float64(msgCount-1)
			score *= 1 - m.config.RecencyDecay*(1-position)
		}

		// 长度因子：过短的段信息量有限
		score *= lengthFactor(tokens)

		// 去重度：与同级段高度重合的内容降权
		score *= uniquenessFactor(seg, segs)

		scored[i] = ScoredSegment{TextSegment: seg, Importance: clamp01(score), Tokens: tokens}
	}
	return scored
}

// sourceWeight 来源/角色基础权重。
func sourceWeight(seg types.TextSegment) float64 {
	switch seg.Source {
	case "system_prompt":
		return 1.0
	case "prompt":
		return 0.95
	case "context":
		return 0.6
	case "message":
		switch seg.Role {
		case "system":
			return 1.0
		case "user":
			return 0.8
		case "assistant":
			return 0.65
		case "tool":
			return 0.45
		default:
			return 0.6
		}
	default:
		return 0.5
	}
}

func lengthFactor(tokens int) float64 {
	if tokens <= 2 {
		return 0.7
	}
	if tokens <= 512 {
		return 1.0
	}
	// 超长段缓慢降权
	return 1.0 / (1.0 + math.Log(float64(tokens)/512))
}

// uniquenessFactor 基于词项 Jaccard 相似度对重复内容降权。
func uniquenessFactor(seg types.TextSegment, all []types.TextSegment) float64 {
	terms := termSet(seg.Content)
	if len(terms) == 0 {
		return 1.0
	}

	maxOverlap := 0.0
	for _, other := range all {
		if other == seg {
			continue
		}
		overlap := jaccard(terms, termSet(other.Content))
		if overlap > maxOverlap {
			maxOverlap = overlap
		}
	}
	// 完全重复的段权重减半
	return 1.0 - 0.5*maxOverlap
}

func termSet(text string) map[string]struct{} {
	terms := semantic.Tokenize(text)
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// segKey 用来源+位置唯一标识一段。
func segKey(seg types.TextSegment) int {
	switch seg.Source {
	case "system_prompt":
		return -1
	case "prompt":
		return -2
	case "context":
		return -3
	default:
		return seg.Index
	}
}

// rebuild 用保留的段重建文档，非文本字段原样保留。
func rebuild(doc types.Document, retained []ScoredSegment) types.Document {
	out := doc.Clone()

	keptField := map[string]bool{}
	keptMsg := map[int]bool{}
	for _, s := range retained {
		if s.Source == "message" {
			keptMsg[s.Index] = true
		} else {
			keptField[s.Source] = true
		}
	}

	for _, field := range []string{"system_prompt", "prompt", "context"} {
		if _, present := out[field]; present {
			if s, ok := out[field].(string); ok && s != "" && !keptField[field] {
				delete(out, field)
			}
		}
	}

	if msgs, ok := out["messages"].([]any); ok {
		filtered := make([]any, 0, len(msgs))
		for i, m := range msgs {
			mm, isMap := m.(map[string]any)
			content, _ := mm["content"].(string)
			// 无文本内容的消息不参与裁剪，原样保留
			if !isMap || content == "" || keptMsg[i] {
				filtered = append(filtered, m)
			}
		}
		out["messages"] = filtered
	}

	return out
}
