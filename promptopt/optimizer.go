package promptopt

import (
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/optiflow/semantic"
	"github.com/BaSui01/optiflow/tokenizer"
	"github.com/BaSui01/optiflow/types"
)

// Strategy 压缩策略。
type Strategy string

const (
	// StrategyStructural 结构化清理：压缩空白、去除冗词。
	StrategyStructural Strategy = "structural"
	// StrategySummarize 抽取式摘要：按句子得分保留高价值句。
	StrategySummarize Strategy = "summarize"
	// StrategyKeywords 关键词提取：硬下限压缩。
	StrategyKeywords Strategy = "keywords"
)

// Config 压缩配置。
type Config struct {
	// TargetRatio 摘要压缩的目标长度比（0-1）。
	TargetRatio float64 `yaml:"target_ratio" json:"target_ratio"`

	// SummarizeMinTokens 触发摘要压缩的最小段长。
	SummarizeMinTokens int `yaml:"summarize_min_tokens" json:"summarize_min_tokens"`

	// KeywordsMaxTokens 关键词提取保留的最大词数。
	KeywordsMaxTokens int `yaml:"keywords_max_tokens" json:"keywords_max_tokens"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() *Config {
	return &Config{
		TargetRatio:        0.6,
		SummarizeMinTokens: 200,
		KeywordsMaxTokens:  40,
	}
}

// Report 压缩审计。
type Report struct {
	OriginalTokens   int
	CompressedTokens int
	Quality          float64
	Strategies       []Strategy
}

// TokenSavings 压缩节省的 token 数。
func (r *Report) TokenSavings() int {
	return r.OriginalTokens - r.CompressedTokens
}

// Optimizer Prompt 压缩器。
type Optimizer struct {
	config    *Config
	tokenizer tokenizer.Tokenizer
	scorer    semantic.Scorer
	logger    *zap.Logger
}

// NewOptimizer 创建压缩器。
func NewOptimizer(config *Config, tk tokenizer.Tokenizer, scorer semantic.Scorer, logger *zap.Logger) *Optimizer {
	if config == nil {
		config = DefaultConfig()
	}
	if config.TargetRatio <= 0 || config.TargetRatio >= 1 {
		config.TargetRatio = 0.6
	}
	if config.SummarizeMinTokens <= 0 {
		config.SummarizeMinTokens = 200
	}
	if config.KeywordsMaxTokens <= 0 {
		config.KeywordsMaxTokens = 40
	}
	if tk == nil {
		tk = tokenizer.NewEstimatorTokenizer("", 0)
	}
	if scorer == nil {
		scorer = semantic.NewTFIDFScorer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{config: config, tokenizer: tk, scorer: scorer, logger: logger}
}

// Optimize 压缩文档的全部文本段。无文本段时原样返回。
func (o *Optimizer) Optimize(doc types.Document) (types.Document, *Report) {
	segs := doc.TextSegments()
	report := &Report{Quality: 1.0}
	if len(segs) == 0 {
		return doc, report
	}

	out := doc.Clone()
	var qualitySum float64
	var qualityCount int
	seen := map[Strategy]bool{}

	for _, seg := range segs {
		origTokens := o.countTokens(seg.Content)
		report.OriginalTokens += origTokens

		compressed, strategy := o.compressSegment(seg, origTokens)

		newTokens := o.countTokens(compressed)
		// 压缩永不增加 token 数
		if newTokens >= origTokens {
			compressed = seg.Content
			newTokens = origTokens
		}
		report.CompressedTokens += newTokens

		if compressed != seg.Content {
			writeSegment(out, seg, compressed)
			qualitySum += o.qualityScore(seg.Content, compressed)
			qualityCount++
			if !seen[strategy] {
				seen[strategy] = true
				report.Strategies = append(report.Strategies, strategy)
			}
		}
	}

	if qualityCount > 0 {
		report.Quality = qualitySum / float64(qualityCount)
	}

	o.logger.Debug("prompt optimized",
		zap.Int("original_tokens", report.OriginalTokens),
		zap.Int("compressed_tokens", report.CompressedTokens),
		zap.Float64("quality", report.Quality))

	return out, report
}

// compressSegment 按段形态选择策略。
func (o *Optimizer) compressSegment(seg types.TextSegment, tokens int) (string, Strategy) {
	systemCritical := seg.Source == "system_prompt" || seg.Role == "system"

	if systemCritical || tokens < o.config.SummarizeMinTokens {
		return structuralCleanup(seg.Content), StrategyStructural
	}

	summarized := o.summarize(seg.Content)
	if o.countTokens(summarized) > tokens*2/3+o.config.KeywordsMaxTokens {
		// 摘要压不下去时退到关键词硬下限
		return o.keywords(seg.Content), StrategyKeywords
	}
	return summarized, StrategySummarize
}

func (o *Optimizer) countTokens(text string) int {
	n, err := o.tokenizer.CountTokens(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// qualityScore 压缩质量评分：
// 0.5×与原文相似度 + 0.3×长度比惩罚 + 0.2×关键短语覆盖。
func (o *Optimizer) qualityScore(original, compressed string) float64 {
	sim := o.scorer.Similarity(original, compressed)

	ratio := float64(len(compressed)) / float64(len(original))
	lengthScore := 1.0
	if ratio < 0.2 {
		// 过度收缩惩罚
		lengthScore = ratio / 0.2
	}

	coverage := keyPhraseCoverage(original, compressed)

	return 0.5*sim + 0.3*lengthScore + 0.2*coverage
}

// ---------------------------------------------------------------------------
// 策略实现
// ---------------------------------------------------------------------------

var (
	whitespaceRe = regexp.MustCompile(`[ \t]+`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// fillerWords 可以安全去除的口语冗词。
var fillerWords = map[string]bool{
	"please": true, "kindly": true, "basically": true, "actually": true,
	"really": true, "very": true, "just": true, "simply": true,
	"perhaps": true, "maybe": true, "quite": true,
}

// structuralCleanup 压缩空白并去除冗词，保持行结构与语序不变。
func structuralCleanup(text string) string {
	s := whitespaceRe.ReplaceAllString(text, " ")
	s = blankLinesRe.ReplaceAllString(s, "\n\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		words := strings.Fields(line)
		cleaned := words[:0]
		for _, w := range words {
			if fillerWords[strings.ToLower(strings.Trim(w, ".,!?"))] {
				continue
			}
			cleaned = append(cleaned, w)
		}
		lines[i] = strings.Join(cleaned, " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// summarize 抽取式摘要：按词频与位置给句子打分，保留目标比例内的高分句。
func (o *Optimizer) summarize(text string) string {
	sentences := splitSentences(text)
	if len(sentences) <= 2 {
		return structuralCleanup(text)
	}

	// 全文词频
	freq := map[string]int{}
	for _, t := range semantic.Tokenize(text) {
		freq[t]++
	}

	type scoredSentence struct {
		index int
		score float64
	}
	scored := make([]scoredSentence, len(sentences))
	for i, s := range sentences {
		terms := semantic.Tokenize(s)
		var sum float64
		for _, t := range terms {
			sum += float64(freq[t])
		}
		score := 0.0
		if len(terms) > 0 {
			score = sum / float64(len(terms))
		}
		// 首尾句自带位置加分
		if i == 0 || i == len(sentences)-1 {
			score *= 1.2
		}
		scored[i] = scoredSentence{index: i, score: score}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	keepCount := int(float64(len(sentences)) * o.config.TargetRatio)
	if keepCount < 1 {
		keepCount = 1
	}

	keep := map[int]bool{}
	for _, s := range scored[:keepCount] {
		keep[s.index] = true
	}

	var b strings.Builder
	for i, s := range sentences {
		if keep[i] {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strings.TrimSpace(s))
		}
	}
	return b.String()
}

// keywords 关键词提取：按词频取 top-N，硬下限压缩。
func (o *Optimizer) keywords(text string) string {
	freq := map[string]int{}
	order := map[string]int{}
	for i, t := range semantic.Tokenize(text) {
		freq[t]++
		if _, ok := order[t]; !ok {
			order[t] = i
		}
	}

	terms := make([]string, 0, len(freq))
	for t := range freq {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return order[terms[i]] < order[terms[j]]
	})

	if len(terms) > o.config.KeywordsMaxTokens {
		terms = terms[:o.config.KeywordsMaxTokens]
	}
	// 按原文出现顺序输出，保持可读性
	sort.Slice(terms, func(i, j int) bool { return order[terms[i]] < order[terms[j]] })
	return strings.Join(terms, " ")
}

var sentenceSplitRe = regexp.MustCompile(`[.!?。！？]\s*`)

func splitSentences(text string) []string {
	parts := sentenceSplitRe.Split(text, -1)
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// keyPhraseCoverage 原文高频词在压缩结果中的覆盖率。
func keyPhraseCoverage(original, compressed string) float64 {
	freq := map[string]int{}
	for _, t := range semantic.Tokenize(original) {
		freq[t]++
	}
	if len(freq) == 0 {
		return 1.0
	}

	type tf struct {
		term string
		n    int
	}
	all := make([]tf, 0, len(freq))
	for t, n := range freq {
		all = append(all, tf{t, n})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].n != all[j].n {
			return all[i].n > all[j].n
		}
		return all[i].term < all[j].term
	})

	top := all
	if len(top) > 10 {
		top = top[:10]
	}

	present := map[string]bool{}
	for _, t := range semantic.Tokenize(compressed) {
		present[t] = true
	}

	hit := 0
	for _, t := range top {
		if present[t.term] {
			hit++
		}
	}
	return float64(hit) / float64(len(top))
}

// writeSegment 将压缩后的内容写回文档对应位置。
func writeSegment(doc types.Document, seg types.TextSegment, content string) {
	if seg.Source != "message" {
		doc[seg.Source] = content
		return
	}

	msgs, ok := doc["messages"].([]any)
	if !ok || seg.Index < 0 || seg.Index >= len(msgs) {
		return
	}
	m, ok := msgs[seg.Index].(map[string]any)
	if !ok {
		return
	}

	// 拷贝切片与消息，避免污染调用方持有的原始数据
	copied := make([]any, len(msgs))
	copy(copied, msgs)
	mm := make(map[string]any, len(m))
	for k, v := range m {
		mm[k] = v
	}
	mm["content"] = content
	copied[seg.Index] = mm
	doc["messages"] = copied
}
