package semantic

import (
	"math"
	"strings"
	"sync"
	"unicode"
)

// Scorer 计算两段文本的语义相似度，取值范围 [0, 1]。
// 实现必须满足对称性：Similarity(a, b) == Similarity(b, a)，
// 且 Similarity(a, a) == 1（空文本除外）。
type Scorer interface {
	Similarity(a, b string) float64
	Name() string
}

// TFIDFScorer 基于 TF-IDF 加权余弦的默认相似度实现。
// 文档频率表随调用逐步累积（有界），用于压低高频词的权重；
// 表为空时退化为纯词频余弦，结果依然对称。
type TFIDFScorer struct {
	mu       sync.RWMutex
	docFreq  map[string]int
	docCount int
	maxTerms int
}

// NewTFIDFScorer 创建默认 Scorer。
func NewTFIDFScorer() *TFIDFScorer {
	return &TFIDFScorer{
		docFreq:  make(map[string]int),
		maxTerms: 50000,
	}
}

func (s *TFIDFScorer) Name() string { return "tfidf_cosine" }

// Similarity 实现 Scorer.Similarity。
func (s *TFIDFScorer) Similarity(a, b string) float64 {
	ta := Tokenize(a)
	tb := Tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		if len(ta) == 0 && len(tb) == 0 && a == b {
			return 1.0
		}
		return 0.0
	}

	s.observe(ta)
	s.observe(tb)

	va := s.vector(ta)
	vb := s.vector(tb)
	return cosine(va, vb)
}

// observe 将一段文本的词项计入文档频率表。
func (s *TFIDFScorer) observe(terms []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.docFreq) >= s.maxTerms {
		// 表满后停止学习新词，已有权重保持稳定
		s.docCount++
		for _, t := range uniqueTerms(terms) {
			if _, ok := s.docFreq[t]; ok {
				s.docFreq[t]++
			}
		}
		return
	}

	s.docCount++
	for _, t := range uniqueTerms(terms) {
		s.docFreq[t]++
	}
}

// vector 生成 TF-IDF 加权词频向量。
func (s *TFIDFScorer) vector(terms []string) map[string]float64 {
	tf := make(map[string]float64, len(terms))
	for _, t := range terms {
		tf[t]++
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	vec := make(map[string]float64, len(tf))
	for t, f := range tf {
		weight := 1.0 + math.Log(f)
		if s.docCount > 0 {
			df := s.docFreq[t]
			weight *= math.Log(float64(1+s.docCount)/float64(1+df)) + 1.0
		}
		vec[t] = weight
	}
	return vec
}

func cosine(a, b map[string]float64) float64 {
	var dot, normA, normB float64
	for t, wa := range a {
		normA += wa * wa
		if wb, ok := b[t]; ok {
			dot += wa * wb
		}
	}
	for _, wb := range b {
		normB += wb * wb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// 浮点误差夹紧
	if sim > 1 {
		sim = 1
	}
	if sim < 0 {
		sim = 0
	}
	return sim
}

// Tokenize 将文本切分为小写词项并过滤停用词。
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func uniqueTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// stopWords 英文高频停用词表。
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "he": true, "her": true, "his": true,
	"i": true, "in": true, "is": true, "it": true, "its": true,
	"of": true, "on": true, "or": true, "our": true, "she": true,
	"that": true, "the": true, "their": true, "they": true, "this": true,
	"to": true, "was": true, "we": true, "were": true, "will": true,
	"with": true, "you": true, "your": true,
}
