package router

import (
	"strings"

	"github.com/BaSui01/optiflow/semantic"
	"github.com/BaSui01/optiflow/tokenizer"
	"github.com/BaSui01/optiflow/types"
)

// TaskFeatures 从请求文档提取的任务特征。
type TaskFeatures struct {
	Tokens               int     `json:"tokens"`
	QuestionCount        int     `json:"question_count"`
	ReasoningSteps       int     `json:"reasoning_steps"`
	DomainDensity        float64 `json:"domain_density"`
	NeedsCode            bool    `json:"needs_code"`
	NeedsVision          bool    `json:"needs_vision"`
	Creative             bool    `json:"creative"`
	ContextDependencies  int     `json:"context_dependencies"`
	ExpectedOutputTokens int     `json:"expected_output_tokens"`
}

// reasoningConnectives 推理步骤的连接词线索。
var reasoningConnectives = []string{
	"therefore", "because", "thus", "hence", "consequently",
	"step by step", "first", "second", "then", "finally",
	"analyze", "compare", "evaluate", "derive", "prove",
}

// domainKeywords 专业领域关键词（密度高意味着任务更复杂）。
var domainKeywords = []string{
	"algorithm", "architecture", "database", "kubernetes", "regression",
	"diagnosis", "litigation", "compliance", "derivative", "portfolio",
	"genome", "molecule", "theorem", "topology", "cryptography",
}

var codeIndicators = []string{
	"```", "code", "function", "implement", "refactor", "debug",
	"compile", "script", "api", "class ", "def ", "func ",
}

var visionIndicators = []string{
	"image", "picture", "photo", "screenshot", "diagram", "chart",
}

var creativeIndicators = []string{
	"story", "poem", "creative", "imagine", "fiction", "brainstorm",
}

// referenceIndicators 指向先前消息的指代线索。
var referenceIndicators = []string{
	"above", "previous", "earlier", "as mentioned", "you said", "that one",
}

// longOutputCues / shortOutputCues 期望输出长度的关键词线索。
var longOutputCues = []string{"detailed", "comprehensive", "in depth", "thorough", "essay", "full"}
var shortOutputCues = []string{"brief", "short", "concise", "summary", "one sentence", "tl;dr"}

// ExtractFeatures 从文档抽取任务特征。字段缺失时按零值处理。
func ExtractFeatures(doc types.Document, tk tokenizer.Tokenizer) TaskFeatures {
	segs := doc.TextSegments()
	text := doc.Text()
	lower := strings.ToLower(text)

	var f TaskFeatures

	if tk != nil {
		f.Tokens = tokenizer.CountDocument(tk, doc)
	}
	if f.Tokens == 0 {
		f.Tokens = len(text) / 4
	}

	f.QuestionCount = strings.Count(text, "?") + strings.Count(text, "？")

	for _, c := range reasoningConnectives {
		f.ReasoningSteps += strings.Count(lower, c)
	}

	words := semantic.Tokenize(text)
	if len(words) > 0 {
		matches := 0
		for _, kw := range domainKeywords {
			matches += strings.Count(lower, kw)
		}
		f.DomainDensity = float64(matches) / float64(len(words))
	}

	f.NeedsCode = containsAny(lower, codeIndicators)
	f.NeedsVision = containsAny(lower, visionIndicators) || hasImagePayload(doc)
	f.Creative = containsAny(lower, creativeIndicators)

	// 跨消息依赖：多条消息 + 指代线索
	msgCount := 0
	for _, s := range segs {
		if s.Source == "message" {
			msgCount++
		}
	}
	if msgCount > 1 {
		f.ContextDependencies = msgCount - 1
		for _, r := range referenceIndicators {
			f.ContextDependencies += strings.Count(lower, r)
		}
	}

	f.ExpectedOutputTokens = expectedOutput(lower, f.Tokens)

	return f
}

func expectedOutput(lower string, inputTokens int) int {
	switch {
	case containsAny(lower, shortOutputCues):
		return 100
	case containsAny(lower, longOutputCues):
		return 2000
	default:
		// 默认与输入规模同量级
		est := inputTokens / 2
		if est < 200 {
			est = 200
		}
		return est
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func hasImagePayload(doc types.Document) bool {
	for _, key := range []string{"image", "images", "image_url", "attachments"} {
		if _, ok := doc[key]; ok {
			return true
		}
	}
	return false
}
