// Package promptopt 对请求文本做按形态选择的压缩：
// 短段或系统关键段只做结构化清理（空白/冗词），
// 长段或低重要性段用抽取式摘要或关键词提取做更强压缩。
// 压缩后计算质量分（与原文相似度、长度比惩罚、关键短语覆盖）仅供观测，
// 不会因质量分阻断响应。对无文本输入幂等，永不增加 token 数。
package promptopt
