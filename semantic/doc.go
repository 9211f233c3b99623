// Package semantic 提供请求指纹与文本相似度计算。
//
// 指纹是缓存与批处理共用的稳定 key；相似度采用可替换的 Scorer 接口，
// 默认实现为 TF-IDF 加权余弦（无外部 embedding 依赖），
// 需要真实语义向量时可注入其他实现。
package semantic
