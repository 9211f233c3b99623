// Package arbitrage 在多个 LLM 提供商之间做实时套利选择。
//
// 选定模型后，引擎比较所有可提供该模型的提供商：
// 定价监控器按 TTL 缓存各提供商报价（singleflight 去重、限速拉取），
// 性能监控器维护延迟分位数与成功率的滑动窗口。
// 评分权重由请求的预算敏感度决定：成本权重等于敏感度，
// 其余权重按 60/40 分给延迟与可靠性。数据越陈旧，决策置信度越低。
package arbitrage
