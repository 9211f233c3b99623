/*
Package router 根据任务复杂度为请求挑选模型档位。

流程：特征抽取（长度、问句数、推理连接词、领域关键词密度、
代码/视觉/创作指示、跨消息依赖、期望输出长度）→ 复杂度分类
（规则分类器为默认实现，积累足够标注样本后可切换训练分类器）→
档位映射与候选过滤 → 确定性打分排序，返回含备选与理由的路由决策。

给定相同特征与目录状态，Route 的选择与备选排序是确定的。
*/
package router
