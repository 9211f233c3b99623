/*
包 metrics 提供基于 Prometheus 的优化管线指标采集能力。

# 概述

本包通过 Collector 订阅管线事件流（types.EventSink），将缓存、重试、
熔断、路由、套利、批处理等事件转换为 Prometheus 指标。使用 promauto
自动注册机制，指标按 namespace 隔离，支持多维度 label 分组。

# 核心类型

  - Collector：指标收集器，实现 types.EventSink，持有 Counter、
    Histogram 等 Prometheus 向量指标，按优化策略分组管理。

# 主要能力

  - 缓存指标：命中/未命中/写入计数，命中按 tier（memory/redis/sqlite）
    分组，命中相似度 Histogram。
  - 韧性指标：重试次数、熔断开启次数，按 provider/model 分组。
  - 决策指标：路由与套利决策计数，按 model/provider 分组。
  - 成本指标：累计节省金额（USD）与节省 Token 数。
  - 降级指标：管线阶段降级计数，按 stage 分组。
*/
package metrics
