/*
Package cache 实现三级语义缓存，用于在命中时直接复用历史 LLM 结果。

层级与查找顺序：

  - L1：进程内 LRU，条目数与总字节数双上限。
  - L2：Redis 共享缓存，TTL 过期。
  - L3：SQLite 持久缓存（gorm），更长 TTL。
  - 精确未命中后在 L1 上做相似度兜底扫描（余弦 ≥ 阈值）。

低层命中会回填到所有更高层；Set 同步写入全部启用层，
单层写入失败只记录告警不影响整体。过期条目永不返回，无负缓存。
*/
package cache
