// Package types 定义 optiflow 各组件共享的核心数据结构：
// 请求文档（半结构化 map）、优化结果与元数据、以及可观测性事件。
//
// 请求文档没有固定 schema，所有字段访问都必须容忍缺失或类型不符，
// 因此本包提供的取值辅助函数在字段缺失时返回零值而不会 panic。
package types
