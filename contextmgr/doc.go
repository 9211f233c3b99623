// Package contextmgr 按重要性裁剪请求文档中的文本段，使其适应 token 预算。
//
// 每段的重要性由来源/角色权重、时间新近性、长度因子与同级去重度合成；
// 裁剪按重要性降序贪心保留，高于关键阈值的段不受预算约束。
// 对不含文本的输入是幂等空操作，且永不增加 token 数。
package contextmgr
