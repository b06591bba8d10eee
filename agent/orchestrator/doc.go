// Package orchestrator 管理 Agent 的注册与任务编排。
//
// 任务按能力匹配分配给空闲 Agent（last_active 最早者优先），
// 任务请求与结果通过消息总线传递。
package orchestrator
