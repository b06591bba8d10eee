// Package bus 提供 Agent 间的消息总线。
//
// 频道约定：
//
//	agent:messages:<agent_id>   点对点
//	agent:messages:broadcast    广播
//
// 消息以 JSON 编码（时间为 ISO-8601），过期消息在接收端丢弃。
package bus
