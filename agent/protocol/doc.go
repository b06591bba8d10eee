// Package protocol 实现 Agent 上下文协议（ACP）。
//
// 每个 Agent 拥有一份 AgentContext：记忆（short_term / long_term / working / episodic）、
// 按优先级排序的行为规则、偏好与自由状态。上下文以 JSON 存放在缓存中，
// 键为 "agent:context:<agent_id>"，默认 24 小时过期。
package protocol
