// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 NodeFlow HTTP API（/api/v1）的请求处理器实现。

# 核心类型

  - WorkflowHandler — 工作流注册（JSON 或 YAML 定义）、同步/异步执行、运行查询与 WebSocket 进度推送
  - AgentHandler    — Agent 注册与下线、上下文、记忆、规则、状态、偏好以及问答
  - TaskHandler     — 编排任务的创建、分配与阻塞执行
  - ChatHandler     — 带缓存的对话补全（可选 SSE）、模型列表、缓存统计与清理
  - HealthHandler   — /health、/healthz、/ready、/version
  - Response        — 统一 JSON 响应结构（success + data + error + timestamp + request_id）

# 约定

  - 所有 handler 只依赖标准 net/http，路由使用 Go 1.22 的方法与路径参数模式
  - 错误统一经 WriteError 输出：*types.Error 按错误码映射 HTTP 状态码，其余错误视为 500 且不暴露细节
  - 请求体经 DecodeJSONBody 严格解码（1 MB 上限，拒绝未知字段）
*/
package handlers
