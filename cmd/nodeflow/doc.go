// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 NodeFlow 服务端程序入口。

# 概述

cmd/nodeflow 组装工作流执行器、Agent 编排器、消息总线、Agent 上下文协议
与带缓存的 LLM 服务，对外提供 /api/v1 HTTP API 与独立端口的 /metrics。

# 核心类型

  - Server     — 按依赖顺序初始化组件，管理 API 与 Metrics 两个 server.Manager 以及优雅关闭
  - Middleware — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate（up/down/steps/goto/force/status/version/info/reset）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、MetricsMiddleware、
    RequestLogger、CORS、RateLimiter（基于 IP）、APIKeyAuth（X-API-Key / ?api_key=）
  - 运行记录存储按 workflow.run_store 选择 memory、database（gorm）或 mongo
  - workflow.definitions_dir 下的 YAML 定义在启动时注册，并在文件变更后重新加载
  - 优雅关闭：信号 → 关闭 HTTP → 停止目录监听 → 等待异步运行 → 关闭总线与存储 → 关闭 telemetry
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
