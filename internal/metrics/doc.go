// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集。

Collector 通过 promauto 注册到默认 Registry，按 namespace 隔离，
覆盖以下维度：

  - HTTP：请求数（状态码归类为 2xx/3xx/4xx/5xx）、耗时、响应体大小
  - 工作流：运行数与耗时（按最终状态）、节点执行数与耗时（按节点类型）、
    节点间通信原语调用数（按通信模式与原语）
  - LLM：请求数（区分缓存命中）、上游耗时、prompt/completion token
  - 缓存：命中/未命中
  - Agent：消息总线收发数、编排器任务状态流转
  - 数据库：连接池打开/空闲连接数

Collector 直接实现 llm、workflow、bus、orchestrator 各包定义的
MetricsRecorder 接口，服务启动时作为 Option 注入。
*/
package metrics
