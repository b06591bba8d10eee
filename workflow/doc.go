// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供节点图工作流的执行引擎。

# 概述

一个 Workflow 由节点与有向边组成。Executor 从第一个 start 节点深度优先
计算执行顺序（start 不可达的节点追加在末尾），然后逐个串行执行。每个节点
有独立的超时；任一节点失败或超时都会终止本次运行。

# 核心类型

  - Workflow / Node / Edge   — 工作流定义
  - Run                      — 一次运行的记录（状态、节点结果、日志、错误、通信日志）
  - RunState                 — 单次运行的可变状态，显式传给处理函数与通信层
  - Executor                 — 执行器，支持同步 Execute 与后台 ExecuteAsync
  - Communicator             — 节点间通信原语：ask_node / broadcast_message /
    set_shared_context / get_shared_context
  - SimpleCommunicator       — 进程内实现
  - PubSubCommunicator       — 每个可通信 AI 节点注册为 Agent，经消息总线问答
  - RunStore / WorkflowStore — 内存、gorm（postgres/mysql/sqlite）与 MongoDB 实现

# 节点类型

start、ai-processor、email、data-source、webhook、filter、transformer、
condition、delay、end。未知类型记为 skipped，不影响后续节点。

# 模板

节点配置中的 {{name}} 替换为运行变量，{{outputs.<node_id>}} 替换为已完成
节点的输出；找不到的占位符原样保留。

# 出站调用

webhook 与 data-source 节点通过 WebhookClient 发起 HTTP 请求；
BreakerWebhookClient 按目标主机熔断。YAML 定义的加载见子包 dsl。
*/
package workflow
