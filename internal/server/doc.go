// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 server 管理 NodeFlow 的 HTTP 服务生命周期。

serve 命令启动两个 Manager：API 服务（APIConfig）与 Prometheus
抓取端口（MetricsConfig）。Start 非阻塞，Wait 阻塞到信号上下文结束
或服务异常退出，Shutdown 在超时内排空请求；RegisterOnShutdown
用于通知执行事件的 websocket 推送连接退出。
*/
package server
