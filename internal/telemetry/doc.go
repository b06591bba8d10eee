// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package telemetry 初始化 OpenTelemetry SDK（OTLP gRPC 导出 trace 与 metric），
// 并提供 Recorder：在把指标转发给 Prometheus Collector 的同时记录 OTel 仪表。
// 禁用时全局 provider 保持 noop。
package telemetry
