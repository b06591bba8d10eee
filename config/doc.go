// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package config 提供 NodeFlow 的配置管理功能。
//
// 配置按「默认值 → YAML 文件 → NODEFLOW_ 环境变量」的顺序叠加，
// 覆盖 HTTP 服务、Redis、LLM 缓存、上游模型、Agent 编排、工作流执行器、
// 关系库与 MongoDB 运行存储、日志及 OpenTelemetry。
//
// DirWatcher 轮询工作流定义目录，供服务进程在 YAML 定义变更时重新加载。
package config
