// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package providers 提供 OpenAI 兼容接口共用的线上结构（ChatRequest、ChatResponse 等）
// 以及把上游 HTTP 状态映射为 types.Error 的辅助函数。具体实现位于子包。
package providers
