// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 NodeFlow 各层共享的结构化错误。

# 概述

types 是最底层的公共包，不依赖任何内部包。workflow、agent、llm 与 api
通过同一套 ErrorCode 表达失败原因，api 层据此映射 HTTP 状态码。

# 核心类型

  - ErrorCode — 错误码（请求、上游、工作流、Agent 四组）
  - Error     — 携带错误码、HTTP 状态、Retryable、Provider 与节点 ID 的错误

# 主要能力

  - 构建：NewError(...).WithCause / WithHTTPStatus / WithRetryable / WithProvider / WithNode
  - 判定：AsError、IsRetryable、GetErrorCode、IsCode，均支持 errors 包装链
*/
package types
