// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package api 定义 NodeFlow HTTP API 的请求与响应结构。
//
// 所有接口位于 /api/v1 下，响应统一包裹为
// {success, data, error{code,message,retryable}, timestamp, request_id}。
// 配置了 API Key 时需通过 X-API-Key 请求头鉴权。
package api
