// Package tlsutil 为出站连接提供统一的 TLS 与连接池设置：
// LLM 上游、webhook/data-source 节点的 HTTP 客户端，以及启用 TLS 时的 Redis 连接。
package tlsutil
