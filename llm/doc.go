// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package llm 定义模型调用的统一抽象，并在其上提供带 Redis 缓存的服务层。

# 核心类型

  - Provider       — 上游模型服务接口（Complete / Stream / Name）
  - Request        — 补全请求，含采样参数与缓存控制（UseCache、CacheTTL）
  - Response       — 补全结果，Cached 标记是否命中缓存
  - CachedService  — cache-aside 服务：singleflight 合并并发未命中，finish_reason 为 stop 才回写
  - ModelRegistry  — 按角色（communication / reasoning / code / structured）划分的推荐模型表

# 缓存键

CacheKey 对模型、消息与影响输出的采样参数做按键排序的 JSON 后取 SHA-256，
完整键位于 ResponseKeyPrefix 之下，InvalidateAll 按前缀清理。

# 子包

  - providers/openrouter — OpenRouter Chat Completions 实现（限流、重试、SSE）
  - providers            — OpenAI 兼容的请求/响应结构与 HTTP 错误映射
  - retry                — 指数退避重试
  - tokenizer            — tiktoken 计数，失败时退回字符估算
*/
package llm
