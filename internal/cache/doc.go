/*
包 cache 提供基于 Redis 的通用 TTL 键值存储。

Manager 封装 go-redis 客户端，负责连接生命周期、后台健康检查与优雅关闭，
对上层提供 Get/Set/Delete/Exists/Expire、JSON 便捷方法、按模式批量清理
与统计信息。LLM 响应缓存与 Agent 上下文存储都建立在它之上；底层客户端
通过 Client 与消息总线共享连接池。

未命中统一返回 ErrCacheMiss，调用方据此区分“没有值”和“缓存故障”。
*/
package cache
