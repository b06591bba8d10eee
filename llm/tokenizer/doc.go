// Package tokenizer 提供统一的 token 计数接口，
// 支持 tiktoken 精确计数与 CJK 感知的字符估算，用于补齐上游未返回的用量统计。
package tokenizer
