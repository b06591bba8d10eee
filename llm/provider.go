package llm

import (
	"context"
	"time"
)

// Role 消息角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultCacheTTL LLM 响应默认缓存时长
const DefaultCacheTTL = time.Hour

// Message 对话消息
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Request 一次补全请求。采样参数为 nil 时不下发给上游，由模型默认值决定。
type Request struct {
	Model            string            `json:"model_id"`
	Messages         []Message         `json:"messages"`
	Temperature      *float64          `json:"temperature,omitempty"`
	MaxTokens        *int              `json:"max_tokens,omitempty"`
	TopP             *float64          `json:"top_p,omitempty"`
	FrequencyPenalty *float64          `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64          `json:"presence_penalty,omitempty"`
	Stop             []string          `json:"stop,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`

	// 缓存控制
	UseCache bool          `json:"use_cache"`
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`
}

// NewRequest 创建默认启用缓存的请求
func NewRequest(model string, messages ...Message) *Request {
	return &Request{
		Model:    model,
		Messages: messages,
		UseCache: true,
		CacheTTL: DefaultCacheTTL,
	}
}

// WithTemperature 设置温度
func (r *Request) WithTemperature(v float64) *Request {
	r.Temperature = &v
	return r
}

// WithMaxTokens 设置最大输出 token
func (r *Request) WithMaxTokens(v int) *Request {
	r.MaxTokens = &v
	return r
}

// Usage token 用量
type Usage struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	CostUSD          *float64 `json:"cost_usd,omitempty"`
}

// Response 补全结果
type Response struct {
	Content      string         `json:"content"`
	Model        string         `json:"model_id"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
	Cached       bool           `json:"cached"`
	LatencyMS    float64        `json:"latency_ms,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// StreamChunk 流式增量
type StreamChunk struct {
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Err          error  `json:"-"`
}

// Provider LLM 上游适配接口
type Provider interface {
	// Complete 发起同步补全请求
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream 发起流式请求，通道在结束或出错后关闭
	Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error)

	// Name 返回 Provider 的唯一标识
	Name() string
}
