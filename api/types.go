package api

import (
	"time"
)

// =============================================================================
// 💬 AI 对话
// =============================================================================

// ChatMessage 对话消息
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest POST /api/v1/ai/chat
type ChatRequest struct {
	Model            string        `json:"model_id"`
	Messages         []ChatMessage `json:"messages"`
	Temperature      *float64      `json:"temperature,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	// 为 nil 时默认使用缓存
	UseCache *bool `json:"use_cache,omitempty"`
	// 缓存时长（秒），0 使用默认值
	CacheTTLSeconds int `json:"cache_ttl,omitempty"`
	// 为 true 时以 SSE 返回，流式结果不缓存
	Stream bool `json:"stream,omitempty"`
}

// ChatUsage token 用量
type ChatUsage struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	CostUSD          *float64 `json:"cost_usd,omitempty"`
}

// ChatResponse 对话结果
type ChatResponse struct {
	Content      string     `json:"content"`
	Model        string     `json:"model_id"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *ChatUsage `json:"usage,omitempty"`
	Cached       bool       `json:"cached"`
	LatencyMS    float64    `json:"latency_ms"`
}

// StreamChunk SSE 数据帧
type StreamChunk struct {
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// ModelInfo GET /api/v1/ai/models 的条目
type ModelInfo struct {
	ID            string  `json:"model_id"`
	Name          string  `json:"name"`
	Role          string  `json:"role"`
	MaxTokens     int     `json:"max_tokens"`
	Temperature   float64 `json:"temperature"`
	ContextLength int     `json:"context_length"`
	Description   string  `json:"description,omitempty"`
	Recommended   bool    `json:"recommended"`
}

// =============================================================================
// 🔀 工作流执行
// =============================================================================

// ExecuteRequest POST /api/v1/workflows/{id}/execute
type ExecuteRequest struct {
	Inputs         map[string]any `json:"inputs"`
	AsyncExecution bool           `json:"async_execution"`
	TriggeredBy    string         `json:"triggered_by,omitempty"`
}

// ExecuteResponse 执行受理结果
type ExecuteResponse struct {
	ExecutionID string     `json:"execution_id"`
	WorkflowID  string     `json:"workflow_id"`
	Status      string     `json:"status"`
	Message     string     `json:"message"`
	StartedAt   *time.Time `json:"started_at"`
}

// =============================================================================
// 🤖 Agent 与任务
// =============================================================================

// RegisterAgentRequest POST /api/v1/agents
type RegisterAgentRequest struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Name           string   `json:"name"`
	Capabilities   []string `json:"capabilities"`
	PreferredModel string   `json:"preferred_model,omitempty"`
}

// AddMemoryRequest POST /api/v1/agents/{id}/memories
type AddMemoryRequest struct {
	Content    string         `json:"content"`
	Type       string         `json:"type"`
	Importance *float64       `json:"importance,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AddRuleRequest POST /api/v1/agents/{id}/rules
type AddRuleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Condition   string `json:"condition"`
	Action      string `json:"action"`
	Priority    int    `json:"priority"`
}

// AskRequest POST /api/v1/agents/{id}/ask
type AskRequest struct {
	Question     string `json:"question"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// AskResponse Agent 回答
type AskResponse struct {
	AgentID string `json:"agent_id"`
	Answer  string `json:"answer"`
}

// CreateTaskRequest POST /api/v1/tasks
type CreateTaskRequest struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	InputData            map[string]any `json:"input_data"`
	Priority             string         `json:"priority,omitempty"`
	ParentTaskID         string         `json:"parent_task_id,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// AssignTaskRequest POST /api/v1/tasks/{id}/assign，AgentID 为空时自动选择
type AssignTaskRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}

// AssignTaskResponse 分配结果
type AssignTaskResponse struct {
	TaskID   string `json:"task_id"`
	Assigned bool   `json:"assigned"`
}

// TaskResultResponse POST /api/v1/tasks/{id}/execute
type TaskResultResponse struct {
	TaskID string         `json:"task_id"`
	Result map[string]any `json:"result"`
}
