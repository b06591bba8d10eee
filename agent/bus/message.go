package bus

import (
	"encoding/json"
	"time"
)

// MessageType 消息类型（封闭枚举）
type MessageType string

const (
	MessageTaskRequest  MessageType = "task_request"  // 请求另一个 Agent 执行任务
	MessageTaskResponse MessageType = "task_response" // 任务结果
	MessageTaskUpdate   MessageType = "task_update"   // 任务进度
	MessageQuery        MessageType = "query"         // 查询
	MessageResponse     MessageType = "response"      // 查询应答
	MessageNotification MessageType = "notification"
	MessageError        MessageType = "error"
	MessageBroadcast    MessageType = "broadcast"
)

// IsValid 检查消息类型
func (t MessageType) IsValid() bool {
	switch t {
	case MessageTaskRequest, MessageTaskResponse, MessageTaskUpdate, MessageQuery,
		MessageResponse, MessageNotification, MessageError, MessageBroadcast:
		return true
	default:
		return false
	}
}

// dispatchConcurrently 报告该类型的处理函数是否可并发执行（会调用 LLM 的长耗时类型）
func (t MessageType) dispatchConcurrently() bool {
	return t == MessageTaskRequest || t == MessageQuery
}

// Priority 消息优先级
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// IsValid 是否为已知优先级
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// AgentMessage Agent 之间交换的消息。ToAgent 为空表示广播。
type AgentMessage struct {
	ID               string
	Type             MessageType
	FromAgent        string
	ToAgent          string
	Subject          string
	Content          map[string]any
	Priority         Priority
	RequiresResponse bool
	ReplyTo          string
	Timestamp        time.Time
	ExpiresAt        *time.Time
	Metadata         map[string]any
}

// Expired 消息是否已过期
func (m *AgentMessage) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// wireMessage JSON 线格式，空的 to_agent / reply_to 编码为 null
type wireMessage struct {
	ID               string         `json:"id"`
	Type             MessageType    `json:"type"`
	FromAgent        string         `json:"from_agent"`
	ToAgent          *string        `json:"to_agent"`
	Subject          string         `json:"subject"`
	Content          map[string]any `json:"content"`
	Priority         Priority       `json:"priority"`
	RequiresResponse bool           `json:"requires_response"`
	ReplyTo          *string        `json:"reply_to"`
	Timestamp        time.Time      `json:"timestamp"`
	ExpiresAt        *time.Time     `json:"expires_at"`
	Metadata         map[string]any `json:"metadata"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// MarshalJSON 编码为线格式
func (m AgentMessage) MarshalJSON() ([]byte, error) {
	content := m.Content
	if content == nil {
		content = map[string]any{}
	}
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	priority := m.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	return json.Marshal(wireMessage{
		ID:               m.ID,
		Type:             m.Type,
		FromAgent:        m.FromAgent,
		ToAgent:          optional(m.ToAgent),
		Subject:          m.Subject,
		Content:          content,
		Priority:         priority,
		RequiresResponse: m.RequiresResponse,
		ReplyTo:          optional(m.ReplyTo),
		Timestamp:        m.Timestamp.UTC(),
		ExpiresAt:        m.ExpiresAt,
		Metadata:         meta,
	})
}

// UnmarshalJSON 从线格式解码
func (m *AgentMessage) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = AgentMessage{
		ID:               w.ID,
		Type:             w.Type,
		FromAgent:        w.FromAgent,
		ToAgent:          deref(w.ToAgent),
		Subject:          w.Subject,
		Content:          w.Content,
		Priority:         w.Priority,
		RequiresResponse: w.RequiresResponse,
		ReplyTo:          deref(w.ReplyTo),
		Timestamp:        w.Timestamp,
		ExpiresAt:        w.ExpiresAt,
		Metadata:         w.Metadata,
	}
	if m.Content == nil {
		m.Content = map[string]any{}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	return nil
}
