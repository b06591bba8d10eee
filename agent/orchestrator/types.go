package orchestrator

import (
	"time"

	"github.com/BaSui01/nodeflow/agent/bus"
)

// AgentStatus Agent 状态
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentWaiting AgentStatus = "waiting"
	AgentError   AgentStatus = "error"
	AgentOffline AgentStatus = "offline"
)

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal 是否为终态
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Agent 编排器视角的 Agent 记录。Status 为 busy 当且仅当 CurrentTaskID 非空。
type Agent struct {
	ID                 string      `json:"id"`
	Type               string      `json:"type"`
	Name               string      `json:"name"`
	Capabilities       []string    `json:"capabilities"`
	Status             AgentStatus `json:"status"`
	CurrentTaskID      string      `json:"current_task_id,omitempty"`
	PreferredModel     string      `json:"preferred_model,omitempty"`
	MaxConcurrentTasks int         `json:"max_concurrent_tasks"`
	CreatedAt          time.Time   `json:"created_at"`
	LastActive         time.Time   `json:"last_active"`
}

// HasCapabilities Agent 是否具备全部所需能力
func (a *Agent) HasCapabilities(required []string) bool {
	have := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

func (a *Agent) clone() *Agent {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	return &cp
}

// Task 编排的工作单元。AssignedAgentID 在 assigned/in_progress/completed/failed 时非空。
type Task struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	InputData            map[string]any `json:"input_data"`
	OutputData           map[string]any `json:"output_data,omitempty"`
	Status               TaskStatus     `json:"status"`
	AssignedAgentID      string         `json:"assigned_agent_id,omitempty"`
	ParentTaskID         string         `json:"parent_task_id,omitempty"`
	Priority             bus.Priority   `json:"priority"`
	CreatedAt            time.Time      `json:"created_at"`
	StartedAt            *time.Time     `json:"started_at,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage         string         `json:"error_message,omitempty"`
	Metadata             map[string]any `json:"metadata"`

	requestID string
}

func (t *Task) clone() *Task {
	cp := *t
	cp.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	return &cp
}

// TaskSpec 创建任务的参数
type TaskSpec struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	InputData            map[string]any `json:"input_data"`
	Priority             bus.Priority   `json:"priority"`
	ParentTaskID         string         `json:"parent_task_id"`
	Metadata             map[string]any `json:"metadata"`
}

// AgentSpec 注册 Agent 的参数
type AgentSpec struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Name           string   `json:"name"`
	Capabilities   []string `json:"capabilities"`
	PreferredModel string   `json:"preferred_model"`
}

// Stats 编排器统计
type Stats struct {
	Agents AgentStats `json:"agents"`
	Tasks  TaskStats  `json:"tasks"`
}

// AgentStats Agent 计数
type AgentStats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Idle   int `json:"idle"`
}

// TaskStats 任务计数
type TaskStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}
