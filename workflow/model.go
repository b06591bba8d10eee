package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NodeType 节点类型（封闭枚举，未知类型在执行时跳过）
type NodeType string

const (
	NodeStart       NodeType = "start"
	NodeAIProcessor NodeType = "ai-processor"
	NodeEmail       NodeType = "email"
	NodeDataSource  NodeType = "data-source"
	NodeWebhook     NodeType = "webhook"
	NodeFilter      NodeType = "filter"
	NodeTransformer NodeType = "transformer"
	NodeCondition   NodeType = "condition"
	NodeDelay       NodeType = "delay"
	NodeEnd         NodeType = "end"
)

// ParseNodeType 规范化大小写后的节点类型
func ParseNodeType(s string) NodeType {
	return NodeType(strings.ToLower(strings.TrimSpace(s)))
}

// IsKnown 是否为已知节点类型
func (t NodeType) IsKnown() bool {
	switch t {
	case NodeStart, NodeAIProcessor, NodeEmail, NodeDataSource, NodeWebhook,
		NodeFilter, NodeTransformer, NodeCondition, NodeDelay, NodeEnd:
		return true
	}
	return false
}

// ExecutionStatus 运行状态
type ExecutionStatus string

const (
	StatusIdle    ExecutionStatus = "idle"
	StatusQueued  ExecutionStatus = "queued"
	StatusRunning ExecutionStatus = "running"
	StatusPaused  ExecutionStatus = "paused"
	StatusSuccess ExecutionStatus = "success"
	StatusError   ExecutionStatus = "error"
)

// rank 状态序号，状态只能向前（running 与 paused 同级可互转）
func (s ExecutionStatus) rank() int {
	switch s {
	case StatusIdle:
		return 0
	case StatusQueued:
		return 1
	case StatusRunning, StatusPaused:
		return 2
	case StatusSuccess, StatusError:
		return 3
	}
	return -1
}

// IsValid 是否为合法状态
func (s ExecutionStatus) IsValid() bool { return s.rank() >= 0 }

// IsTerminal 是否为终态
func (s ExecutionStatus) IsTerminal() bool { return s.rank() == 3 }

// CanTransition 判断 from -> to 是否合法
func (s ExecutionStatus) CanTransition(to ExecutionStatus) bool {
	if !s.IsValid() || !to.IsValid() || s.IsTerminal() {
		return false
	}
	return to.rank() >= s.rank()
}

// CommunicationMode 节点间通信模式
type CommunicationMode string

const (
	ModeSimple CommunicationMode = "simple"
	ModePubSub CommunicationMode = "pubsub"
)

// IsValid 是否为已知模式
func (m CommunicationMode) IsValid() bool {
	switch m {
	case ModeSimple, ModePubSub:
		return true
	}
	return false
}

// Position 画布坐标
type Position struct {
	X float64 `json:"x" bson:"x"`
	Y float64 `json:"y" bson:"y"`
}

// Node 工作流节点
type Node struct {
	ID       string         `json:"id" bson:"id"`
	Type     NodeType       `json:"type" bson:"type"`
	Config   map[string]any `json:"config" bson:"config"`
	Position Position       `json:"position" bson:"position"`
}

// Edge 有向边
type Edge struct {
	From string `json:"from" bson:"from"`
	To   string `json:"to" bson:"to"`
}

// Settings 工作流级设置
type Settings struct {
	CommunicationMode CommunicationMode `json:"communication_mode,omitempty" bson:"communication_mode,omitempty"`
}

// Workflow 工作流定义，执行期间只读
type Workflow struct {
	ID          string         `json:"id" bson:"_id"`
	Name        string         `json:"name" bson:"name"`
	Description string         `json:"description,omitempty" bson:"description,omitempty"`
	Nodes       []Node         `json:"nodes" bson:"nodes"`
	Edges       []Edge         `json:"edges" bson:"edges"`
	Variables   map[string]any `json:"variables,omitempty" bson:"variables,omitempty"`
	Settings    Settings       `json:"settings" bson:"settings"`
	CreatedAt   time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" bson:"updated_at"`
}

// Validate 校验节点 ID 唯一、边端点存在
func (w *Workflow) Validate() error {
	if len(w.Nodes) == 0 {
		return fmt.Errorf("workflow %q has no nodes", w.Name)
	}
	seen := make(map[string]struct{}, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node id is required")
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("duplicate node id: %s", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	for _, e := range w.Edges {
		if _, ok := seen[e.From]; !ok {
			return fmt.Errorf("edge references unknown node: %s", e.From)
		}
		if _, ok := seen[e.To]; !ok {
			return fmt.Errorf("edge references unknown node: %s", e.To)
		}
	}
	if w.Settings.CommunicationMode != "" && !w.Settings.CommunicationMode.IsValid() {
		return fmt.Errorf("unknown communication mode: %s", w.Settings.CommunicationMode)
	}
	return nil
}

// Node 按 ID 查找节点
func (w *Workflow) Node(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// LogEntry 运行日志
type LogEntry struct {
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	NodeID    string    `json:"node_id" bson:"node_id"`
	Message   string    `json:"message" bson:"message"`
}

// ErrorEntry 运行错误
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	NodeID    string    `json:"node_id" bson:"node_id"`
	Error     string    `json:"error" bson:"error"`
}

// CommunicationType 通信日志类型
type CommunicationType string

const (
	CommAsk           CommunicationType = "ask"
	CommResponse      CommunicationType = "response"
	CommBroadcast     CommunicationType = "broadcast"
	CommContextUpdate CommunicationType = "context_update"
)

// CommunicationEntry 通信日志条目，只追加
type CommunicationEntry struct {
	Timestamp time.Time         `json:"timestamp" bson:"timestamp"`
	FromNode  string            `json:"from_node" bson:"from_node"`
	ToNode    string            `json:"to_node" bson:"to_node"`
	Type      CommunicationType `json:"type" bson:"type"`
	Content   string            `json:"content" bson:"content"`
	Metadata  map[string]any    `json:"metadata" bson:"metadata"`
}

// Run 一次工作流执行记录
type Run struct {
	ExecutionID      string                    `json:"execution_id" bson:"_id"`
	WorkflowID       string                    `json:"workflow_id" bson:"workflow_id"`
	Status           ExecutionStatus           `json:"status" bson:"status"`
	Variables        map[string]any            `json:"variables" bson:"variables"`
	NodeStates       map[string]map[string]any `json:"node_states" bson:"node_states"`
	Logs             []LogEntry                `json:"logs" bson:"logs"`
	Errors           []ErrorEntry              `json:"errors" bson:"errors"`
	CommunicationLog []CommunicationEntry      `json:"communication_log" bson:"communication_log"`
	TriggeredBy      string                    `json:"triggered_by,omitempty" bson:"triggered_by,omitempty"`
	StartTime        *time.Time                `json:"start_time" bson:"start_time"`
	EndTime          *time.Time                `json:"end_time" bson:"end_time"`
	CreatedAt        time.Time                 `json:"created_at" bson:"created_at"`
}

// NewRun 创建排队中的运行记录
func NewRun(workflowID string, variables map[string]any, triggeredBy string) *Run {
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	return &Run{
		ExecutionID:      uuid.NewString(),
		WorkflowID:       workflowID,
		Status:           StatusQueued,
		Variables:        vars,
		NodeStates:       make(map[string]map[string]any),
		Logs:             []LogEntry{},
		Errors:           []ErrorEntry{},
		CommunicationLog: []CommunicationEntry{},
		TriggeredBy:      triggeredBy,
		CreatedAt:        time.Now().UTC(),
	}
}

// Transition 状态前移，非法转换返回错误
func (r *Run) Transition(to ExecutionStatus) error {
	if r.Status == to && !to.IsTerminal() {
		return nil
	}
	if !r.Status.CanTransition(to) {
		return fmt.Errorf("invalid run status transition: %s -> %s", r.Status, to)
	}
	r.Status = to
	return nil
}

// Clone 浅拷贝切片与顶层 map，供存储与观察者使用
func (r *Run) Clone() *Run {
	out := *r
	out.Variables = make(map[string]any, len(r.Variables))
	for k, v := range r.Variables {
		out.Variables[k] = v
	}
	out.NodeStates = make(map[string]map[string]any, len(r.NodeStates))
	for k, v := range r.NodeStates {
		out.NodeStates[k] = v
	}
	out.Logs = append([]LogEntry{}, r.Logs...)
	out.Errors = append([]ErrorEntry{}, r.Errors...)
	out.CommunicationLog = append([]CommunicationEntry{}, r.CommunicationLog...)
	if r.StartTime != nil {
		t := *r.StartTime
		out.StartTime = &t
	}
	if r.EndTime != nil {
		t := *r.EndTime
		out.EndTime = &t
	}
	return &out
}

// normalize 补齐反序列化后为 nil 的集合
func (r *Run) normalize() {
	if r.Variables == nil {
		r.Variables = make(map[string]any)
	}
	if r.NodeStates == nil {
		r.NodeStates = make(map[string]map[string]any)
	}
	if r.Logs == nil {
		r.Logs = []LogEntry{}
	}
	if r.Errors == nil {
		r.Errors = []ErrorEntry{}
	}
	if r.CommunicationLog == nil {
		r.CommunicationLog = []CommunicationEntry{}
	}
}
