package workflow

import (
	"sort"
	"sync"
	"time"
)

// sharedBroadcastsKey 共享上下文中广播列表的保留键
const sharedBroadcastsKey = "broadcasts"

// Broadcast 一条广播消息
type Broadcast struct {
	From        string    `json:"from"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	TargetTypes []string  `json:"target_types"`
}

// visibleTo TargetTypes 为空表示所有类型可见；发送方自己不可见
func (b Broadcast) visibleTo(nodeID string, nodeType NodeType) bool {
	if b.From == nodeID {
		return false
	}
	if len(b.TargetTypes) == 0 {
		return true
	}
	for _, t := range b.TargetTypes {
		if ParseNodeType(t) == nodeType {
			return true
		}
	}
	return false
}

// RunState 单次运行的全部可变状态。每次 Execute 新建一个并显式传给
// 处理函数与通信层，不同运行之间不共享任何可变字段。
type RunState struct {
	workflow *Workflow
	mode     CommunicationMode
	now      func() time.Time

	mu         sync.Mutex
	run        *Run
	variables  map[string]any
	outputs    map[string]any
	shared     map[string]any
	broadcasts []Broadcast
	agents     map[string]string
}

func newRunState(wf *Workflow, run *Run, mode CommunicationMode, now func() time.Time) *RunState {
	run.normalize()
	vars := make(map[string]any, len(wf.Variables)+len(run.Variables))
	for k, v := range wf.Variables {
		vars[k] = v
	}
	for k, v := range run.Variables {
		vars[k] = v
	}
	return &RunState{
		workflow:  wf,
		mode:      mode,
		now:       now,
		run:       run,
		variables: vars,
		outputs:   make(map[string]any),
		shared:    make(map[string]any),
		agents:    make(map[string]string),
	}
}

// ExecutionID 运行 ID
func (s *RunState) ExecutionID() string { return s.run.ExecutionID }

// Workflow 只读的工作流定义
func (s *RunState) Workflow() *Workflow { return s.workflow }

// Mode 本次运行使用的通信模式
func (s *RunState) Mode() CommunicationMode { return s.mode }

// Node 按 ID 查找节点
func (s *RunState) Node(id string) (*Node, bool) { return s.workflow.Node(id) }

// Interpolate 用当前变量与已完成节点输出渲染模板
func (s *RunState) Interpolate(tmpl string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Interpolate(tmpl, s.variables, s.outputs)
}

// InterpolateValue 递归渲染结构化配置
func (s *RunState) InterpolateValue(v any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return InterpolateValue(v, s.variables, s.outputs)
}

// Output 返回已完成节点的输出
func (s *RunState) Output(nodeID string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.outputs[nodeID]
	return v, ok
}

// Outputs 所有节点输出的副本
func (s *RunState) Outputs() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.outputs))
	for k, v := range s.outputs {
		out[k] = v
	}
	return out
}

// AddBroadcast 追加广播
func (s *RunState) AddBroadcast(b Broadcast) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts = append(s.broadcasts, b)
}

// BroadcastsFor 返回对该节点可见的广播，按发送顺序
func (s *RunState) BroadcastsFor(nodeID string, nodeType NodeType) []Broadcast {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Broadcast
	for _, b := range s.broadcasts {
		if b.visibleTo(nodeID, nodeType) {
			out = append(out, b)
		}
	}
	return out
}

// SetShared 写共享上下文
func (s *RunState) SetShared(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shared[key] = value
}

// GetShared 读共享上下文
func (s *RunState) GetShared(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == sharedBroadcastsKey {
		return append([]Broadcast(nil), s.broadcasts...), true
	}
	v, ok := s.shared[key]
	return v, ok
}

// SharedContext 共享上下文快照，广播列表位于 "broadcasts" 键下
func (s *RunState) SharedContext() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.shared)+1)
	for k, v := range s.shared {
		out[k] = v
	}
	out[sharedBroadcastsKey] = append([]Broadcast{}, s.broadcasts...)
	return out
}

// CommunicationLog 通信日志副本
func (s *RunState) CommunicationLog() []CommunicationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CommunicationEntry(nil), s.run.CommunicationLog...)
}

func (s *RunState) recordCommunication(e CommunicationEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.CommunicationLog = append(s.run.CommunicationLog, e)
}

func (s *RunState) log(nodeID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.Logs = append(s.run.Logs, LogEntry{Timestamp: s.now(), NodeID: nodeID, Message: msg})
}

func (s *RunState) addError(nodeID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.Errors = append(s.run.Errors, ErrorEntry{Timestamp: s.now(), NodeID: nodeID, Error: msg})
}

// setResult 节点结果每次运行只写一次
func (s *RunState) setResult(nodeID string, result map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.run.NodeStates[nodeID]; done {
		return false
	}
	s.run.NodeStates[nodeID] = result
	s.outputs[nodeID] = result["output"]
	return true
}

func (s *RunState) transition(to ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.run.Transition(to); err != nil {
		return err
	}
	now := s.now()
	switch to {
	case StatusRunning:
		if s.run.StartTime == nil {
			s.run.StartTime = &now
		}
	case StatusSuccess, StatusError:
		s.run.EndTime = &now
	case StatusIdle, StatusQueued, StatusPaused:
	}
	return nil
}

func (s *RunState) status() ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run.Status
}

// snapshot 当前运行记录的副本
func (s *RunState) snapshot() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run.Clone()
}

func (s *RunState) bindAgent(nodeID, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[nodeID] = agentID
}

func (s *RunState) agentFor(nodeID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.agents[nodeID]
	return id, ok
}

// boundAgents 按节点 ID 排序的 (node, agent) 列表
func (s *RunState) boundAgents() [][2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]string, 0, len(s.agents))
	for node, agent := range s.agents {
		out = append(out, [2]string{node, agent})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
