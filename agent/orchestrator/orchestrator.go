package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/nodeflow/agent/bus"
	"github.com/BaSui01/nodeflow/agent/protocol"
	"github.com/BaSui01/nodeflow/llm"
	"github.com/BaSui01/nodeflow/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ID 编排器在消息总线上的身份
const ID = "orchestrator"

var (
	// ErrAgentNotFound Agent 不存在
	ErrAgentNotFound = types.NewError(types.ErrAgentNotFound, "agent not found").WithHTTPStatus(404)
	// ErrTaskNotFound 任务不存在
	ErrTaskNotFound = types.NewError(types.ErrTaskNotFound, "task not found").WithHTTPStatus(404)
	// ErrNoAvailableAgent 没有可接收任务的 Agent
	ErrNoAvailableAgent = types.NewError(types.ErrNoAvailableAgent, "no suitable agent available").WithHTTPStatus(409)
)

// Completer LLM 补全能力（llm.CachedService 满足）
type Completer interface {
	Complete(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// ContextProtocol 编排器使用的 ACP 能力（protocol.Protocol 满足）
type ContextProtocol interface {
	CreateContext(ctx context.Context, agentID, agentType string, prefs *protocol.Preferences) (*protocol.AgentContext, error)
	GetContext(ctx context.Context, agentID string) (*protocol.AgentContext, error)
	AddMemory(ctx context.Context, agentID, content string, memType protocol.MemoryType, importance float64, metadata map[string]any) (*protocol.MemoryEntry, error)
}

// Bus 编排器使用的消息总线能力（bus.MessageBus 满足）
type Bus interface {
	Subscribe(ctx context.Context, agentID string) error
	Unsubscribe(ctx context.Context, agentID string) error
	RegisterHandler(t bus.MessageType, h bus.Handler)
	SendTaskRequest(ctx context.Context, from, to, description string, data map[string]any, priority bus.Priority) (string, error)
	SendTaskResponse(ctx context.Context, from, to, replyTo string, result map[string]any, success bool) error
}

// TaskHandler 由 Agent 执行任务的函数，返回结果数据
type TaskHandler func(ctx context.Context, agent *Agent, task *Task) (map[string]any, error)

// MetricsRecorder 任务状态上报
type MetricsRecorder interface {
	RecordTask(status string)
}

type nopRecorder struct{}

func (nopRecorder) RecordTask(string) {}

// Config 编排器配置
type Config struct {
	MaxAgents        int           `yaml:"max_agents" json:"max_agents"`
	TaskTimeout      time.Duration `yaml:"task_timeout" json:"task_timeout"`
	TaskPollInterval time.Duration `yaml:"task_poll_interval" json:"task_poll_interval"`
	DefaultModel     string        `yaml:"default_model" json:"default_model"`
}

// DefaultConfig 默认配置：任务超时 300s，每 1s 轮询
func DefaultConfig() Config {
	return Config{
		MaxAgents:        100,
		TaskTimeout:      300 * time.Second,
		TaskPollInterval: time.Second,
		DefaultModel:     llm.DefaultModel,
	}
}

// Option 配置 Orchestrator
type Option func(*Orchestrator)

// WithMetrics 设置指标上报
func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// =============================================================================
// 🎯 Orchestrator
// =============================================================================

// Orchestrator 管理 Agent 注册、按能力分配任务以及任务生命周期
type Orchestrator struct {
	llm     Completer
	acp     ContextProtocol
	bus     Bus
	config  Config
	metrics MetricsRecorder
	logger  *zap.Logger
	now     func() time.Time

	mu           sync.RWMutex
	agents       map[string]*Agent
	tasks        map[string]*Task
	taskHandlers map[string]TaskHandler
}

// New 创建编排器并注册任务相关的消息处理函数
func New(completer Completer, acp ContextProtocol, b Bus, config Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = def.TaskTimeout
	}
	if config.TaskPollInterval <= 0 {
		config.TaskPollInterval = def.TaskPollInterval
	}
	if config.DefaultModel == "" {
		config.DefaultModel = def.DefaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		llm:          completer,
		acp:          acp,
		bus:          b,
		config:       config,
		metrics:      nopRecorder{},
		logger:       logger.With(zap.String("component", "orchestrator")),
		now:          func() time.Time { return time.Now().UTC() },
		agents:       make(map[string]*Agent),
		tasks:        make(map[string]*Task),
		taskHandlers: make(map[string]TaskHandler),
	}
	for _, opt := range opts {
		opt(o)
	}

	b.RegisterHandler(bus.MessageTaskRequest, o.handleTaskRequest)
	b.RegisterHandler(bus.MessageTaskResponse, o.handleTaskResponse)
	b.RegisterHandler(bus.MessageTaskUpdate, o.handleTaskUpdate)
	return o
}

// Start 订阅编排器自身的频道以接收任务结果
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.bus.Subscribe(ctx, ID)
}

// RegisterTaskHandler 为某类 Agent 注册任务执行函数，agentType 为 "*" 时作为兜底
func (o *Orchestrator) RegisterTaskHandler(agentType string, h TaskHandler) {
	o.mu.Lock()
	o.taskHandlers[agentType] = h
	o.mu.Unlock()
}

// =============================================================================
// 👥 Agent 注册
// =============================================================================

// RegisterAgent 注册 Agent（状态 idle），创建其上下文并在总线上订阅
func (o *Orchestrator) RegisterAgent(ctx context.Context, spec AgentSpec) (*Agent, error) {
	if spec.ID == "" {
		return nil, types.NewError(types.ErrValidation, "agent id is required").WithHTTPStatus(400)
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}

	now := o.now()
	agent := &Agent{
		ID:                 spec.ID,
		Type:               spec.Type,
		Name:               spec.Name,
		Capabilities:       append([]string(nil), spec.Capabilities...),
		Status:             AgentIdle,
		PreferredModel:     spec.PreferredModel,
		MaxConcurrentTasks: 1,
		CreatedAt:          now,
		LastActive:         now,
	}

	o.mu.Lock()
	if existing, ok := o.agents[spec.ID]; ok && existing.Status != AgentOffline {
		o.mu.Unlock()
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("agent %s already registered", spec.ID)).WithHTTPStatus(409)
	}
	if o.config.MaxAgents > 0 && o.activeAgentsLocked() >= o.config.MaxAgents {
		o.mu.Unlock()
		return nil, types.NewError(types.ErrServiceUnavailable, "agent limit reached").WithHTTPStatus(503)
	}
	o.agents[spec.ID] = agent
	o.mu.Unlock()

	if _, err := o.acp.CreateContext(ctx, spec.ID, spec.Type, nil); err != nil {
		o.dropAgent(spec.ID)
		return nil, fmt.Errorf("create context for agent %s: %w", spec.ID, err)
	}
	if err := o.bus.Subscribe(ctx, spec.ID); err != nil {
		o.dropAgent(spec.ID)
		return nil, fmt.Errorf("subscribe agent %s: %w", spec.ID, err)
	}

	o.logger.Info("registered agent",
		zap.String("agent_id", spec.ID),
		zap.String("name", spec.Name),
		zap.Strings("capabilities", spec.Capabilities),
	)
	return agent.clone(), nil
}

func (o *Orchestrator) dropAgent(id string) {
	o.mu.Lock()
	delete(o.agents, id)
	o.mu.Unlock()
}

func (o *Orchestrator) activeAgentsLocked() int {
	n := 0
	for _, a := range o.agents {
		if a.Status != AgentOffline {
			n++
		}
	}
	return n
}

// UnregisterAgent 退订并将 Agent 标记为 offline
func (o *Orchestrator) UnregisterAgent(ctx context.Context, agentID string) error {
	o.mu.Lock()
	agent, ok := o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return ErrAgentNotFound
	}
	agent.Status = AgentOffline
	agent.CurrentTaskID = ""
	o.mu.Unlock()

	if err := o.bus.Unsubscribe(ctx, agentID); err != nil {
		return err
	}
	o.logger.Info("unregistered agent", zap.String("agent_id", agentID))
	return nil
}

// GetAgent 返回 Agent 快照
func (o *Orchestrator) GetAgent(agentID string) (*Agent, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return a.clone(), nil
}

// ListAgents 按 ID 排序返回全部 Agent
func (o *Orchestrator) ListAgents() []*Agent {
	return o.filterAgents(func(*Agent) bool { return true })
}

// AgentsByCapability 具备某能力且未下线的 Agent
func (o *Orchestrator) AgentsByCapability(capability string) []*Agent {
	return o.filterAgents(func(a *Agent) bool {
		return a.Status != AgentOffline && a.HasCapabilities([]string{capability})
	})
}

// AvailableAgents 空闲的 Agent
func (o *Orchestrator) AvailableAgents() []*Agent {
	return o.filterAgents(func(a *Agent) bool { return a.Status == AgentIdle })
}

func (o *Orchestrator) filterAgents(keep func(*Agent) bool) []*Agent {
	o.mu.RLock()
	out := make([]*Agent, 0, len(o.agents))
	for _, a := range o.agents {
		if keep(a) {
			out = append(out, a.clone())
		}
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// 📋 任务
// =============================================================================

// CreateTask 创建 pending 任务
func (o *Orchestrator) CreateTask(spec TaskSpec) *Task {
	if spec.Priority == "" {
		spec.Priority = bus.PriorityMedium
	}
	if spec.InputData == nil {
		spec.InputData = map[string]any{}
	}
	if spec.Metadata == nil {
		spec.Metadata = map[string]any{}
	}

	task := &Task{
		ID:                   "task:" + uuid.NewString(),
		Name:                 spec.Name,
		Description:          spec.Description,
		RequiredCapabilities: append([]string(nil), spec.RequiredCapabilities...),
		InputData:            spec.InputData,
		Status:               TaskPending,
		ParentTaskID:         spec.ParentTaskID,
		Priority:             spec.Priority,
		CreatedAt:            o.now(),
		Metadata:             spec.Metadata,
	}

	o.mu.Lock()
	o.tasks[task.ID] = task
	o.mu.Unlock()

	o.metrics.RecordTask(string(TaskPending))
	o.logger.Info("created task", zap.String("task_id", task.ID), zap.String("name", task.Name))
	return task.clone()
}

// GetTask 返回任务快照
func (o *Orchestrator) GetTask(taskID string) (*Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.clone(), nil
}

// ListTasks 列出任务，status 为空时返回全部（按创建时间排序）
func (o *Orchestrator) ListTasks(status TaskStatus) []*Task {
	o.mu.RLock()
	out := make([]*Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		if status == "" || t.Status == status {
			out = append(out, t.clone())
		}
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// selectAgentLocked 选择空闲且能力覆盖任务要求的 Agent，
// 取 last_active 最早的一个以均衡负载
func (o *Orchestrator) selectAgentLocked(task *Task) *Agent {
	var best *Agent
	for _, a := range o.agents {
		if a.Status != AgentIdle || !a.HasCapabilities(task.RequiredCapabilities) {
			continue
		}
		if best == nil || a.LastActive.Before(best.LastActive) ||
			(a.LastActive.Equal(best.LastActive) && a.ID < best.ID) {
			best = a
		}
	}
	return best
}

// AssignTask 分配任务。agentID 为空时自动选择；没有合适 Agent 时返回 (false, nil)。
func (o *Orchestrator) AssignTask(ctx context.Context, taskID, agentID string) (bool, error) {
	return o.assign(ctx, taskID, agentID, false)
}

func (o *Orchestrator) assign(ctx context.Context, taskID, agentID string, start bool) (bool, error) {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		o.logger.Error("task not found", zap.String("task_id", taskID))
		return false, ErrTaskNotFound
	}
	if task.Status != TaskPending {
		o.mu.Unlock()
		o.logger.Warn("task is not pending", zap.String("task_id", taskID), zap.String("status", string(task.Status)))
		return false, nil
	}

	var agent *Agent
	if agentID == "" {
		agent = o.selectAgentLocked(task)
		if agent == nil {
			o.mu.Unlock()
			o.logger.Warn("no suitable agent found for task", zap.String("task_id", taskID))
			return false, nil
		}
	} else {
		agent, ok = o.agents[agentID]
		if !ok {
			o.mu.Unlock()
			o.logger.Error("agent not found", zap.String("agent_id", agentID))
			return false, ErrAgentNotFound
		}
		if agent.Status != AgentIdle {
			o.mu.Unlock()
			o.logger.Warn("agent is not available",
				zap.String("agent_id", agentID),
				zap.String("status", string(agent.Status)),
			)
			return false, nil
		}
	}

	task.AssignedAgentID = agent.ID
	task.Status = TaskAssigned
	if start {
		now := o.now()
		task.Status = TaskInProgress
		task.StartedAt = &now
	}
	agent.Status = AgentBusy
	agent.CurrentTaskID = task.ID

	description := task.Description
	data := map[string]any{
		"task_id":  task.ID,
		"input":    task.InputData,
		"metadata": task.Metadata,
	}
	priority := task.Priority
	targetID := agent.ID
	o.mu.Unlock()

	requestID, err := o.bus.SendTaskRequest(ctx, ID, targetID, description, data, priority)
	if err != nil {
		o.failTask(taskID, "failed to send task request: "+err.Error())
		return false, err
	}

	o.mu.Lock()
	if t, ok := o.tasks[taskID]; ok {
		t.requestID = requestID
	}
	o.mu.Unlock()

	o.metrics.RecordTask(string(TaskAssigned))
	o.logger.Info("assigned task", zap.String("task_id", taskID), zap.String("agent_id", targetID))
	return true, nil
}

// ExecuteTask 分配任务并轮询等待终态，超时后强制置为 failed
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID string) (map[string]any, error) {
	if _, err := o.GetTask(taskID); err != nil {
		return nil, err
	}

	ok, err := o.assign(ctx, taskID, "", true)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoAvailableAgent
	}

	ticker := time.NewTicker(o.config.TaskPollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(o.config.TaskTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			o.failTask(taskID, "Task execution cancelled")
			return nil, ctx.Err()
		case <-deadline.C:
			o.failTask(taskID, "Task execution timeout")
		case <-ticker.C:
		}

		task, err := o.GetTask(taskID)
		if err != nil {
			return nil, err
		}
		switch task.Status {
		case TaskCompleted:
			if task.OutputData == nil {
				return map[string]any{}, nil
			}
			return task.OutputData, nil
		case TaskFailed, TaskCancelled:
			return nil, types.NewError(types.ErrInternalError, "Task failed: "+task.ErrorMessage)
		}
	}
}

// failTask 非终态任务置为 failed 并释放 Agent
func (o *Orchestrator) failTask(taskID, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, ok := o.tasks[taskID]
	if !ok || task.Status.IsTerminal() {
		return
	}
	now := o.now()
	task.Status = TaskFailed
	task.ErrorMessage = msg
	task.CompletedAt = &now
	o.releaseAgentLocked(task.AssignedAgentID, taskID)
	o.metrics.RecordTask(string(TaskFailed))
	o.logger.Error("task failed", zap.String("task_id", taskID), zap.String("error", msg))
}

func (o *Orchestrator) releaseAgentLocked(agentID, taskID string) {
	agent, ok := o.agents[agentID]
	if !ok || agent.CurrentTaskID != taskID {
		return
	}
	agent.CurrentTaskID = ""
	if agent.Status == AgentBusy {
		agent.Status = AgentIdle
	}
	agent.LastActive = o.now()
}

// =============================================================================
// 📬 消息处理
// =============================================================================

// handleTaskRequest 目标 Agent 有本地执行函数时执行并回复结果
func (o *Orchestrator) handleTaskRequest(ctx context.Context, msg *bus.AgentMessage) error {
	taskID, _ := msg.Content["task_id"].(string)

	o.mu.RLock()
	agent, agentOK := o.agents[msg.ToAgent]
	task, taskOK := o.tasks[taskID]
	var (
		h         TaskHandler
		agentSnap *Agent
		taskSnap  *Task
	)
	if agentOK && taskOK {
		h = o.taskHandlers[agent.Type]
		if h == nil {
			h = o.taskHandlers["*"]
		}
		agentSnap, taskSnap = agent.clone(), task.clone()
	}
	o.mu.RUnlock()

	if h == nil {
		o.logger.Debug("received task request", zap.String("message_id", msg.ID), zap.String("agent_id", msg.ToAgent))
		return nil
	}

	result, err := h(ctx, agentSnap, taskSnap)
	success := err == nil
	if err != nil {
		result = map[string]any{"error": err.Error()}
	}
	if result == nil {
		result = map[string]any{}
	}
	result["task_id"] = taskID
	return o.bus.SendTaskResponse(ctx, msg.ToAgent, msg.FromAgent, msg.ID, result, success)
}

// handleTaskResponse 根据 success 将任务置为 completed/failed，Agent 回到 idle
func (o *Orchestrator) handleTaskResponse(_ context.Context, msg *bus.AgentMessage) error {
	success, _ := msg.Content["success"].(bool)
	result, _ := msg.Content["result"].(map[string]any)
	if result == nil {
		result = map[string]any{}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	task := o.findTaskLocked(msg, result)
	if task == nil {
		o.logger.Warn("task not found for response", zap.String("message_id", msg.ID))
		return nil
	}
	if task.Status.IsTerminal() {
		o.logger.Warn("late response for finished task", zap.String("task_id", task.ID))
		return nil
	}

	now := o.now()
	task.CompletedAt = &now
	if success {
		delete(result, "task_id")
		task.Status = TaskCompleted
		task.OutputData = result
		o.logger.Info("task completed", zap.String("task_id", task.ID), zap.String("agent_id", msg.FromAgent))
	} else {
		task.Status = TaskFailed
		task.ErrorMessage = "Unknown error"
		if e, ok := result["error"].(string); ok && e != "" {
			task.ErrorMessage = e
		}
		o.logger.Error("task failed", zap.String("task_id", task.ID), zap.String("error", task.ErrorMessage))
	}
	o.metrics.RecordTask(string(task.Status))

	agentID := msg.FromAgent
	if agentID == "" {
		agentID = task.AssignedAgentID
	}
	o.releaseAgentLocked(agentID, task.ID)
	return nil
}

// findTaskLocked 先按 result.task_id / content.task_id，再按 reply_to 对应的请求消息查找
func (o *Orchestrator) findTaskLocked(msg *bus.AgentMessage, result map[string]any) *Task {
	for _, src := range []map[string]any{msg.Content, result} {
		if id, ok := src["task_id"].(string); ok {
			if t, ok := o.tasks[id]; ok {
				return t
			}
		}
	}
	if msg.ReplyTo != "" {
		for _, t := range o.tasks {
			if t.requestID == msg.ReplyTo {
				return t
			}
		}
	}
	return nil
}

func (o *Orchestrator) handleTaskUpdate(_ context.Context, msg *bus.AgentMessage) error {
	taskID, _ := msg.Content["task_id"].(string)
	o.logger.Debug("task progress",
		zap.String("task_id", taskID),
		zap.Any("progress", msg.Content["progress"]),
	)
	return nil
}

// =============================================================================
// 🧠 Agent 智能
// =============================================================================

// GetAgentIntelligence 结合 Agent 近期记忆调用 LLM，并把问答存为 episodic 记忆
func (o *Orchestrator) GetAgentIntelligence(ctx context.Context, agentID, prompt, systemPrompt string) (string, error) {
	agent, err := o.GetAgent(agentID)
	if err != nil {
		return "", err
	}

	ac, err := o.acp.GetContext(ctx, agentID)
	if err != nil {
		o.logger.Warn("failed to load agent context", zap.String("agent_id", agentID), zap.Error(err))
	}

	msgs := make([]llm.Message, 0, 3)
	if systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	if ac != nil {
		recent := ac.SelectMemories(protocol.MemoryFilter{Limit: 5, MinImportance: 0.3})
		if len(recent) > 0 {
			lines := make([]string, len(recent))
			for i, m := range recent {
				lines[i] = m.Content
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: "Recent context:\n" + strings.Join(lines, "\n")})
		}
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt})

	model := agent.PreferredModel
	if model == "" {
		model = o.config.DefaultModel
	}
	resp, err := o.llm.Complete(ctx, llm.NewRequest(model, msgs...).WithTemperature(0.7))
	if err != nil {
		return "", err
	}

	if ac != nil {
		if _, err := o.acp.AddMemory(ctx, agentID, fmt.Sprintf("Q: %s\nA: %s", prompt, resp.Content),
			protocol.MemoryEpisodic, 0.5, nil); err != nil {
			o.logger.Warn("failed to store interaction", zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	o.mu.Lock()
	if a, ok := o.agents[agentID]; ok {
		a.LastActive = o.now()
	}
	o.mu.Unlock()
	return resp.Content, nil
}

// LLMTaskHandler 以任务描述与输入数据作为提示词，交给 Agent 的 LLM 完成
func (o *Orchestrator) LLMTaskHandler() TaskHandler {
	return func(ctx context.Context, agent *Agent, task *Task) (map[string]any, error) {
		input, err := json.Marshal(task.InputData)
		if err != nil {
			return nil, err
		}
		prompt := task.Description
		if len(task.InputData) > 0 {
			prompt += "\n\nInput:\n" + string(input)
		}
		answer, err := o.GetAgentIntelligence(ctx, agent.ID, prompt, "")
		if err != nil {
			return nil, err
		}
		return map[string]any{"response": answer}, nil
	}
}

// Stats 统计 Agent 与任务数量
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var s Stats
	s.Agents.Total = len(o.agents)
	for _, a := range o.agents {
		if a.Status != AgentOffline {
			s.Agents.Active++
		}
		if a.Status == AgentIdle {
			s.Agents.Idle++
		}
	}
	s.Tasks.Total = len(o.tasks)
	for _, t := range o.tasks {
		switch t.Status {
		case TaskCompleted:
			s.Tasks.Completed++
		case TaskFailed:
			s.Tasks.Failed++
		case TaskPending:
			s.Tasks.Pending++
		}
	}
	return s
}

// IsNotFound 是否为 Agent/任务不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) || errors.Is(err, ErrTaskNotFound)
}
