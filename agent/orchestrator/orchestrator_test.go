package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/nodeflow/agent/bus"
	"github.com/BaSui01/nodeflow/agent/protocol"
	"github.com/BaSui01/nodeflow/internal/cache"
	"github.com/BaSui01/nodeflow/llm"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- fakes -------------------------------------------------------------------

type sentRequest struct {
	from, to, description string
	data                  map[string]any
}

type fakeBus struct {
	mu           sync.Mutex
	handlers     map[bus.MessageType]bus.Handler
	subscribed   map[string]bool
	requests     []sentRequest
	responses    []map[string]any
	failRequests bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: map[bus.MessageType]bus.Handler{}, subscribed: map[string]bool{}}
}

func (b *fakeBus) Subscribe(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed[id] = true
	return nil
}

func (b *fakeBus) Unsubscribe(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribed, id)
	return nil
}

func (b *fakeBus) RegisterHandler(t bus.MessageType, h bus.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = h
}

func (b *fakeBus) SendTaskRequest(_ context.Context, from, to, description string, data map[string]any, _ bus.Priority) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failRequests {
		return "", errors.New("broker down")
	}
	b.requests = append(b.requests, sentRequest{from: from, to: to, description: description, data: data})
	return from + ":" + to + ":1", nil
}

func (b *fakeBus) SendTaskResponse(_ context.Context, _, _, _ string, result map[string]any, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses = append(b.responses, result)
	return nil
}

func (b *fakeBus) lastRequest() sentRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[len(b.requests)-1]
}

type fakeACP struct {
	mu       sync.Mutex
	contexts map[string]*protocol.AgentContext
	memories []string
}

func newFakeACP() *fakeACP {
	return &fakeACP{contexts: map[string]*protocol.AgentContext{}}
}

func (f *fakeACP) CreateContext(_ context.Context, id, typ string, _ *protocol.Preferences) (*protocol.AgentContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ac := &protocol.AgentContext{AgentID: id, AgentType: typ}
	f.contexts[id] = ac
	return ac, nil
}

func (f *fakeACP) GetContext(_ context.Context, id string) (*protocol.AgentContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contexts[id], nil
}

func (f *fakeACP) AddMemory(_ context.Context, id, content string, typ protocol.MemoryType, imp float64, _ map[string]any) (*protocol.MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memories = append(f.memories, content)
	ac := f.contexts[id]
	m := protocol.MemoryEntry{ID: id, Type: typ, Content: content, Importance: imp, Timestamp: time.Now()}
	ac.Memories = append(ac.Memories, m)
	return &m, nil
}

type echoLLM struct {
	mu   sync.Mutex
	reqs []*llm.Request
}

func (e *echoLLM) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs = append(e.reqs, req)
	last := req.Messages[len(req.Messages)-1].Content
	return &llm.Response{Content: "answer to " + last, Model: req.Model, FinishReason: "stop"}, nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeBus, *fakeACP, *echoLLM) {
	t.Helper()
	b, acp, model := newFakeBus(), newFakeACP(), &echoLLM{}
	o := New(model, acp, b, Config{TaskPollInterval: 5 * time.Millisecond, TaskTimeout: time.Second}, zap.NewNop())

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	o.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return o, b, acp, model
}

// --- tests -------------------------------------------------------------------

func TestRegisterAgent(t *testing.T) {
	o, b, acp, _ := newTestOrchestrator(t)
	ctx := context.Background()

	a, err := o.RegisterAgent(ctx, AgentSpec{ID: "w1", Type: "writer", Capabilities: []string{"text"}})
	require.NoError(t, err)
	assert.Equal(t, AgentIdle, a.Status)
	assert.Equal(t, "w1", a.Name)
	assert.True(t, b.subscribed["w1"])
	assert.Contains(t, acp.contexts, "w1")

	_, err = o.RegisterAgent(ctx, AgentSpec{ID: "w1"})
	assert.Error(t, err)

	_, err = o.RegisterAgent(ctx, AgentSpec{})
	assert.Error(t, err)
}

func TestUnregisterAgent(t *testing.T) {
	o, b, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := o.RegisterAgent(ctx, AgentSpec{ID: "w1", Capabilities: []string{"text"}})
	require.NoError(t, err)

	require.NoError(t, o.UnregisterAgent(ctx, "w1"))
	a, err := o.GetAgent("w1")
	require.NoError(t, err)
	assert.Equal(t, AgentOffline, a.Status)
	assert.False(t, b.subscribed["w1"])
	assert.Empty(t, o.AgentsByCapability("text"))

	assert.ErrorIs(t, o.UnregisterAgent(ctx, "ghost"), ErrAgentNotFound)

	// 下线后可以重新注册
	_, err = o.RegisterAgent(ctx, AgentSpec{ID: "w1"})
	assert.NoError(t, err)
}

func TestAssignTask_PicksOldestLastActive(t *testing.T) {
	o, b, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.RegisterAgent(ctx, AgentSpec{ID: "z-old", Capabilities: []string{"text", "math"}})
	require.NoError(t, err)
	_, err = o.RegisterAgent(ctx, AgentSpec{ID: "a-new", Capabilities: []string{"text", "math"}})
	require.NoError(t, err)
	_, err = o.RegisterAgent(ctx, AgentSpec{ID: "a-partial", Capabilities: []string{"text"}})
	require.NoError(t, err)

	task := o.CreateTask(TaskSpec{Name: "sum", Description: "add numbers", RequiredCapabilities: []string{"math"}})
	ok, err := o.AssignTask(ctx, task.ID, "")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := o.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskAssigned, got.Status)
	assert.Equal(t, "z-old", got.AssignedAgentID)

	agent, err := o.GetAgent("z-old")
	require.NoError(t, err)
	assert.Equal(t, AgentBusy, agent.Status)
	assert.Equal(t, task.ID, agent.CurrentTaskID)

	req := b.lastRequest()
	assert.Equal(t, ID, req.from)
	assert.Equal(t, "z-old", req.to)
	assert.Equal(t, "add numbers", req.description)
	assert.Equal(t, task.ID, req.data["task_id"])
}

func TestAssignTask_NoCandidate(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := o.RegisterAgent(ctx, AgentSpec{ID: "w1", Capabilities: []string{"text"}})
	require.NoError(t, err)

	task := o.CreateTask(TaskSpec{Name: "x", RequiredCapabilities: []string{"vision"}})
	ok, err := o.AssignTask(ctx, task.ID, "")
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := o.GetTask(task.ID)
	assert.Equal(t, TaskPending, got.Status)
	assert.Empty(t, got.AssignedAgentID)
}

func TestAssignTask_ExplicitBusyAgent(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := o.RegisterAgent(ctx, AgentSpec{ID: "w1"})
	require.NoError(t, err)

	t1 := o.CreateTask(TaskSpec{Name: "one"})
	t2 := o.CreateTask(TaskSpec{Name: "two"})
	ok, err := o.AssignTask(ctx, t1.ID, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = o.AssignTask(ctx, t2.ID, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = o.AssignTask(ctx, t2.ID, "ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	_, err = o.AssignTask(ctx, "task:missing", "")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestAssignTask_SendFailureFailsTask(t *testing.T) {
	o, b, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := o.RegisterAgent(ctx, AgentSpec{ID: "w1"})
	require.NoError(t, err)
	b.failRequests = true

	task := o.CreateTask(TaskSpec{Name: "x"})
	ok, err := o.AssignTask(ctx, task.ID, "")
	assert.Error(t, err)
	assert.False(t, ok)

	got, _ := o.GetTask(task.ID)
	assert.Equal(t, TaskFailed, got.Status)
	agent, _ := o.GetAgent("w1")
	assert.Equal(t, AgentIdle, agent.Status)
	assert.Empty(t, agent.CurrentTaskID)
}

func TestTaskResponse_CompletesAndReleasesAgent(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := o.RegisterAgent(ctx, AgentSpec{ID: "w1"})
	require.NoError(t, err)
	task := o.CreateTask(TaskSpec{Name: "x"})
	ok, err := o.AssignTask(ctx, task.ID, "")
	require.NoError(t, err)
	require.True(t, ok)

	// 结果中不带 task_id 时依靠 reply_to 找回任务
	err = o.handleTaskResponse(ctx, &bus.AgentMessage{
		Type:      bus.MessageTaskResponse,
		FromAgent: "w1",
		ReplyTo:   "orchestrator:w1:1",
		Content:   map[string]any{"success": true, "result": map[string]any{"value": 4.0}},
	})
	require.NoError(t, err)

	got, _ := o.GetTask(task.ID)
	assert.Equal(t, TaskCompleted, got.Status)
	assert.Equal(t, 4.0, got.OutputData["value"])
	assert.NotNil(t, got.CompletedAt)

	agent, _ := o.GetAgent("w1")
	assert.Equal(t, AgentIdle, agent.Status)
	assert.Empty(t, agent.CurrentTaskID)
}

func TestTaskResponse_Failure(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := o.RegisterAgent(ctx, AgentSpec{ID: "w1"})
	require.NoError(t, err)
	task := o.CreateTask(TaskSpec{Name: "x"})
	_, err = o.AssignTask(ctx, task.ID, "w1")
	require.NoError(t, err)

	require.NoError(t, o.handleTaskResponse(ctx, &bus.AgentMessage{
		FromAgent: "w1",
		Content:   map[string]any{"task_id": task.ID, "success": false, "result": map[string]any{"error": "boom"}},
	}))

	got, _ := o.GetTask(task.ID)
	assert.Equal(t, TaskFailed, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage)
	assert.Equal(t, "w1", got.AssignedAgentID)
}

func TestExecuteTask_Timeout(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	o.config.TaskTimeout = 30 * time.Millisecond
	ctx := context.Background()
	_, err := o.RegisterAgent(ctx, AgentSpec{ID: "w1"})
	require.NoError(t, err)

	task := o.CreateTask(TaskSpec{Name: "slow"})
	_, err = o.ExecuteTask(ctx, task.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Task execution timeout")

	got, _ := o.GetTask(task.ID)
	assert.Equal(t, TaskFailed, got.Status)
	agent, _ := o.GetAgent("w1")
	assert.Equal(t, AgentIdle, agent.Status)
}

func TestExecuteTask_NoAgent(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	task := o.CreateTask(TaskSpec{Name: "x"})
	_, err := o.ExecuteTask(context.Background(), task.ID)
	assert.ErrorIs(t, err, ErrNoAvailableAgent)
}

func TestGetAgentIntelligence_UsesMemories(t *testing.T) {
	o, _, acp, model := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := o.RegisterAgent(ctx, AgentSpec{ID: "w1", PreferredModel: "qwen/qwen-2.5-coder-32b-instruct:free"})
	require.NoError(t, err)
	_, err = acp.AddMemory(ctx, "w1", "project is ChasmX", protocol.MemoryLongTerm, 0.9, nil)
	require.NoError(t, err)
	_, err = acp.AddMemory(ctx, "w1", "trivial", protocol.MemoryLongTerm, 0.1, nil)
	require.NoError(t, err)

	answer, err := o.GetAgentIntelligence(ctx, "w1", "What project?", "be brief")
	require.NoError(t, err)
	assert.Equal(t, "answer to What project?", answer)

	req := model.reqs[0]
	assert.Equal(t, "qwen/qwen-2.5-coder-32b-instruct:free", req.Model)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "be brief", req.Messages[0].Content)
	assert.Equal(t, "Recent context:\nproject is ChasmX", req.Messages[1].Content)

	assert.Contains(t, acp.memories, "Q: What project?\nA: answer to What project?")

	_, err = o.GetAgentIntelligence(ctx, "ghost", "q", "")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestStats(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	_, _ = o.RegisterAgent(ctx, AgentSpec{ID: "a"})
	_, _ = o.RegisterAgent(ctx, AgentSpec{ID: "b"})
	require.NoError(t, o.UnregisterAgent(ctx, "b"))
	o.CreateTask(TaskSpec{Name: "x"})

	s := o.Stats()
	assert.Equal(t, 2, s.Agents.Total)
	assert.Equal(t, 1, s.Agents.Active)
	assert.Equal(t, 1, s.Agents.Idle)
	assert.Equal(t, 1, s.Tasks.Total)
	assert.Equal(t, 1, s.Tasks.Pending)
	assert.Len(t, o.ListTasks(TaskPending), 1)
	assert.Empty(t, o.ListTasks(TaskCompleted))
}

// 端到端：真实消息总线 + ACP，Agent 通过 LLMTaskHandler 完成任务
func TestExecuteTask_OverMessageBus(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mgr := cache.NewManagerFromClient(client, cache.Config{Addr: mr.Addr()}, zap.NewNop())
	acp := protocol.New(protocol.NewContextStore(mgr, 0, zap.NewNop()), zap.NewNop())
	mb := bus.New(client, zap.NewNop(), bus.WithPollTimeout(20*time.Millisecond))
	t.Cleanup(func() { _ = mb.Close() })

	o := New(&echoLLM{}, acp, mb, Config{TaskPollInterval: 10 * time.Millisecond, TaskTimeout: 5 * time.Second}, zap.NewNop())
	o.RegisterTaskHandler("*", o.LLMTaskHandler())

	ctx := context.Background()
	mb.Start(ctx)
	require.NoError(t, o.Start(ctx))
	_, err := o.RegisterAgent(ctx, AgentSpec{ID: "worker", Type: "assistant", Capabilities: []string{"ai-processing"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n := mr.PubSubNumSub("agent:messages:worker", "agent:messages:orchestrator")
		return n["agent:messages:worker"] > 0 && n["agent:messages:orchestrator"] > 0
	}, 2*time.Second, 10*time.Millisecond)

	task := o.CreateTask(TaskSpec{Name: "greet", Description: "Say hello", RequiredCapabilities: []string{"ai-processing"}})
	out, err := o.ExecuteTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "answer to Say hello", out["response"])

	got, _ := o.GetTask(task.ID)
	assert.Equal(t, TaskCompleted, got.Status)
	agent, _ := o.GetAgent("worker")
	assert.Equal(t, AgentIdle, agent.Status)

	ac, err := acp.GetContext(ctx, "worker")
	require.NoError(t, err)
	require.Len(t, ac.Memories, 1)
	assert.Equal(t, protocol.MemoryEpisodic, ac.Memories[0].Type)
}
