package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/nodeflow/agent/bus"
	"github.com/BaSui01/nodeflow/agent/orchestrator"
	"github.com/BaSui01/nodeflow/agent/protocol"
	"github.com/BaSui01/nodeflow/internal/cache"
	"github.com/BaSui01/nodeflow/llm"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 进程内替身
// =============================================================================

// inProcBus 按消息类型异步投递给已注册的处理函数
type inProcBus struct {
	mu         sync.Mutex
	handlers   map[bus.MessageType]bus.Handler
	published  []*bus.AgentMessage
	broadcasts []map[string]any
	senders    []string
	dropTypes  map[bus.MessageType]bool
	wg         sync.WaitGroup
}

func newInProcBus() *inProcBus {
	return &inProcBus{handlers: map[bus.MessageType]bus.Handler{}, dropTypes: map[bus.MessageType]bool{}}
}

func (b *inProcBus) RegisterHandler(t bus.MessageType, h bus.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = h
}

func (b *inProcBus) Publish(ctx context.Context, msg *bus.AgentMessage) error {
	b.mu.Lock()
	b.published = append(b.published, msg)
	h, ok := b.handlers[msg.Type]
	drop := b.dropTypes[msg.Type]
	b.mu.Unlock()
	if !ok || drop {
		return nil
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		_ = h(context.WithoutCancel(ctx), msg)
	}()
	return nil
}

func (b *inProcBus) Broadcast(_ context.Context, from, _ string, content map[string]any, _ bus.Priority) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcasts = append(b.broadcasts, content)
	b.senders = append(b.senders, from)
	return "broadcast-1", nil
}

func (b *inProcBus) messages(t bus.MessageType) []*bus.AgentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*bus.AgentMessage
	for _, m := range b.published {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeRegistry struct {
	mu           sync.Mutex
	registered   []orchestrator.AgentSpec
	unregistered []string
	failFor      map[string]bool
}

func (r *fakeRegistry) RegisterAgent(_ context.Context, spec orchestrator.AgentSpec) (*orchestrator.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for suffix := range r.failFor {
		if strings.HasSuffix(spec.ID, ":"+suffix) {
			return nil, errors.New("registry full")
		}
	}
	r.registered = append(r.registered, spec)
	return &orchestrator.Agent{ID: spec.ID, Type: spec.Type, Name: spec.Name}, nil
}

func (r *fakeRegistry) UnregisterAgent(_ context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = append(r.unregistered, agentID)
	return nil
}

func pubsubExecutor(t *testing.T, c Completer, mb MessageBus, reg AgentRegistry, cfg Config, metrics MetricsRecorder) (*Executor, *PubSubCommunicator) {
	t.Helper()
	comm := NewPubSubCommunicator(c, reg, mb, cfg, zap.NewNop(), WithCommMetrics(metrics))
	exec := newTestExecutor(t, c, nil, cfg, WithCommunicator(comm), WithMetrics(metrics))
	return exec, comm
}

// =============================================================================
// 测试
// =============================================================================

func TestPubSubCommunication_EndToEnd(t *testing.T) {
	t.Parallel()

	fake := teamCompleter()
	mb := newInProcBus()
	reg := &fakeRegistry{}
	metrics := &recordingMetrics{}
	exec, comm := pubsubExecutor(t, fake, mb, reg, Config{}, metrics)

	wf := teamWorkflow()
	wf.Settings.CommunicationMode = ModePubSub
	run := NewRun(wf.ID, nil, "")

	_, err := exec.Execute(context.Background(), wf, run)
	require.NoError(t, err)
	mb.wg.Wait()

	// 每个可通信的 AI 节点注册一个 Agent，运行结束后全部注销
	require.Len(t, reg.registered, 3)
	spec := reg.registered[1]
	assert.Equal(t, run.ExecutionID+":writer", spec.ID)
	assert.Equal(t, "writer", spec.Name)
	assert.Equal(t, "workflow-node", spec.Type)
	assert.Equal(t, "writer/model", spec.PreferredModel)
	assert.ElementsMatch(t, []string{"ai-processing", "communication"}, spec.Capabilities)
	assert.ElementsMatch(t, []string{
		run.ExecutionID + ":planner", run.ExecutionID + ":writer", run.ExecutionID + ":reviewer",
	}, reg.unregistered)
	comm.mu.RLock()
	assert.Empty(t, comm.responders)
	comm.mu.RUnlock()
	assert.Equal(t, 0, comm.pending.size())

	queries := mb.messages(bus.MessageQuery)
	require.Len(t, queries, 2)
	q := queries[0]
	assert.True(t, strings.HasPrefix(q.ID, "query:"))
	assert.Equal(t, run.ExecutionID+":planner", q.FromAgent)
	assert.Equal(t, run.ExecutionID+":writer", q.ToAgent)
	assert.Equal(t, bus.PriorityHigh, q.Priority)
	assert.True(t, q.RequiresResponse)
	require.NotNil(t, q.ExpiresAt)
	assert.Equal(t, "What is your draft?", q.Content["question"])
	assert.Equal(t, run.ExecutionID, q.Content["execution_id"])

	responses := mb.messages(bus.MessageResponse)
	require.Len(t, responses, 2)
	assert.Equal(t, q.ID, responses[0].ReplyTo)
	assert.Equal(t, "response:"+q.ID, responses[0].ID)

	log := run.CommunicationLog
	assert.Equal(t, []CommunicationType{
		CommContextUpdate, CommBroadcast, CommAsk, CommResponse,
		CommAsk, CommResponse,
	}, commTypes(log))
	for _, e := range log {
		assert.Equal(t, "pubsub", e.Metadata["mode"])
	}
	assert.Equal(t, q.ID, log[2].Metadata["message_id"])
	assert.Equal(t, q.ID, log[3].Metadata["reply_to"])
	assert.Equal(t, "draft v1", log[3].Content)
	assert.Equal(t, true, log[3].Metadata["cached"])
	assert.Equal(t, "writer/model", log[3].Metadata["model"])
	// 已执行过的 planner 仍由 LLM 回答新问题
	assert.Equal(t, "?", log[5].Content)
	assert.NotContains(t, log[5].Metadata, "reused_output")
	assert.Contains(t, userContents(fake.requests()), "what did you plan?")

	// 广播同时进入运行内列表与总线
	require.Len(t, mb.broadcasts, 1)
	assert.Equal(t, "hello all", mb.broadcasts[0]["message"])
	assert.Equal(t, run.ExecutionID+":planner", mb.senders[0])
	assert.Equal(t, "Messages from other nodes:\n- [planner]: hello all\n\nwrite", userContent(fake.requests()[2]))

	_, _, comms := metrics.snapshot()
	assert.Contains(t, comms, "pubsub:ask")
	assert.Contains(t, comms, "pubsub:response")
	assert.Contains(t, comms, "pubsub:broadcast")
	assert.Contains(t, comms, "pubsub:context_update")
}

func TestPubSubCommunication_QueryToExecutedNodeCallsLLM(t *testing.T) {
	t.Parallel()

	fake := newFakeCompleter(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		switch userContent(req) {
		case "first":
			return &llm.Response{Content: "first answer"}, nil
		case "second":
			return &llm.Response{Content: "CALL: ask_node('a', 'again?')"}, nil
		case "again?":
			return &llm.Response{Content: "fresh answer"}, nil
		}
		return &llm.Response{Content: "?"}, nil
	})
	mb := newInProcBus()
	exec, _ := pubsubExecutor(t, fake, mb, &fakeRegistry{}, Config{}, &recordingMetrics{})

	wf := &Workflow{
		ID:       "wf",
		Settings: Settings{CommunicationMode: ModePubSub},
		Nodes: []Node{
			{ID: "a", Type: NodeAIProcessor, Config: map[string]any{"prompt": "first", "can_communicate": true}},
			{ID: "b", Type: NodeAIProcessor, Config: map[string]any{"prompt": "second", "can_communicate": true}},
		},
	}
	run := NewRun(wf.ID, nil, "")

	_, err := exec.Execute(context.Background(), wf, run)
	require.NoError(t, err)
	mb.wg.Wait()

	assert.Equal(t, []string{"first", "second", "again?"}, userContents(fake.requests()))
	require.Len(t, mb.messages(bus.MessageQuery), 1)

	var answers []string
	for _, e := range run.CommunicationLog {
		if e.Type == CommResponse {
			answers = append(answers, e.Content)
			assert.NotContains(t, e.Metadata, "reused_output")
		}
	}
	assert.Equal(t, []string{"fresh answer"}, answers)
}

// 提问方没有注册 Agent 时仍走总线，发送方为节点 ID
func TestPubSubCommunication_AskerWithoutAgentStillPublishes(t *testing.T) {
	t.Parallel()

	fake := newFakeCompleter(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		switch userContent(req) {
		case "go":
			return &llm.Response{Content: "CALL: ask_node('b', 'status?')"}, nil
		case "status?":
			return &llm.Response{Content: "all green"}, nil
		}
		return &llm.Response{Content: "ok"}, nil
	})
	mb := newInProcBus()
	reg := &fakeRegistry{failFor: map[string]bool{"a": true}}
	exec, _ := pubsubExecutor(t, fake, mb, reg, Config{}, &recordingMetrics{})

	wf := &Workflow{
		ID:       "wf",
		Settings: Settings{CommunicationMode: ModePubSub},
		Nodes: []Node{
			{ID: "a", Type: NodeAIProcessor, Config: map[string]any{"prompt": "go", "can_communicate": true}},
			{ID: "b", Type: NodeAIProcessor, Config: map[string]any{"prompt": "idle", "can_communicate": true}},
		},
	}
	run := NewRun(wf.ID, nil, "")

	_, err := exec.Execute(context.Background(), wf, run)
	require.NoError(t, err)
	mb.wg.Wait()

	queries := mb.messages(bus.MessageQuery)
	require.NotEmpty(t, queries)
	assert.Equal(t, "a", queries[0].FromAgent)
	assert.Equal(t, run.ExecutionID+":b", queries[0].ToAgent)

	resps := mb.messages(bus.MessageResponse)
	require.NotEmpty(t, resps)
	assert.Equal(t, "a", resps[0].ToAgent)
	assert.Equal(t, "all green", resps[0].Content["answer"])
	assert.NotContains(t, run.CommunicationLog[0].Metadata, "fallback")
}

func TestPubSubCommunication_AskTimeoutFailsNode(t *testing.T) {
	t.Parallel()

	mb := newInProcBus()
	mb.dropTypes[bus.MessageQuery] = true
	fake := staticCompleter("CALL: ask_node('b', 'are you there?')")
	exec, comm := pubsubExecutor(t, fake, mb, &fakeRegistry{}, Config{AskTimeout: 100 * time.Millisecond}, &recordingMetrics{})

	wf := &Workflow{
		ID:       "wf",
		Settings: Settings{CommunicationMode: ModePubSub},
		Nodes: []Node{
			{ID: "a", Type: NodeAIProcessor, Config: map[string]any{"can_communicate": true}},
			{ID: "b", Type: NodeAIProcessor, Config: map[string]any{"can_communicate": true}},
		},
	}
	run := NewRun(wf.ID, nil, "")

	began := time.Now()
	_, err := exec.Execute(context.Background(), wf, run)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(began), 100*time.Millisecond)

	require.Len(t, run.Errors, 2)
	assert.Equal(t, "a", run.Errors[0].NodeID)
	assert.Equal(t, "Node a execution failed: ask_node to b timed out after 0.1s", run.Errors[0].Error)
	assert.NotContains(t, run.NodeStates, "b")
	assert.Equal(t, 0, comm.pending.size())

	// 超时后才到达的应答被丢弃
	assert.NoError(t, comm.handleResponse(context.Background(), &bus.AgentMessage{ReplyTo: "query:late"}))
}

func TestPubSubCommunication_FallsBackWithoutAgent(t *testing.T) {
	t.Parallel()

	fake := newFakeCompleter(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		if userContent(req) == "go" {
			return &llm.Response{Content: "CALL: ask_node('b', 'status?')"}, nil
		}
		return &llm.Response{Content: "all green"}, nil
	})
	mb := newInProcBus()
	reg := &fakeRegistry{failFor: map[string]bool{"b": true}}
	exec, _ := pubsubExecutor(t, fake, mb, reg, Config{}, &recordingMetrics{})

	wf := &Workflow{
		ID:       "wf",
		Settings: Settings{CommunicationMode: ModePubSub},
		Nodes: []Node{
			{ID: "a", Type: NodeAIProcessor, Config: map[string]any{"prompt": "go", "can_communicate": true}},
			{ID: "b", Type: NodeAIProcessor, Config: map[string]any{"prompt": "report", "can_communicate": true}},
		},
	}
	run := NewRun(wf.ID, nil, "")

	_, err := exec.Execute(context.Background(), wf, run)
	require.NoError(t, err)

	assert.Empty(t, mb.messages(bus.MessageQuery))
	require.GreaterOrEqual(t, len(run.CommunicationLog), 2)
	assert.Equal(t, true, run.CommunicationLog[0].Metadata["fallback"])
	assert.Equal(t, "pubsub", run.CommunicationLog[0].Metadata["mode"])
	assert.Equal(t, "all green", run.CommunicationLog[1].Content)
	assert.Equal(t, []string{run.ExecutionID + ":a"}, reg.unregistered)
}

func TestPubSubCommunication_ResponderErrorIsRecorded(t *testing.T) {
	t.Parallel()

	fake := newFakeCompleter(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		if userContent(req) == "go" {
			return &llm.Response{Content: "CALL: ask_node('b', 'status?')"}, nil
		}
		return nil, errors.New("model overloaded")
	})
	mb := newInProcBus()
	exec, _ := pubsubExecutor(t, fake, mb, &fakeRegistry{}, Config{}, &recordingMetrics{})

	wf := &Workflow{
		ID:       "wf",
		Settings: Settings{CommunicationMode: ModePubSub},
		Nodes: []Node{
			{ID: "a", Type: NodeAIProcessor, Config: map[string]any{"prompt": "go", "can_communicate": true}},
			{ID: "b", Type: NodeAIProcessor, Config: map[string]any{"prompt": "never", "can_communicate": true}},
		},
	}
	run := NewRun(wf.ID, nil, "")

	_, err := exec.Execute(context.Background(), wf, run)
	// b 自己执行时同样失败
	require.Error(t, err)
	mb.wg.Wait()

	outcomes, ok := run.NodeStates["a"]["communication"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "node b failed to answer: model overloaded", outcomes[0]["error"])
	assert.Equal(t, "Node b execution failed: model overloaded", run.Errors[0].Error)
}

func TestPubSubCommunicator_QueryForUnknownAgent(t *testing.T) {
	t.Parallel()

	mb := newInProcBus()
	comm := NewPubSubCommunicator(staticCompleter("x"), &fakeRegistry{}, mb, Config{}, nil)
	require.NoError(t, comm.handleQuery(context.Background(), &bus.AgentMessage{
		ID: "q1", Type: bus.MessageQuery, FromAgent: "e:a", ToAgent: "e:gone",
		Content: map[string]any{"question": "?"},
	}))
	mb.wg.Wait()

	resps := mb.messages(bus.MessageResponse)
	require.Len(t, resps, 1)
	assert.Equal(t, "q1", resps[0].ReplyTo)
	assert.Equal(t, "e:a", resps[0].ToAgent)
	assert.Equal(t, false, resps[0].Content["success"])
	assert.Equal(t, ModePubSub, comm.Mode())
}

// 真实 Redis 总线（miniredis）+ 编排器
func TestPubSubCommunication_OverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mgr := cache.NewManagerFromClient(client, cache.Config{Addr: mr.Addr()}, zap.NewNop())
	acp := protocol.New(protocol.NewContextStore(mgr, 0, zap.NewNop()), zap.NewNop())
	mb := bus.New(client, zap.NewNop(), bus.WithPollTimeout(20*time.Millisecond))
	t.Cleanup(func() { _ = mb.Close() })

	var execID string
	var subscribedOnce sync.Once
	fake := newFakeCompleter(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		switch userContent(req) {
		case "ask":
			// 等待两个节点的频道订阅生效后再发问
			subscribedOnce.Do(func() {
				deadline := time.Now().Add(2 * time.Second)
				for time.Now().Before(deadline) {
					n := mr.PubSubNumSub(bus.ChannelFor(execID+":asker"), bus.ChannelFor(execID+":expert"))
					if n[bus.ChannelFor(execID+":asker")] > 0 && n[bus.ChannelFor(execID+":expert")] > 0 {
						return
					}
					time.Sleep(10 * time.Millisecond)
				}
			})
			return &llm.Response{Content: "CALL: ask_node('expert', 'capital of France?')"}, nil
		case "capital of France?":
			return &llm.Response{Content: "Paris", Model: req.Model}, nil
		}
		return &llm.Response{Content: "ok"}, nil
	})

	o := orchestrator.New(fake, acp, mb, orchestrator.Config{}, zap.NewNop())
	ctx := context.Background()
	mb.Start(ctx)
	require.NoError(t, o.Start(ctx))

	cfg := Config{AskTimeout: 3 * time.Second}
	comm := NewPubSubCommunicator(fake, o, mb, cfg, zap.NewNop())
	exec := newTestExecutor(t, fake, nil, cfg, WithCommunicator(comm))

	wf := &Workflow{
		ID:       "geo",
		Settings: Settings{CommunicationMode: ModePubSub},
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "asker", Type: NodeAIProcessor, Config: map[string]any{"prompt": "ask", "can_communicate": true}},
			{ID: "expert", Type: NodeAIProcessor, Config: map[string]any{"prompt": "later", "can_communicate": true, "model": "expert/model"}},
		},
		Edges: chain("start", "asker", "expert"),
	}
	run := NewRun(wf.ID, nil, "")
	execID = run.ExecutionID

	_, err := exec.Execute(ctx, wf, run)
	require.NoError(t, err)

	outcomes := run.NodeStates["asker"]["communication"].([]map[string]any)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "Paris", outcomes[0]["result"])

	require.Len(t, run.CommunicationLog, 2)
	resp := run.CommunicationLog[1]
	assert.Equal(t, "Paris", resp.Content)
	assert.Equal(t, "expert/model", resp.Metadata["model"])
	assert.Equal(t, run.CommunicationLog[0].Metadata["message_id"], resp.Metadata["reply_to"])

	// 运行结束后 Agent 已下线
	agent, err := o.GetAgent(execID + ":expert")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.AgentOffline, agent.Status)
}
