package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/nodeflow/agent/bus"
	"github.com/BaSui01/nodeflow/agent/orchestrator"
	"github.com/BaSui01/nodeflow/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// 节点注册为 Agent 时使用的类型与能力
const (
	nodeAgentType        = "workflow-node"
	capabilityProcessing = "ai-processing"
	capabilityComm       = "communication"
)

// AgentRegistry PubSub 模式下把节点注册为 Agent（orchestrator.Orchestrator 满足）
type AgentRegistry interface {
	RegisterAgent(ctx context.Context, spec orchestrator.AgentSpec) (*orchestrator.Agent, error)
	UnregisterAgent(ctx context.Context, agentID string) error
}

// MessageBus PubSub 模式使用的总线能力（bus.MessageBus 满足）
type MessageBus interface {
	Publish(ctx context.Context, msg *bus.AgentMessage) error
	RegisterHandler(t bus.MessageType, h bus.Handler)
	Broadcast(ctx context.Context, from, subject string, content map[string]any, priority bus.Priority) (string, error)
}

type responder struct {
	rs   *RunState
	node *Node
}

// PubSubCommunicator 每个可通信的 AI 节点在运行期间是一个 Agent，
// ask_node 走消息总线的 QUERY / RESPONSE，并按 reply_to 关联应答。
// 任一端没有 Agent 时退回进程内实现。
type PubSubCommunicator struct {
	simple     *SimpleCommunicator
	answerer   *nodeAnswerer
	registry   AgentRegistry
	bus        MessageBus
	pending    *correlationTable
	askTimeout time.Duration
	metrics    MetricsRecorder
	logger     *zap.Logger

	mu         sync.RWMutex
	responders map[string]responder
}

// NewPubSubCommunicator 创建 PubSub 通信层并在总线上注册 QUERY / RESPONSE / BROADCAST 处理函数
func NewPubSubCommunicator(completer Completer, registry AgentRegistry, mb MessageBus, config Config, logger *zap.Logger, opts ...CommOption) *PubSubCommunicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.AskTimeout <= 0 {
		config.AskTimeout = def.AskTimeout
	}
	if config.DefaultModel == "" {
		config.DefaultModel = def.DefaultModel
	}
	o := applyCommOptions(opts)

	c := &PubSubCommunicator{
		simple:     NewSimpleCommunicator(completer, config.DefaultModel, logger, opts...),
		answerer:   newNodeAnswerer(completer, config.DefaultModel),
		registry:   registry,
		bus:        mb,
		pending:    newCorrelationTable(),
		askTimeout: config.AskTimeout,
		metrics:    o.metrics,
		logger:     logger.With(zap.String("component", "comm_pubsub")),
		responders: make(map[string]responder),
	}
	mb.RegisterHandler(bus.MessageQuery, c.handleQuery)
	mb.RegisterHandler(bus.MessageResponse, c.handleResponse)
	mb.RegisterHandler(bus.MessageBroadcast, c.handleBroadcast)
	return c
}

func (c *PubSubCommunicator) Mode() CommunicationMode { return ModePubSub }

// nodeAgentID 节点在总线上的身份，按运行隔离
func nodeAgentID(executionID, nodeID string) string {
	return executionID + ":" + nodeID
}

// Begin 为每个 can_communicate 的 AI 节点注册 Agent；单个注册失败只告警，该节点退回进程内通信
func (c *PubSubCommunicator) Begin(ctx context.Context, rs *RunState) error {
	wf := rs.Workflow()
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if ParseNodeType(string(node.Type)) != NodeAIProcessor {
			continue
		}
		cfg := nodeConfig(node.Config)
		if !cfg.Bool("can_communicate", false) {
			continue
		}

		agentID := nodeAgentID(rs.ExecutionID(), node.ID)
		c.mu.Lock()
		c.responders[agentID] = responder{rs: rs, node: node}
		c.mu.Unlock()

		_, err := c.registry.RegisterAgent(ctx, orchestrator.AgentSpec{
			ID:             agentID,
			Type:           nodeAgentType,
			Name:           node.ID,
			Capabilities:   []string{capabilityProcessing, capabilityComm},
			PreferredModel: cfg.String("model", c.answerer.defaultModel),
		})
		if err != nil {
			c.detach(agentID)
			c.logger.Warn("failed to register node agent",
				zap.String("execution_id", rs.ExecutionID()),
				zap.String("node_id", node.ID),
				zap.Error(err),
			)
			continue
		}
		rs.bindAgent(node.ID, agentID)
		c.logger.Debug("node agent registered", zap.String("agent_id", agentID))
	}
	return nil
}

// End 注销本次运行注册的所有 Agent
func (c *PubSubCommunicator) End(ctx context.Context, rs *RunState) error {
	var g errgroup.Group
	for _, pair := range rs.boundAgents() {
		agentID := pair[1]
		c.detach(agentID)
		g.Go(func() error {
			if err := c.registry.UnregisterAgent(ctx, agentID); err != nil {
				return fmt.Errorf("unregister agent %s: %w", agentID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *PubSubCommunicator) detach(agentID string) {
	c.mu.Lock()
	delete(c.responders, agentID)
	c.mu.Unlock()
}

func (c *PubSubCommunicator) responderFor(agentID string) (responder, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.responders[agentID]
	return r, ok
}

// AskNode 发布 QUERY 并等待 RESPONSE，超过 askTimeout 返回 CommunicationTimeout
func (c *PubSubCommunicator) AskNode(ctx context.Context, rs *RunState, from, target, question string, qctx map[string]any) (string, error) {
	if _, ok := rs.Node(target); !ok {
		return "", types.NewError(types.ErrValidation, fmt.Sprintf("unknown target node: %s", target)).WithNode(from)
	}
	toAgent, ok := rs.agentFor(target)
	if !ok {
		return c.simple.askLocal(ctx, rs, from, target, question, qctx,
			map[string]any{"mode": string(ModePubSub), "fallback": true})
	}

	// 提问方未注册 Agent 时以节点 ID 作为发送方
	fromAgent, ok := rs.agentFor(from)
	if !ok {
		fromAgent = from
	}

	msgID := "query:" + uuid.NewString()
	reply := c.pending.register(msgID)
	defer c.pending.remove(msgID)

	expires := rs.now().Add(c.askTimeout)
	content := map[string]any{
		"question":     question,
		"execution_id": rs.ExecutionID(),
		"from_node":    from,
		"to_node":      target,
	}
	if len(qctx) > 0 {
		content["context"] = qctx
	}

	askMeta := map[string]any{"mode": string(ModePubSub), "message_id": msgID}
	if len(qctx) > 0 {
		askMeta["context"] = qctx
	}
	rs.recordCommunication(CommunicationEntry{
		FromNode: from, ToNode: target, Type: CommAsk, Content: question, Metadata: askMeta,
	})
	c.metrics.RecordCommunication(string(ModePubSub), string(CommAsk))

	err := c.bus.Publish(ctx, &bus.AgentMessage{
		ID:               msgID,
		Type:             bus.MessageQuery,
		FromAgent:        fromAgent,
		ToAgent:          toAgent,
		Subject:          "ask_node",
		Content:          content,
		Priority:         bus.PriorityHigh,
		RequiresResponse: true,
		ExpiresAt:        &expires,
	})
	if err != nil {
		return "", fmt.Errorf("publish query to %s: %w", target, err)
	}

	timer := time.NewTimer(c.askTimeout)
	defer timer.Stop()

	var msg *bus.AgentMessage
	select {
	case msg = <-reply:
	case <-timer.C:
		c.logger.Warn("ask_node timed out",
			zap.String("execution_id", rs.ExecutionID()),
			zap.String("from", from),
			zap.String("target", target),
			zap.String("message_id", msgID),
		)
		return "", types.NewError(types.ErrCommunicationTimeout,
			fmt.Sprintf("ask_node to %s timed out after %ss", target, formatSeconds(c.askTimeout))).WithNode(from)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if ok, _ := msg.Content["success"].(bool); !ok {
		return "", fmt.Errorf("node %s failed to answer: %s", target, stringify(msg.Content["error"]))
	}
	answer := stringify(msg.Content["answer"])
	respMeta := map[string]any{
		"mode":       string(ModePubSub),
		"message_id": msg.ID,
		"reply_to":   msg.ReplyTo,
		"cached":     msg.Content["cached"],
		"model":      msg.Content["model"],
	}
	rs.recordCommunication(CommunicationEntry{
		FromNode: target, ToNode: from, Type: CommResponse, Content: answer, Metadata: respMeta,
	})
	c.metrics.RecordCommunication(string(ModePubSub), string(CommResponse))
	return answer, nil
}

// handleQuery 被问节点的一侧：总是以该节点的模型配置同步调用 LLM 回答
func (c *PubSubCommunicator) handleQuery(ctx context.Context, msg *bus.AgentMessage) error {
	resp := &bus.AgentMessage{
		ID:        "response:" + msg.ID,
		Type:      bus.MessageResponse,
		FromAgent: msg.ToAgent,
		ToAgent:   msg.FromAgent,
		Subject:   "ask_node response",
		Priority:  bus.PriorityHigh,
		ReplyTo:   msg.ID,
	}

	r, ok := c.responderFor(msg.ToAgent)
	if !ok {
		resp.Content = map[string]any{"success": false, "error": "agent " + msg.ToAgent + " is not serving queries"}
		return c.bus.Publish(ctx, resp)
	}

	question, _ := msg.Content["question"].(string)
	qctx, _ := msg.Content["context"].(map[string]any)

	askCtx, cancel := context.WithTimeout(ctx, c.askTimeout)
	defer cancel()
	answer, err := c.answerer.answer(askCtx, r.rs, r.node, question, qctx)
	if err != nil {
		c.logger.Warn("node failed to answer query",
			zap.String("agent_id", msg.ToAgent),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		resp.Content = map[string]any{"success": false, "error": errorMessage(err)}
		return c.bus.Publish(ctx, resp)
	}
	resp.Content = map[string]any{
		"success": true,
		"answer":  answer.Content,
		"cached":  answer.Cached,
		"model":   answer.Model,
	}
	return c.bus.Publish(ctx, resp)
}

// handleResponse 按 reply_to 唤醒等待方；无人等待（已超时）的应答直接丢弃
func (c *PubSubCommunicator) handleResponse(_ context.Context, msg *bus.AgentMessage) error {
	if msg.ReplyTo == "" {
		return nil
	}
	if !c.pending.resolve(msg.ReplyTo, msg) {
		c.logger.Debug("dropping unmatched response", zap.String("reply_to", msg.ReplyTo))
	}
	return nil
}

func (c *PubSubCommunicator) handleBroadcast(_ context.Context, msg *bus.AgentMessage) error {
	c.logger.Debug("broadcast received",
		zap.String("message_id", msg.ID),
		zap.String("from", msg.FromAgent),
		zap.String("subject", msg.Subject),
	)
	return nil
}

// BroadcastMessage 写入本次运行的广播列表，同时发布到总线的广播频道
func (c *PubSubCommunicator) BroadcastMessage(ctx context.Context, rs *RunState, from, message string, targetTypes []string) error {
	c.simple.broadcastLocal(rs, from, message, targetTypes, map[string]any{"mode": string(ModePubSub)})

	sender := from
	if agentID, ok := rs.agentFor(from); ok {
		sender = agentID
	}
	content := map[string]any{
		"message":      message,
		"execution_id": rs.ExecutionID(),
		"from_node":    from,
	}
	if len(targetTypes) > 0 {
		content["target_types"] = targetTypes
	}
	if _, err := c.bus.Broadcast(ctx, sender, "broadcast_message", content, bus.PriorityLow); err != nil {
		c.logger.Warn("failed to publish broadcast", zap.String("execution_id", rs.ExecutionID()), zap.Error(err))
	}
	return nil
}

func (c *PubSubCommunicator) SetSharedContext(_ context.Context, rs *RunState, from, key string, value any) error {
	return c.simple.setLocal(rs, from, key, value, map[string]any{"mode": string(ModePubSub)})
}

func (c *PubSubCommunicator) GetSharedContext(ctx context.Context, rs *RunState, from, key string) (any, bool, error) {
	return c.simple.GetSharedContext(ctx, rs, from, key)
}
