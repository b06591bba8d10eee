package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix    = "agent:messages:"
	broadcastChannel = channelPrefix + "broadcast"

	// DefaultPollTimeout 监听循环单次等待时长
	DefaultPollTimeout = time.Second
)

// ErrBusClosed 消息总线已关闭
var ErrBusClosed = errors.New("message bus closed")

// Handler 消息处理函数
type Handler func(ctx context.Context, msg *AgentMessage) error

// MetricsRecorder 消息计数上报
type MetricsRecorder interface {
	RecordBusMessage(direction string, msgType string)
}

type nopRecorder struct{}

func (nopRecorder) RecordBusMessage(string, string) {}

// Option 配置 MessageBus
type Option func(*MessageBus)

// WithPollTimeout 设置监听循环的轮询超时
func WithPollTimeout(d time.Duration) Option {
	return func(b *MessageBus) {
		if d > 0 {
			b.pollTimeout = d
		}
	}
}

// WithMetrics 设置指标上报
func WithMetrics(m MetricsRecorder) Option {
	return func(b *MessageBus) {
		if m != nil {
			b.metrics = m
		}
	}
}

// ChannelFor 返回 Agent 专属频道；agentID 为空时返回广播频道
func ChannelFor(agentID string) string {
	if agentID == "" {
		return broadcastChannel
	}
	return channelPrefix + agentID
}

// =============================================================================
// 📨 MessageBus
// =============================================================================

// MessageBus 基于 Redis Pub/Sub 的 Agent 消息总线。
// 每个 Agent 订阅自己的频道与广播频道；一个后台循环接收消息并按类型分发。
// FIFO 只在单个频道内成立；TASK_REQUEST 与 QUERY 的处理函数并发执行，完成顺序不保证。
type MessageBus struct {
	client      *redis.Client
	pubsub      *redis.PubSub
	pollTimeout time.Duration
	metrics     MetricsRecorder
	logger      *zap.Logger

	mu       sync.RWMutex
	handlers map[MessageType]Handler
	agents   map[string]struct{}
	closed   bool

	cancel   context.CancelFunc
	loopDone chan struct{}
	inflight sync.WaitGroup
	// 仅由监听循环读写：最近一个串行处理函数的完成信号
	orderTail chan struct{}
	now       func() time.Time
}

// New 创建消息总线，复用调用方的 Redis 客户端（Close 不会关闭它）
func New(client *redis.Client, logger *zap.Logger, opts ...Option) *MessageBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &MessageBus{
		client:      client,
		pubsub:      client.Subscribe(context.Background()),
		pollTimeout: DefaultPollTimeout,
		metrics:     nopRecorder{},
		logger:      logger.With(zap.String("component", "message_bus")),
		handlers:    make(map[MessageType]Handler),
		agents:      make(map[string]struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish 发布消息：广播类型或无接收者时发往广播频道，否则发往接收者频道
func (b *MessageBus) Publish(ctx context.Context, msg *AgentMessage) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}
	channel := broadcastChannel
	if msg.Type != MessageBroadcast && msg.ToAgent != "" {
		channel = ChannelFor(msg.ToAgent)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		b.logger.Error("failed to publish message", zap.String("message_id", msg.ID), zap.Error(err))
		return fmt.Errorf("publish message %s: %w", msg.ID, err)
	}

	b.metrics.RecordBusMessage("published", string(msg.Type))
	b.logger.Debug("published message",
		zap.String("message_id", msg.ID),
		zap.String("from", msg.FromAgent),
		zap.String("to", msg.ToAgent),
		zap.String("channel", channel),
	)
	return nil
}

// Subscribe 为 Agent 订阅其专属频道与广播频道
func (b *MessageBus) Subscribe(ctx context.Context, agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}

	if err := b.pubsub.Subscribe(ctx, ChannelFor(agentID), broadcastChannel); err != nil {
		return fmt.Errorf("subscribe agent %s: %w", agentID, err)
	}
	b.agents[agentID] = struct{}{}
	b.logger.Info("agent subscribed", zap.String("agent_id", agentID))
	return nil
}

// Unsubscribe 取消 Agent 订阅；最后一个 Agent 离开时才退订广播频道
func (b *MessageBus) Unsubscribe(ctx context.Context, agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if _, ok := b.agents[agentID]; !ok {
		return nil
	}
	delete(b.agents, agentID)

	channels := []string{ChannelFor(agentID)}
	if len(b.agents) == 0 {
		channels = append(channels, broadcastChannel)
	}
	if err := b.pubsub.Unsubscribe(ctx, channels...); err != nil {
		b.logger.Error("failed to unsubscribe agent", zap.String("agent_id", agentID), zap.Error(err))
		return fmt.Errorf("unsubscribe agent %s: %w", agentID, err)
	}
	b.logger.Info("agent unsubscribed", zap.String("agent_id", agentID))
	return nil
}

// Subscribed 当前已订阅的 Agent 数量
func (b *MessageBus) Subscribed() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.agents)
}

// RegisterHandler 注册某类型的处理函数，覆盖已有的
func (b *MessageBus) RegisterHandler(t MessageType, h Handler) {
	b.mu.Lock()
	b.handlers[t] = h
	b.mu.Unlock()
	b.logger.Debug("registered handler", zap.String("message_type", string(t)))
}

// Start 启动监听循环，重复调用无效果
func (b *MessageBus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.loopDone = make(chan struct{})
	go b.listen(loopCtx)
	b.logger.Info("started listening for messages")
}

func (b *MessageBus) listen(ctx context.Context) {
	defer close(b.loopDone)

	for {
		if ctx.Err() != nil {
			return
		}

		raw, err := b.pubsub.ReceiveTimeout(ctx, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			b.logger.Error("error in listen loop", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.pollTimeout):
			}
			continue
		}

		// 订阅确认与 pong 忽略
		if m, ok := raw.(*redis.Message); ok {
			b.handleRaw(ctx, m.Payload)
		}
	}
}

func (b *MessageBus) handleRaw(ctx context.Context, payload string) {
	var msg AgentMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.logger.Error("failed to decode message", zap.Error(err))
		return
	}
	if msg.Expired(b.now()) {
		b.logger.Debug("message expired, ignoring", zap.String("message_id", msg.ID))
		return
	}

	b.mu.RLock()
	h := b.handlers[msg.Type]
	b.mu.RUnlock()
	if h == nil {
		b.logger.Debug("no handler registered", zap.String("message_type", string(msg.Type)))
		return
	}

	b.metrics.RecordBusMessage("received", string(msg.Type))

	// 处理函数放到独立 goroutine，避免阻塞接收。
	// 任务请求与查询会调用 LLM，彼此并发；其余类型按到达顺序串行执行。
	var prev chan struct{}
	var done chan struct{}
	if !msg.Type.dispatchConcurrently() {
		prev = b.orderTail
		done = make(chan struct{})
		b.orderTail = done
	}

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		if done != nil {
			defer close(done)
		}
		if prev != nil {
			<-prev
		}
		b.runHandler(ctx, h, &msg)
	}()
}

func (b *MessageBus) runHandler(ctx context.Context, h Handler, msg *AgentMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("message handler panicked", zap.String("message_id", msg.ID), zap.Any("recover", r))
		}
	}()
	if err := h(ctx, msg); err != nil {
		b.logger.Error("failed to handle message",
			zap.String("message_id", msg.ID),
			zap.String("message_type", string(msg.Type)),
			zap.Error(err),
		)
	}
}

// Close 停止监听并关闭订阅连接
func (b *MessageBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel, done := b.cancel, b.loopDone
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := b.pubsub.Close()
	if done != nil {
		<-done
	}
	b.inflight.Wait()
	b.logger.Info("message bus closed")
	return err
}

// =============================================================================
// 🧱 消息构造
// =============================================================================

func (b *MessageBus) stamp() string {
	return strconv.FormatInt(b.now().UnixNano(), 10)
}

// SendTaskRequest 向 Agent 发送任务请求，返回消息 ID（from:to:ts）
func (b *MessageBus) SendTaskRequest(ctx context.Context, from, to, description string, data map[string]any, priority Priority) (string, error) {
	if priority == "" {
		priority = PriorityMedium
	}
	msg := &AgentMessage{
		ID:               from + ":" + to + ":" + b.stamp(),
		Type:             MessageTaskRequest,
		FromAgent:        from,
		ToAgent:          to,
		Subject:          description,
		Content:          data,
		Priority:         priority,
		RequiresResponse: true,
	}
	return msg.ID, b.Publish(ctx, msg)
}

// SendTaskResponse 回复任务请求，消息 ID 为 response:<reply_to>
func (b *MessageBus) SendTaskResponse(ctx context.Context, from, to, replyTo string, result map[string]any, success bool) error {
	msg := &AgentMessage{
		ID:        "response:" + replyTo,
		Type:      MessageTaskResponse,
		FromAgent: from,
		ToAgent:   to,
		Subject:   "Task Response",
		Content:   map[string]any{"success": success, "result": result},
		Priority:  PriorityMedium,
		ReplyTo:   replyTo,
	}
	return b.Publish(ctx, msg)
}

// Broadcast 广播消息，返回消息 ID（broadcast:from:ts）
func (b *MessageBus) Broadcast(ctx context.Context, from, subject string, content map[string]any, priority Priority) (string, error) {
	if priority == "" {
		priority = PriorityLow
	}
	msg := &AgentMessage{
		ID:        "broadcast:" + from + ":" + b.stamp(),
		Type:      MessageBroadcast,
		FromAgent: from,
		Subject:   subject,
		Content:   content,
		Priority:  priority,
	}
	return msg.ID, b.Publish(ctx, msg)
}
