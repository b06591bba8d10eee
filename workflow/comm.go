package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/nodeflow/types"

	"go.uber.org/zap"
)

// broadcastTarget 广播与共享上下文更新在通信日志中的接收方
const broadcastTarget = "*"

// Communicator 节点间通信的四个原语。实现是长生命周期的，
// 所有运行期状态都放在传入的 RunState 里。
type Communicator interface {
	Mode() CommunicationMode

	// Begin / End 在一次运行开始和结束（无论成功失败）时调用
	Begin(ctx context.Context, rs *RunState) error
	End(ctx context.Context, rs *RunState) error

	AskNode(ctx context.Context, rs *RunState, from, target, question string, qctx map[string]any) (string, error)
	BroadcastMessage(ctx context.Context, rs *RunState, from, message string, targetTypes []string) error
	SetSharedContext(ctx context.Context, rs *RunState, from, key string, value any) error
	GetSharedContext(ctx context.Context, rs *RunState, from, key string) (any, bool, error)
}

// SimpleCommunicator 进程内通信：直接读写 RunState
type SimpleCommunicator struct {
	answerer *nodeAnswerer
	metrics  MetricsRecorder
	logger   *zap.Logger
}

// NewSimpleCommunicator 创建进程内通信层
func NewSimpleCommunicator(completer Completer, defaultModel string, logger *zap.Logger, opts ...CommOption) *SimpleCommunicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := applyCommOptions(opts)
	return &SimpleCommunicator{
		answerer: newNodeAnswerer(completer, defaultModel),
		metrics:  o.metrics,
		logger:   logger.With(zap.String("component", "comm_simple")),
	}
}

// CommOption 通信层选项
type CommOption func(*commOptions)

type commOptions struct {
	metrics MetricsRecorder
}

// WithCommMetrics 设置指标上报
func WithCommMetrics(m MetricsRecorder) CommOption {
	return func(o *commOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

func applyCommOptions(opts []CommOption) commOptions {
	o := commOptions{metrics: nopRecorder{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (c *SimpleCommunicator) Mode() CommunicationMode { return ModeSimple }

func (c *SimpleCommunicator) Begin(context.Context, *RunState) error { return nil }

func (c *SimpleCommunicator) End(context.Context, *RunState) error { return nil }

// AskNode 目标节点已有输出时直接返回该输出（不重新调用模型），否则以目标节点的模型配置回答
func (c *SimpleCommunicator) AskNode(ctx context.Context, rs *RunState, from, target, question string, qctx map[string]any) (string, error) {
	return c.askLocal(ctx, rs, from, target, question, qctx, nil)
}

func (c *SimpleCommunicator) askLocal(ctx context.Context, rs *RunState, from, target, question string, qctx map[string]any, meta map[string]any) (string, error) {
	node, ok := rs.Node(target)
	if !ok {
		return "", types.NewError(types.ErrValidation, fmt.Sprintf("unknown target node: %s", target)).WithNode(from)
	}

	askMeta := withMeta(meta, nil)
	if len(qctx) > 0 {
		askMeta["context"] = qctx
	}
	rs.recordCommunication(CommunicationEntry{
		FromNode: from, ToNode: target, Type: CommAsk, Content: question, Metadata: askMeta,
	})
	c.metrics.RecordCommunication(string(modeOf(meta, ModeSimple)), string(CommAsk))

	if out, ok := rs.Output(target); ok {
		answer := stringify(out)
		rs.recordCommunication(CommunicationEntry{
			FromNode: target, ToNode: from, Type: CommResponse, Content: answer,
			Metadata: withMeta(meta, map[string]any{"reused_output": true}),
		})
		c.logger.Debug("reused existing node output",
			zap.String("execution_id", rs.ExecutionID()),
			zap.String("from", from),
			zap.String("target", target),
		)
		return answer, nil
	}

	resp, err := c.answerer.answer(ctx, rs, node, question, qctx)
	if err != nil {
		return "", err
	}
	rs.recordCommunication(CommunicationEntry{
		FromNode: target, ToNode: from, Type: CommResponse, Content: resp.Content,
		Metadata: withMeta(meta, map[string]any{"cached": resp.Cached, "model": resp.Model}),
	})
	c.metrics.RecordCommunication(string(modeOf(meta, ModeSimple)), string(CommResponse))
	return resp.Content, nil
}

// BroadcastMessage 记录到 shared_context["broadcasts"]
func (c *SimpleCommunicator) BroadcastMessage(_ context.Context, rs *RunState, from, message string, targetTypes []string) error {
	c.broadcastLocal(rs, from, message, targetTypes, nil)
	return nil
}

func (c *SimpleCommunicator) broadcastLocal(rs *RunState, from, message string, targetTypes []string, meta map[string]any) {
	now := rs.now()
	rs.AddBroadcast(Broadcast{From: from, Message: message, Timestamp: now, TargetTypes: targetTypes})

	bm := withMeta(meta, nil)
	if len(targetTypes) > 0 {
		bm["target_types"] = targetTypes
	}
	rs.recordCommunication(CommunicationEntry{
		Timestamp: now, FromNode: from, ToNode: broadcastTarget, Type: CommBroadcast, Content: message, Metadata: bm,
	})
	c.metrics.RecordCommunication(string(modeOf(meta, ModeSimple)), string(CommBroadcast))
}

// SetSharedContext 写入本次运行的共享上下文
func (c *SimpleCommunicator) SetSharedContext(_ context.Context, rs *RunState, from, key string, value any) error {
	return c.setLocal(rs, from, key, value, nil)
}

func (c *SimpleCommunicator) setLocal(rs *RunState, from, key string, value any, meta map[string]any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return types.NewError(types.ErrValidation, "shared context key is required").WithNode(from)
	}
	if key == sharedBroadcastsKey {
		return types.NewError(types.ErrValidation, "shared context key \"broadcasts\" is reserved").WithNode(from)
	}
	rs.SetShared(key, value)
	rs.recordCommunication(CommunicationEntry{
		FromNode: from, ToNode: broadcastTarget, Type: CommContextUpdate, Content: key,
		Metadata: withMeta(meta, map[string]any{"key": key, "value": value}),
	})
	c.metrics.RecordCommunication(string(modeOf(meta, ModeSimple)), string(CommContextUpdate))
	return nil
}

// GetSharedContext 读取共享上下文，只读操作不写通信日志
func (c *SimpleCommunicator) GetSharedContext(_ context.Context, rs *RunState, _ string, key string) (any, bool, error) {
	v, ok := rs.GetShared(key)
	return v, ok, nil
}

// withMeta 合并基础元数据与条目元数据，返回新 map
func withMeta(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func modeOf(meta map[string]any, def CommunicationMode) CommunicationMode {
	if m, ok := meta["mode"].(string); ok {
		return CommunicationMode(m)
	}
	return def
}
