package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/BaSui01/nodeflow/internal/ctxkeys"
	"github.com/BaSui01/nodeflow/llm"
	"github.com/BaSui01/nodeflow/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Completer LLM 补全能力（llm.CachedService 满足）
type Completer interface {
	Complete(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// MetricsRecorder 工作流指标上报
type MetricsRecorder interface {
	RecordWorkflowRun(status string, duration time.Duration)
	RecordNodeExecution(nodeType, status string, duration time.Duration)
	RecordCommunication(mode, kind string)
}

type nopRecorder struct{}

func (nopRecorder) RecordWorkflowRun(string, time.Duration)           {}
func (nopRecorder) RecordNodeExecution(string, string, time.Duration) {}
func (nopRecorder) RecordCommunication(string, string)                {}

// RunObserver 每次运行记录落盘后收到快照
type RunObserver interface {
	OnRunUpdate(run *Run)
}

// Config 执行器配置
type Config struct {
	NodeTimeout  time.Duration     `json:"node_timeout" yaml:"node_timeout"`
	AskTimeout   time.Duration     `json:"ask_timeout" yaml:"ask_timeout"`
	DefaultMode  CommunicationMode `json:"communication_mode" yaml:"communication_mode"`
	DefaultModel string            `json:"default_model" yaml:"default_model"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		NodeTimeout:  300 * time.Second,
		AskTimeout:   30 * time.Second,
		DefaultMode:  ModeSimple,
		DefaultModel: llm.DefaultModel,
	}
}

// Option 执行器选项
type Option func(*Executor)

// WithMetrics 设置指标上报
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithCallParser 替换 CALL 指令解析器
func WithCallParser(p CallParser) Option {
	return func(e *Executor) {
		if p != nil {
			e.parser = p
		}
	}
}

// WithCommunicator 注册某种模式的通信实现
func WithCommunicator(c Communicator) Option {
	return func(e *Executor) {
		if c != nil {
			e.comms[c.Mode()] = c
		}
	}
}

// WithEmailSender 设置邮件发送器
func WithEmailSender(s EmailSender) Option {
	return func(e *Executor) {
		if s != nil {
			e.email = s
		}
	}
}

// WithWebhookClient 设置出站 HTTP 客户端
func WithWebhookClient(c WebhookClient) Option {
	return func(e *Executor) {
		if c != nil {
			e.webhook = c
		}
	}
}

// WithObserver 订阅运行进度
func WithObserver(o RunObserver) Option {
	return func(e *Executor) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// Executor 按计算出的顺序串行执行节点。执行器本身不持有任何单次运行的状态，
// 可被并发调用。
type Executor struct {
	llm       Completer
	store     RunStore
	comms     map[CommunicationMode]Communicator
	parser    CallParser
	email     EmailSender
	webhook   WebhookClient
	observers []RunObserver
	config    Config
	metrics   MetricsRecorder
	tracer    trace.Tracer
	logger    *zap.Logger
	now       func() time.Time

	async sync.WaitGroup
}

// NewExecutor 创建执行器。store 为 nil 时不持久化。
func NewExecutor(completer Completer, store RunStore, config Config, logger *zap.Logger, opts ...Option) *Executor {
	def := DefaultConfig()
	if config.NodeTimeout <= 0 {
		config.NodeTimeout = def.NodeTimeout
	}
	if config.AskTimeout <= 0 {
		config.AskTimeout = def.AskTimeout
	}
	if !config.DefaultMode.IsValid() {
		config.DefaultMode = def.DefaultMode
	}
	if config.DefaultModel == "" {
		config.DefaultModel = def.DefaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Executor{
		llm:     completer,
		store:   store,
		comms:   make(map[CommunicationMode]Communicator),
		parser:  RegexCallParser{},
		config:  config,
		metrics: nopRecorder{},
		tracer:  otel.Tracer("github.com/BaSui01/nodeflow/workflow"),
		logger:  logger.With(zap.String("component", "workflow_executor")),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.email == nil {
		e.email = NewLogEmailSender(logger)
	}
	if e.webhook == nil {
		e.webhook = NewHTTPWebhookClient(30 * time.Second)
	}
	if _, ok := e.comms[ModeSimple]; !ok {
		e.comms[ModeSimple] = NewSimpleCommunicator(completer, config.DefaultModel, logger, WithCommMetrics(e.metrics))
	}
	return e
}

// Config 返回生效的配置
func (e *Executor) Config() Config { return e.config }

func (e *Executor) timestamp() string {
	return e.now().Format(time.RFC3339Nano)
}

// modeFor 工作流设置优先，其次执行器默认值；未配置对应实现时退回 simple
func (e *Executor) modeFor(wf *Workflow) CommunicationMode {
	mode := e.config.DefaultMode
	if wf.Settings.CommunicationMode.IsValid() {
		mode = wf.Settings.CommunicationMode
	}
	if _, ok := e.comms[mode]; !ok {
		e.logger.Warn("communication mode not available, using simple", zap.String("mode", string(mode)))
		return ModeSimple
	}
	return mode
}

func (e *Executor) communicatorFor(mode CommunicationMode) Communicator {
	if c, ok := e.comms[mode]; ok {
		return c
	}
	return e.comms[ModeSimple]
}

// Execute 同步执行一次运行并返回更新后的运行记录。
// 任一节点失败或超时都会终止剩余节点，运行状态置为 error。
func (e *Executor) Execute(ctx context.Context, wf *Workflow, run *Run) (*Run, error) {
	if wf == nil || run == nil {
		return run, types.NewError(types.ErrValidation, "workflow and run are required")
	}

	mode := e.modeFor(wf)
	rs := newRunState(wf, run, mode, e.now)
	ctx = ctxkeys.WithExecutionID(ctx, run.ExecutionID)

	ctx, span := e.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("workflow.execution_id", run.ExecutionID),
		attribute.String("workflow.communication_mode", string(mode)),
	))
	defer span.End()

	if err := rs.transition(StatusRunning); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return run, types.NewError(types.ErrValidation, err.Error())
	}

	e.logger.Info("starting workflow execution",
		zap.String("workflow", wf.Name),
		zap.String("workflow_id", wf.ID),
		zap.String("execution_id", run.ExecutionID),
		zap.String("mode", string(mode)),
	)
	e.persist(ctx, rs)

	started := time.Now()
	comm := e.communicatorFor(mode)
	if err := comm.Begin(ctx, rs); err != nil {
		e.logger.Warn("communication setup failed", zap.String("execution_id", run.ExecutionID), zap.Error(err))
	}

	order := ExecutionOrder(wf.Nodes, wf.Edges)
	ids := make([]string, len(order))
	for i, n := range order {
		ids[i] = n.ID
	}
	e.logger.Info("execution order", zap.String("execution_id", run.ExecutionID), zap.Strings("nodes", ids))

	runErr := e.runNodes(ctx, rs, order)

	if err := comm.End(context.WithoutCancel(ctx), rs); err != nil {
		e.logger.Warn("communication teardown failed", zap.String("execution_id", run.ExecutionID), zap.Error(err))
	}

	if runErr != nil {
		msg := "Workflow execution failed: " + errorMessage(runErr)
		e.logger.Error("workflow execution failed", zap.String("execution_id", run.ExecutionID), zap.Error(runErr))
		_ = rs.transition(StatusError)
		rs.addError("workflow", msg)
		e.persist(ctx, rs)
		e.metrics.RecordWorkflowRun(string(StatusError), time.Since(started))
		span.RecordError(runErr)
		span.SetStatus(codes.Error, msg)
		return run, types.NewError(types.ErrWorkflowExecution, msg).WithCause(runErr)
	}

	_ = rs.transition(StatusSuccess)
	e.persist(ctx, rs)
	e.metrics.RecordWorkflowRun(string(StatusSuccess), time.Since(started))
	e.logger.Info("workflow execution completed", zap.String("execution_id", run.ExecutionID))
	return run, nil
}

// ExecuteAsync 立即返回排队状态的快照，真正的执行在后台进行
func (e *Executor) ExecuteAsync(ctx context.Context, wf *Workflow, run *Run) *Run {
	if run.Status == "" || run.Status == StatusIdle {
		run.Status = StatusQueued
	}
	queued := run.Clone()
	if e.store != nil {
		if err := e.store.SaveRun(ctx, queued); err != nil {
			e.logger.Warn("failed to persist queued run", zap.String("execution_id", run.ExecutionID), zap.Error(err))
		}
	}

	e.async.Add(1)
	go func() {
		defer e.async.Done()
		if _, err := e.Execute(context.WithoutCancel(ctx), wf, run); err != nil {
			e.logger.Debug("background execution finished with error", zap.String("execution_id", run.ExecutionID), zap.Error(err))
		}
	}()
	return queued
}

// Wait 等待所有后台运行结束
func (e *Executor) Wait() {
	e.async.Wait()
}

func (e *Executor) runNodes(ctx context.Context, rs *RunState, order []Node) error {
	for i := range order {
		if err := e.runNode(ctx, rs, &order[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runNode(ctx context.Context, rs *RunState, node *Node) error {
	nodeType := ParseNodeType(string(node.Type))
	e.logger.Info("executing node",
		zap.String("execution_id", rs.ExecutionID()),
		zap.String("node_id", node.ID),
		zap.String("node_type", string(nodeType)),
	)
	rs.log(node.ID, fmt.Sprintf("Starting execution of %s node", nodeType))

	nodeCtx, cancel := context.WithTimeout(ctx, e.config.NodeTimeout)
	defer cancel()
	nodeCtx, span := e.tracer.Start(nodeCtx, "workflow.node", trace.WithAttributes(
		attribute.String("workflow.node_id", node.ID),
		attribute.String("workflow.node_type", string(nodeType)),
	))
	defer span.End()

	start := time.Now()
	result, err := e.invoke(nodeCtx, rs, node, nodeType)
	if err == nil && result["status"] == "error" {
		err = errors.New(stringify(result["error"]))
	}
	elapsed := time.Since(start)

	if err != nil {
		code, status := types.ErrWorkflowExecution, "error"
		msg := fmt.Sprintf("Node %s execution failed: %s", node.ID, errorMessage(err))
		if errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			code, status = types.ErrNodeTimeout, "timeout"
			msg = fmt.Sprintf("Node %s execution timeout after %ss", node.ID, formatSeconds(e.config.NodeTimeout))
		}
		e.logger.Error("node execution failed",
			zap.String("execution_id", rs.ExecutionID()),
			zap.String("node_id", node.ID),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		rs.addError(node.ID, msg)
		e.metrics.RecordNodeExecution(string(nodeType), status, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return types.NewError(code, msg).WithNode(node.ID).WithCause(err)
	}

	rs.setResult(node.ID, result)
	cached, _ := result["cached"].(bool)
	rs.log(node.ID, fmt.Sprintf("Completed successfully. Cached: %t", cached))
	e.metrics.RecordNodeExecution(string(nodeType), stringify(result["status"]), elapsed)
	e.persist(ctx, rs)
	return nil
}

// invoke 在独立 goroutine 中运行处理函数，保证即使处理函数忽略 ctx 也能按时返回
func (e *Executor) invoke(ctx context.Context, rs *RunState, node *Node, nodeType NodeType) (map[string]any, error) {
	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := e.dispatch(ctx, rs, node, nodeType)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) dispatch(ctx context.Context, rs *RunState, node *Node, nodeType NodeType) (map[string]any, error) {
	switch nodeType {
	case NodeStart:
		return e.runStart(ctx, rs, node)
	case NodeAIProcessor:
		return e.runAIProcessor(ctx, rs, node)
	case NodeEmail:
		return e.runEmail(ctx, rs, node)
	case NodeDataSource:
		return e.runDataSource(ctx, rs, node)
	case NodeWebhook:
		return e.runWebhook(ctx, rs, node)
	case NodeFilter:
		return e.runFilter(ctx, rs, node)
	case NodeTransformer:
		return e.runTransformer(ctx, rs, node)
	case NodeCondition:
		return e.runCondition(ctx, rs, node)
	case NodeDelay:
		return e.runDelay(ctx, rs, node)
	case NodeEnd:
		return e.runEnd(ctx, rs, node)
	default:
		e.logger.Warn("unknown node type, skipping", zap.String("node_id", node.ID), zap.String("node_type", string(nodeType)))
		return map[string]any{"status": "skipped", "reason": "Unknown node type: " + string(nodeType)}, nil
	}
}

// persist 存储失败只记日志；调用方取消后仍然写入最终状态
func (e *Executor) persist(ctx context.Context, rs *RunState) {
	snap := rs.snapshot()
	if e.store != nil {
		if err := e.store.SaveRun(context.WithoutCancel(ctx), snap); err != nil {
			e.logger.Warn("failed to persist run", zap.String("execution_id", snap.ExecutionID), zap.Error(err))
		}
	}
	for _, o := range e.observers {
		o.OnRunUpdate(snap)
	}
}

func errorMessage(err error) string {
	if te, ok := types.AsError(err); ok {
		return te.Message
	}
	return err.Error()
}

// formatSeconds 300s -> "300"，1.5s -> "1.5"
func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
