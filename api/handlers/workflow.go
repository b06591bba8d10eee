package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/BaSui01/nodeflow/api"
	"github.com/BaSui01/nodeflow/types"
	"github.com/BaSui01/nodeflow/workflow"
	"github.com/BaSui01/nodeflow/workflow/dsl"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// 🔀 工作流与运行
// =============================================================================

// WorkflowRunner 执行工作流（*workflow.Executor 实现）
type WorkflowRunner interface {
	Execute(ctx context.Context, wf *workflow.Workflow, run *workflow.Run) (*workflow.Run, error)
	ExecuteAsync(ctx context.Context, wf *workflow.Workflow, run *workflow.Run) *workflow.Run
}

// WorkflowHandler 工作流注册、执行与运行查询
type WorkflowHandler struct {
	store    workflow.Store
	runner   WorkflowRunner
	parser   *dsl.Parser
	notifier *workflow.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewWorkflowHandler notifier 为 nil 时事件流接口返回 503
func NewWorkflowHandler(store workflow.Store, runner WorkflowRunner, notifier *workflow.Notifier, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		store:    store,
		runner:   runner,
		parser:   dsl.NewParser(),
		notifier: notifier,
		logger:   logger.With(zap.String("handler", "workflow")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleCreateWorkflow POST /api/v1/workflows
//
// 接受 JSON 形式的 Workflow，或 YAML 定义文档（Content-Type 为 application/yaml 等）。
func (h *WorkflowHandler) HandleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf *workflow.Workflow

	switch mediaType(r) {
	case "application/yaml", "application/x-yaml", "text/yaml":
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "failed to read request body", h.logger)
			return
		}
		wf, err = h.parser.Parse(data)
		if err != nil {
			WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, err.Error(), h.logger)
			return
		}
	case "application/json":
		wf = &workflow.Workflow{}
		if err := DecodeJSONBody(w, r, wf, h.logger); err != nil {
			return
		}
	default:
		WriteErrorMessage(w, r, http.StatusUnsupportedMediaType, types.ErrInvalidRequest,
			"Content-Type must be application/json or application/yaml", h.logger)
		return
	}

	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if err := wf.Validate(); err != nil {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, err.Error(), h.logger)
		return
	}

	now := h.now()
	wf.CreatedAt = now
	if existing, err := h.store.GetWorkflow(r.Context(), wf.ID); err == nil {
		wf.CreatedAt = existing.CreatedAt
	}
	wf.UpdatedAt = now

	if err := h.store.SaveWorkflow(r.Context(), wf); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	h.logger.Info("workflow registered",
		zap.String("workflow_id", wf.ID),
		zap.String("name", wf.Name),
		zap.Int("nodes", len(wf.Nodes)))
	WriteStatus(w, r, http.StatusCreated, wf)
}

// HandleListWorkflows GET /api/v1/workflows
func (h *WorkflowHandler) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListWorkflows(r.Context())
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if list == nil {
		list = []*workflow.Workflow{}
	}
	WriteSuccess(w, r, list)
}

// HandleGetWorkflow GET /api/v1/workflows/{id}
func (h *WorkflowHandler) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, wf)
}

// HandleExecute POST /api/v1/workflows/{id}/execute
//
// 请求体可省略。异步执行立即返回 202 与 queued 状态；同步执行等待结束，
// 失败时仍返回 200，状态为 error，message 为失败原因。
func (h *WorkflowHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	wf, err := h.store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	var req api.ExecuteRequest
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}
	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "api"
	}

	run := workflow.NewRun(wf.ID, req.Inputs, triggeredBy)

	if req.AsyncExecution {
		queued := h.runner.ExecuteAsync(context.WithoutCancel(r.Context()), wf, run)
		WriteStatus(w, r, http.StatusAccepted, api.ExecuteResponse{
			ExecutionID: queued.ExecutionID,
			WorkflowID:  wf.ID,
			Status:      string(queued.Status),
			Message:     "Workflow execution queued",
			StartedAt:   queued.StartTime,
		})
		return
	}

	result, execErr := h.runner.Execute(r.Context(), wf, run)
	if result == nil {
		result = run
	}
	resp := api.ExecuteResponse{
		ExecutionID: result.ExecutionID,
		WorkflowID:  wf.ID,
		Status:      string(result.Status),
		Message:     "Workflow executed successfully",
		StartedAt:   result.StartTime,
	}
	if execErr != nil {
		resp.Message = execErr.Error()
		if apiErr, ok := types.AsError(execErr); ok {
			resp.Message = apiErr.Message
		}
	}
	WriteSuccess(w, r, resp)
}

// HandleGetExecution GET /api/v1/executions/{id}
func (h *WorkflowHandler) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, run)
}

// HandleListExecutions GET /api/v1/executions?workflow_id=&status=&limit=
func (h *WorkflowHandler) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := workflow.RunFilter{
		WorkflowID: q.Get("workflow_id"),
		Status:     workflow.ExecutionStatus(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "unknown status: "+string(filter.Status), h.logger)
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "limit must be a non-negative integer", h.logger)
			return
		}
		filter.Limit = n
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if runs == nil {
		runs = []*workflow.Run{}
	}
	WriteSuccess(w, r, runs)
}

// HandleExecutionEvents GET /api/v1/executions/{id}/events
//
// WebSocket：先推送当前快照，之后每次持久化推送一次，终态后以正常关闭结束。
func (h *WorkflowHandler) HandleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		WriteErrorMessage(w, r, http.StatusServiceUnavailable, types.ErrServiceUnavailable, "event stream not available", h.logger)
		return
	}

	executionID := r.PathValue("id")

	// 先订阅再读快照，避免漏掉两者之间的终态
	updates, cancel := h.notifier.Subscribe(executionID, 0)
	defer cancel()

	current, err := h.store.GetRun(r.Context(), executionID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 客户端只读；CloseRead 处理控制帧并在对端断开时取消 ctx
	ctx := conn.CloseRead(r.Context())

	if err := wsjson.Write(ctx, conn, current); err != nil {
		return
	}
	if current.Status.IsTerminal() {
		_ = conn.Close(websocket.StatusNormalClosure, string(current.Status))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case run, ok := <-updates:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, run); err != nil {
				if !errors.Is(err, context.Canceled) {
					h.logger.Debug("websocket write failed", zap.String("execution_id", executionID), zap.Error(err))
				}
				return
			}
			if run.Status.IsTerminal() {
				_ = conn.Close(websocket.StatusNormalClosure, string(run.Status))
				return
			}
		}
	}
}
