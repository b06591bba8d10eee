package handlers

import (
	"net/http"

	"github.com/BaSui01/nodeflow/agent/bus"
	"github.com/BaSui01/nodeflow/agent/orchestrator"
	"github.com/BaSui01/nodeflow/api"
	"github.com/BaSui01/nodeflow/types"

	"go.uber.org/zap"
)

// TaskHandler 编排任务的创建、分配与执行
type TaskHandler struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewTaskHandler 创建任务 handler
func NewTaskHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{orch: orch, logger: logger.With(zap.String("handler", "task"))}
}

// HandleCreateTask POST /api/v1/tasks
func (h *TaskHandler) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req api.CreateTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Name == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "name is required", h.logger)
		return
	}
	priority := bus.Priority(req.Priority)
	if priority != "" && !priority.IsValid() {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "invalid priority: "+req.Priority, h.logger)
		return
	}

	task := h.orch.CreateTask(orchestrator.TaskSpec{
		Name:                 req.Name,
		Description:          req.Description,
		RequiredCapabilities: req.RequiredCapabilities,
		InputData:            req.InputData,
		Priority:             priority,
		ParentTaskID:         req.ParentTaskID,
		Metadata:             req.Metadata,
	})
	WriteStatus(w, r, http.StatusCreated, task)
}

// HandleListTasks GET /api/v1/tasks?status=
func (h *TaskHandler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	status := orchestrator.TaskStatus(r.URL.Query().Get("status"))
	switch status {
	case "", orchestrator.TaskPending, orchestrator.TaskAssigned, orchestrator.TaskInProgress,
		orchestrator.TaskCompleted, orchestrator.TaskFailed, orchestrator.TaskCancelled:
	default:
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "unknown task status: "+string(status), h.logger)
		return
	}
	WriteSuccess(w, r, h.orch.ListTasks(status))
}

// HandleGetTask GET /api/v1/tasks/{id}
func (h *TaskHandler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.orch.GetTask(r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, task)
}

// HandleAssignTask POST /api/v1/tasks/{id}/assign
//
// 请求体可省略（自动选择 Agent）。没有合适 Agent 时返回 200 且 assigned=false。
func (h *TaskHandler) HandleAssignTask(w http.ResponseWriter, r *http.Request) {
	var req api.AssignTaskRequest
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}

	taskID := r.PathValue("id")
	ok, err := h.orch.AssignTask(r.Context(), taskID, req.AgentID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.AssignTaskResponse{TaskID: taskID, Assigned: ok})
}

// HandleExecuteTask POST /api/v1/tasks/{id}/execute，阻塞直到任务终态或超时
func (h *TaskHandler) HandleExecuteTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	result, err := h.orch.ExecuteTask(r.Context(), taskID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.TaskResultResponse{TaskID: taskID, Result: result})
}
