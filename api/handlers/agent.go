package handlers

import (
	"net/http"
	"strconv"

	"github.com/BaSui01/nodeflow/agent/orchestrator"
	"github.com/BaSui01/nodeflow/agent/protocol"
	"github.com/BaSui01/nodeflow/api"
	"github.com/BaSui01/nodeflow/types"

	"go.uber.org/zap"
)

// =============================================================================
// 🤖 Agent 管理
// =============================================================================

// AgentHandler Agent 注册、上下文（记忆/规则/状态/偏好）与问答
type AgentHandler struct {
	orch   *orchestrator.Orchestrator
	acp    *protocol.Protocol
	logger *zap.Logger
}

// NewAgentHandler 创建 Agent handler
func NewAgentHandler(orch *orchestrator.Orchestrator, acp *protocol.Protocol, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{
		orch:   orch,
		acp:    acp,
		logger: logger.With(zap.String("handler", "agent")),
	}
}

// HandleRegisterAgent POST /api/v1/agents
func (h *AgentHandler) HandleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterAgentRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	agent, err := h.orch.RegisterAgent(r.Context(), orchestrator.AgentSpec{
		ID:             req.ID,
		Type:           req.Type,
		Name:           req.Name,
		Capabilities:   req.Capabilities,
		PreferredModel: req.PreferredModel,
	})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteStatus(w, r, http.StatusCreated, agent)
}

// HandleListAgents GET /api/v1/agents?capability=&available=true
func (h *AgentHandler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var agents []*orchestrator.Agent
	switch {
	case q.Get("capability") != "":
		agents = h.orch.AgentsByCapability(q.Get("capability"))
	case q.Get("available") == "true":
		agents = h.orch.AvailableAgents()
	default:
		agents = h.orch.ListAgents()
	}
	WriteSuccess(w, r, agents)
}

// HandleGetAgent GET /api/v1/agents/{id}
func (h *AgentHandler) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.orch.GetAgent(r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, agent)
}

// HandleUnregisterAgent DELETE /api/v1/agents/{id}
//
// Agent 置为 offline；?purge_context=true 时同时删除其上下文。
func (h *AgentHandler) HandleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.orch.UnregisterAgent(r.Context(), id); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	purged := false
	if r.URL.Query().Get("purge_context") == "true" {
		if err := h.acp.DeleteContext(r.Context(), id); err != nil {
			WriteError(w, r, err, h.logger)
			return
		}
		purged = true
	}
	WriteSuccess(w, r, map[string]any{
		"agent_id":       id,
		"status":         orchestrator.AgentOffline,
		"context_purged": purged,
	})
}

// HandleGetContext GET /api/v1/agents/{id}/context
func (h *AgentHandler) HandleGetContext(w http.ResponseWriter, r *http.Request) {
	ac, err := h.acp.GetContext(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if ac == nil {
		WriteError(w, r, protocol.ErrContextNotFound, h.logger)
		return
	}
	WriteSuccess(w, r, ac)
}

// HandleAddMemory POST /api/v1/agents/{id}/memories
//
// type 默认 short_term，importance 默认 0.5。
func (h *AgentHandler) HandleAddMemory(w http.ResponseWriter, r *http.Request) {
	var req api.AddMemoryRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Content == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "content is required", h.logger)
		return
	}
	memType := protocol.MemoryShortTerm
	if req.Type != "" {
		memType = protocol.MemoryType(req.Type)
	}
	importance := 0.5
	if req.Importance != nil {
		importance = *req.Importance
	}

	entry, err := h.acp.AddMemory(r.Context(), r.PathValue("id"), req.Content, memType, importance, req.Metadata)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteStatus(w, r, http.StatusCreated, entry)
}

// HandleGetMemories GET /api/v1/agents/{id}/memories?type=&limit=&min_importance=&recall=true
//
// recall=true 时记录访问次数。
func (h *AgentHandler) HandleGetMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := protocol.MemoryFilter{Type: protocol.MemoryType(q.Get("type"))}
	if filter.Type != "" && !filter.Type.IsValid() {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "invalid memory type: "+string(filter.Type), h.logger)
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
	if raw := q.Get("min_importance"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "min_importance must be a number", h.logger)
			return
		}
		filter.MinImportance = f
	}

	var (
		memories []protocol.MemoryEntry
		err      error
	)
	if q.Get("recall") == "true" {
		memories, err = h.acp.RecallMemories(r.Context(), r.PathValue("id"), filter)
	} else {
		memories, err = h.acp.GetMemories(r.Context(), r.PathValue("id"), filter)
	}
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if memories == nil {
		memories = []protocol.MemoryEntry{}
	}
	WriteSuccess(w, r, memories)
}

// HandleAddRule POST /api/v1/agents/{id}/rules
func (h *AgentHandler) HandleAddRule(w http.ResponseWriter, r *http.Request) {
	var req api.AddRuleRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Name == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "name is required", h.logger)
		return
	}

	rule, err := h.acp.AddRule(r.Context(), r.PathValue("id"), req.Name, req.Description, req.Condition, req.Action, req.Priority)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteStatus(w, r, http.StatusCreated, rule)
}

// HandleListRules GET /api/v1/agents/{id}/rules
func (h *AgentHandler) HandleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.acp.ActiveRules(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if rules == nil {
		rules = []protocol.AgentRule{}
	}
	WriteSuccess(w, r, rules)
}

// HandleUpdateState PATCH /api/v1/agents/{id}/state，请求体为 key -> value
func (h *AgentHandler) HandleUpdateState(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := DecodeJSONBody(w, r, &patch, h.logger); err != nil {
		return
	}
	id := r.PathValue("id")
	for key, value := range patch {
		if err := h.acp.UpdateState(r.Context(), id, key, value); err != nil {
			WriteError(w, r, err, h.logger)
			return
		}
	}
	h.HandleGetContext(w, r)
}

// HandleSetPreferences PUT /api/v1/agents/{id}/preferences
func (h *AgentHandler) HandleSetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs := protocol.DefaultPreferences()
	if err := DecodeJSONBody(w, r, &prefs, h.logger); err != nil {
		return
	}
	if err := h.acp.SetPreferences(r.Context(), r.PathValue("id"), prefs); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, prefs)
}

// HandleAsk POST /api/v1/agents/{id}/ask
func (h *AgentHandler) HandleAsk(w http.ResponseWriter, r *http.Request) {
	var req api.AskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Question == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "question is required", h.logger)
		return
	}

	id := r.PathValue("id")
	answer, err := h.orch.GetAgentIntelligence(r.Context(), id, req.Question, req.SystemPrompt)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.AskResponse{AgentID: id, Answer: answer})
}
