package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/nodeflow/agent/orchestrator"
	"github.com/BaSui01/nodeflow/api"
	"github.com/BaSui01/nodeflow/internal/cache"
	"github.com/BaSui01/nodeflow/llm"
	"github.com/BaSui01/nodeflow/types"

	"go.uber.org/zap"
)

// =============================================================================
// 💬 AI 对话
// =============================================================================

// ChatService 带缓存的 LLM 服务（*llm.CachedService 实现）
type ChatService interface {
	Complete(ctx context.Context, req *llm.Request) (*llm.Response, error)
	Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error)
	InvalidateAll(ctx context.Context) (int64, error)
	CacheEnabled() bool
}

// ChatHandler 对话、模型列表与缓存统计
type ChatHandler struct {
	svc    ChatService
	models *llm.ModelRegistry
	cache  *cache.Manager
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewChatHandler cacheMgr 与 orch 可为 nil，对应统计项省略
func NewChatHandler(svc ChatService, models *llm.ModelRegistry, cacheMgr *cache.Manager, orch *orchestrator.Orchestrator, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if models == nil {
		models = llm.NewModelRegistry()
	}
	return &ChatHandler{
		svc:    svc,
		models: models,
		cache:  cacheMgr,
		orch:   orch,
		logger: logger.With(zap.String("handler", "chat")),
	}
}

// HandleChat POST /api/v1/ai/chat
//
// stream=true 时以 SSE 返回增量，流式结果不缓存。
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := validateChatRequest(&req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	llmReq := toLLMRequest(&req)
	if req.Stream {
		h.stream(w, r, llmReq)
		return
	}

	resp, err := h.svc.Complete(r.Context(), llmReq)
	if err != nil {
		WriteError(w, r, providerError(err), h.logger)
		return
	}
	WriteSuccess(w, r, toChatResponse(resp))
}

func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, req *llm.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, r, http.StatusInternalServerError, types.ErrInternalError, "streaming not supported", h.logger)
		return
	}

	chunks, err := h.svc.Stream(r.Context(), req)
	if err != nil {
		WriteError(w, r, providerError(err), h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for chunk := range chunks {
		if chunk.Err != nil {
			h.logger.Error("stream error", zap.Error(chunk.Err))
			msg := chunk.Err.Error()
			if apiErr, ok := types.AsError(chunk.Err); ok {
				msg = apiErr.Message
			}
			payload, _ := json.Marshal(map[string]string{"error": msg})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			flusher.Flush()
			return
		}
		payload, err := json.Marshal(api.StreamChunk{Content: chunk.Content, FinishReason: chunk.FinishReason})
		if err != nil {
			h.logger.Error("failed to encode chunk", zap.Error(err))
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// HandleListModels GET /api/v1/ai/models?role=
func (h *ChatHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	var models []llm.ModelConfig
	if role := r.URL.Query().Get("role"); role != "" {
		models = h.models.ByRole(llm.ModelRole(role))
	} else {
		models = h.models.List()
	}

	recommended := make(map[llm.ModelRole]string)
	out := make([]api.ModelInfo, 0, len(models))
	for _, m := range models {
		rec, ok := recommended[m.Role]
		if !ok {
			if best, found := h.models.Recommended(m.Role); found {
				rec = best.ID
			}
			recommended[m.Role] = rec
		}
		out = append(out, api.ModelInfo{
			ID:            m.ID,
			Name:          m.Name,
			Role:          string(m.Role),
			MaxTokens:     m.MaxTokens,
			Temperature:   m.Temperature,
			ContextLength: m.ContextLength,
			Description:   m.Description,
			Recommended:   m.ID == rec,
		})
	}
	WriteSuccess(w, r, out)
}

// HandleStats GET /api/v1/ai/stats
func (h *ChatHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"cache_enabled": h.svc.CacheEnabled(),
	}
	if h.cache != nil {
		cs, err := h.cache.GetStats(r.Context())
		if err != nil {
			h.logger.Warn("failed to read cache stats", zap.Error(err))
			stats["cache"] = map[string]any{"connected": false, "error": "unavailable"}
		} else {
			stats["cache"] = cs
		}
	}
	if h.orch != nil {
		stats["orchestrator"] = h.orch.Stats()
	}
	WriteSuccess(w, r, stats)
}

// HandleInvalidateCache DELETE /api/v1/ai/cache
func (h *ChatHandler) HandleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.InvalidateAll(r.Context())
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrCache, "failed to clear response cache").WithCause(err).
			WithHTTPStatus(http.StatusServiceUnavailable), h.logger)
		return
	}
	h.logger.Info("llm response cache cleared", zap.Int64("keys", n))
	WriteSuccess(w, r, map[string]any{"deleted": n})
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func validateChatRequest(req *api.ChatRequest) *types.Error {
	invalid := func(msg string) *types.Error {
		return types.NewError(types.ErrValidation, msg).WithHTTPStatus(http.StatusBadRequest)
	}
	if len(req.Messages) == 0 {
		return invalid("messages cannot be empty")
	}
	for i, m := range req.Messages {
		switch llm.Role(m.Role) {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		default:
			return invalid(fmt.Sprintf("messages[%d]: unknown role %q", i, m.Role))
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return invalid("temperature must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return invalid("top_p must be between 0 and 1")
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return invalid("max_tokens must be positive")
	}
	if req.CacheTTLSeconds < 0 {
		return invalid("cache_ttl must not be negative")
	}
	return nil
}

func toLLMRequest(req *api.ChatRequest) *llm.Request {
	msgs := make([]llm.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = llm.Message{Role: llm.Role(m.Role), Content: m.Content, Name: m.Name}
	}
	out := llm.NewRequest(req.Model, msgs...)
	out.Temperature = req.Temperature
	out.MaxTokens = req.MaxTokens
	out.TopP = req.TopP
	out.FrequencyPenalty = req.FrequencyPenalty
	out.PresencePenalty = req.PresencePenalty
	out.Stop = req.Stop
	if req.UseCache != nil {
		out.UseCache = *req.UseCache
	}
	if req.CacheTTLSeconds > 0 {
		out.CacheTTL = time.Duration(req.CacheTTLSeconds) * time.Second
	}
	return out
}

func toChatResponse(resp *llm.Response) api.ChatResponse {
	out := api.ChatResponse{
		Content:      resp.Content,
		Model:        resp.Model,
		FinishReason: resp.FinishReason,
		Cached:       resp.Cached,
		LatencyMS:    resp.LatencyMS,
	}
	if resp.Usage != nil {
		out.Usage = &api.ChatUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			CostUSD:          resp.Usage.CostUSD,
		}
	}
	return out
}

// providerError 上游失败统一为 502，保留已分类的错误
func providerError(err error) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.NewError(types.ErrProviderFailed, err.Error()).WithCause(err).WithHTTPStatus(http.StatusBadGateway)
}
