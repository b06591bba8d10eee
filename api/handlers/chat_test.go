package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/BaSui01/nodeflow/api"
	"github.com/BaSui01/nodeflow/internal/cache"
	"github.com/BaSui01/nodeflow/llm"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedProvider 固定回复，并统计上游调用次数
type scriptedProvider struct {
	calls     atomic.Int32
	err       error
	streamErr error
	chunks    []string
}

func (p *scriptedProvider) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Response{
		Content:      "reply to " + req.Messages[len(req.Messages)-1].Content,
		Model:        req.Model,
		FinishReason: "stop",
		Usage:        &llm.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
	}, nil
}

func (p *scriptedProvider) Stream(_ context.Context, _ *llm.Request) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, len(p.chunks)+1)
	for _, c := range p.chunks {
		ch <- llm.StreamChunk{Content: c}
	}
	if p.streamErr != nil {
		ch <- llm.StreamChunk{Err: p.streamErr}
	} else {
		ch <- llm.StreamChunk{FinishReason: "stop"}
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

type chatFixture struct {
	provider *scriptedProvider
	mux      *http.ServeMux
	mr       *miniredis.Miniredis
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mgr := cache.NewManagerFromClient(client, cache.Config{Addr: mr.Addr()}, zap.NewNop())

	p := &scriptedProvider{chunks: []string{"Hel", "lo"}}
	svc := llm.NewCachedService(p, mgr, zap.NewNop())
	h := NewChatHandler(svc, llm.NewModelRegistry(), mgr, nil, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/ai/chat", h.HandleChat)
	mux.HandleFunc("GET /api/v1/ai/models", h.HandleListModels)
	mux.HandleFunc("GET /api/v1/ai/stats", h.HandleStats)
	mux.HandleFunc("DELETE /api/v1/ai/cache", h.HandleInvalidateCache)
	return &chatFixture{provider: p, mux: mux, mr: mr}
}

func (f *chatFixture) chat(body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func (f *chatFixture) get(method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

const helloChat = `{"model_id":"m1","messages":[{"role":"user","content":"hello"}]}`

func TestChatHandler_CompleteUsesCache(t *testing.T) {
	f := newChatFixture(t)

	w := f.chat(helloChat)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first api.ChatResponse
	decodeData(t, w, &first)
	assert.Equal(t, "reply to hello", first.Content)
	assert.False(t, first.Cached)
	require.NotNil(t, first.Usage)
	assert.Equal(t, 7, first.Usage.TotalTokens)

	var second api.ChatResponse
	decodeData(t, f.chat(helloChat), &second)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, int32(1), f.provider.calls.Load())

	// use_cache=false 绕过缓存
	var fresh api.ChatResponse
	decodeData(t, f.chat(`{"model_id":"m1","messages":[{"role":"user","content":"hello"}],"use_cache":false}`), &fresh)
	assert.False(t, fresh.Cached)
	assert.Equal(t, int32(2), f.provider.calls.Load())
}

func TestChatHandler_Validation(t *testing.T) {
	f := newChatFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"no messages", `{"model_id":"m1","messages":[]}`},
		{"bad role", `{"messages":[{"role":"robot","content":"x"}]}`},
		{"temperature", `{"messages":[{"role":"user","content":"x"}],"temperature":3}`},
		{"top_p", `{"messages":[{"role":"user","content":"x"}],"top_p":1.5}`},
		{"max_tokens", `{"messages":[{"role":"user","content":"x"}],"max_tokens":0}`},
		{"cache ttl", `{"messages":[{"role":"user","content":"x"}],"cache_ttl":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, f.chat(tt.body).Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/chat", strings.NewReader(helloChat))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.Zero(t, f.provider.calls.Load())
}

func TestChatHandler_ProviderFailure(t *testing.T) {
	f := newChatFixture(t)
	f.provider.err = errors.New("upstream exploded")

	w := f.chat(helloChat)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	env := decodeEnvelope(t, w)
	require.NotNil(t, env.Error)
	assert.Equal(t, "PROVIDER_FAILED", env.Error.Code)
}

func TestChatHandler_Stream(t *testing.T) {
	f := newChatFixture(t)

	w := f.chat(`{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, `data: {"content":"Hel"}`)
	assert.Contains(t, body, `data: {"content":"lo"}`)
	assert.Contains(t, body, `data: {"finish_reason":"stop"}`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	// 流式结果不写缓存
	assert.Empty(t, f.mr.Keys())
}

func TestChatHandler_StreamError(t *testing.T) {
	f := newChatFixture(t)
	f.provider.streamErr = errors.New("connection reset")

	w := f.chat(`{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "event: error\ndata: {\"error\":\"connection reset\"}")
	assert.NotContains(t, body, "[DONE]")
}

func TestChatHandler_ListModels(t *testing.T) {
	f := newChatFixture(t)

	var models []api.ModelInfo
	decodeData(t, f.get(http.MethodGet, "/api/v1/ai/models"), &models)
	require.Len(t, models, 4)
	for _, m := range models {
		assert.True(t, m.Recommended, "one model per role, each is recommended: %s", m.ID)
	}

	var code []api.ModelInfo
	decodeData(t, f.get(http.MethodGet, "/api/v1/ai/models?role=code"), &code)
	require.Len(t, code, 1)
	assert.Equal(t, "qwen/qwen-2.5-coder-32b-instruct:free", code[0].ID)
}

func TestChatHandler_StatsAndInvalidate(t *testing.T) {
	f := newChatFixture(t)
	require.Equal(t, http.StatusOK, f.chat(helloChat).Code)

	var stats map[string]any
	decodeData(t, f.get(http.MethodGet, "/api/v1/ai/stats"), &stats)
	assert.Equal(t, true, stats["cache_enabled"])
	cacheStats, ok := stats["cache"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, cacheStats["connected"])
	assert.Equal(t, float64(1), cacheStats["keys"])
	assert.NotContains(t, stats, "orchestrator")

	var cleared map[string]any
	decodeData(t, f.get(http.MethodDelete, "/api/v1/ai/cache"), &cleared)
	assert.Equal(t, float64(1), cleared["deleted"])

	var again api.ChatResponse
	decodeData(t, f.chat(helloChat), &again)
	assert.False(t, again.Cached)
	assert.Equal(t, int32(2), f.provider.calls.Load())
}
