package openrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/nodeflow/llm"
	"github.com/BaSui01/nodeflow/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const okBody = `{"id":"gen-1","model":"google/gemini-2.0-flash-exp:free","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"4"}}],"usage":{"prompt_tokens":10,"completion_tokens":1,"total_tokens":11}}`

type scriptedServer struct {
	mu       sync.Mutex
	statuses []int
	hits     []time.Time
	headers  []http.Header
	bodies   []map[string]any
}

func (s *scriptedServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	idx := len(s.hits)
	s.hits = append(s.hits, time.Now())
	s.headers = append(s.headers, r.Header.Clone())
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.bodies = append(s.bodies, body)
	status := http.StatusOK
	if idx < len(s.statuses) {
		status = s.statuses[idx]
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status == http.StatusOK {
		_, _ = w.Write([]byte(okBody))
		return
	}
	_, _ = fmt.Fprintf(w, `{"error":{"message":"status %d","type":"upstream"}}`, status)
}

func newTestProvider(t *testing.T, statuses ...int) (*Provider, *scriptedServer) {
	t.Helper()
	s := &scriptedServer{statuses: statuses}
	srv := httptest.NewServer(http.HandlerFunc(s.handler))
	t.Cleanup(srv.Close)

	p := New(Config{
		APIKey:       "sk-test",
		BaseURL:      srv.URL,
		MaxRetries:   3,
		RetryBackoff: 20 * time.Millisecond,
		HTTPReferer:  "https://example.test",
		AppTitle:     "test-app",
	}, zap.NewNop())
	return p, s
}

func testRequest() *llm.Request {
	return llm.NewRequest(llm.DefaultModel, llm.Message{Role: llm.RoleUser, Content: "What is 2+2?"}).
		WithTemperature(0.7).
		WithMaxTokens(2048)
}

func TestProvider_CompleteSuccess(t *testing.T) {
	p, s := newTestProvider(t)

	resp, err := p.Complete(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "4", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, llm.DefaultModel, resp.Model)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 11, resp.Usage.TotalTokens)
	assert.GreaterOrEqual(t, resp.LatencyMS, 0.0)

	require.Len(t, s.headers, 1)
	h := s.headers[0]
	assert.Equal(t, "Bearer sk-test", h.Get("Authorization"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "https://example.test", h.Get("HTTP-Referer"))
	assert.Equal(t, "test-app", h.Get("X-Title"))
}

func TestProvider_PayloadOmitsUnsetParameters(t *testing.T) {
	p, s := newTestProvider(t)

	req := llm.NewRequest("meta-llama/llama-3.3-70b-instruct:free", llm.Message{Role: llm.RoleUser, Content: "hi"})
	_, err := p.Complete(context.Background(), req)
	require.NoError(t, err)

	body := s.bodies[0]
	assert.Equal(t, "meta-llama/llama-3.3-70b-instruct:free", body["model"])
	assert.NotContains(t, body, "temperature")
	assert.NotContains(t, body, "max_tokens")
	assert.NotContains(t, body, "top_p")
	assert.NotContains(t, body, "stream")

	_, err = p.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 0.7, s.bodies[1]["temperature"])
	assert.Equal(t, float64(2048), s.bodies[1]["max_tokens"])
}

func TestProvider_RetriesServerErrorsWithBackoff(t *testing.T) {
	p, s := newTestProvider(t, http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK)

	resp, err := p.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "4", resp.Content)

	require.Len(t, s.hits, 3)
	first := s.hits[1].Sub(s.hits[0])
	second := s.hits[2].Sub(s.hits[1])
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)
	assert.GreaterOrEqual(t, second, 40*time.Millisecond)
}

func TestProvider_ClientErrorIsNotRetried(t *testing.T) {
	p, s := newTestProvider(t, http.StatusBadRequest, http.StatusOK)

	_, err := p.Complete(context.Background(), testRequest())
	require.Error(t, err)
	assert.Len(t, s.hits, 1)

	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrProviderFailed, e.Code)
	assert.Equal(t, http.StatusBadRequest, e.HTTPStatus)
	assert.Contains(t, e.Message, "Failed to complete request after 3 attempts")
	assert.Contains(t, e.Message, "status 400")
}

func TestProvider_RateLimitIsNotRetried(t *testing.T) {
	p, s := newTestProvider(t, http.StatusTooManyRequests, http.StatusOK)

	_, err := p.Complete(context.Background(), testRequest())
	require.Error(t, err)
	assert.Len(t, s.hits, 1)

	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, e.HTTPStatus)
	assert.False(t, e.Retryable)
}

func TestProvider_ExhaustedRetries(t *testing.T) {
	p, s := newTestProvider(t, http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway, http.StatusOK)

	_, err := p.Complete(context.Background(), testRequest())
	require.Error(t, err)
	assert.Len(t, s.hits, 3)
	assert.Contains(t, err.Error(), "Failed to complete request after 3 attempts: HTTP 502")
}

func TestProvider_ContextCanceledDuringBackoff(t *testing.T) {
	s := &scriptedServer{statuses: []int{http.StatusInternalServerError, http.StatusInternalServerError}}
	srv := httptest.NewServer(http.HandlerFunc(s.handler))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, RetryBackoff: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Complete(ctx, testRequest())
	require.Error(t, err)
	assert.Len(t, s.hits, 1)
}

func TestProvider_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, part := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
			flusher.Flush()
		}
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"ignored\"}}]}\n\n")
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, zap.NewNop())
	ch, err := p.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	var text, finish string
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		text += chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	assert.Equal(t, "Hello", text)
	assert.Equal(t, "stop", finish)
}

func TestProvider_StreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, zap.NewNop())
	_, err := p.Stream(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrUnauthorized))
}

func TestNew_Defaults(t *testing.T) {
	p := New(Config{}, nil)
	assert.Equal(t, DefaultBaseURL, p.cfg.BaseURL)
	assert.Equal(t, 3, p.cfg.MaxRetries)
	assert.Equal(t, 120*time.Second, p.cfg.Timeout)
	assert.Equal(t, DefaultBaseURL+"/chat/completions", p.endpoint())
	assert.Equal(t, "openrouter", p.Name())
}
