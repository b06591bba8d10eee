// =============================================================================
// OpenRouter Provider
// =============================================================================
// OpenRouter 聚合了 Gemini、Llama、Qwen 等模型，接口与 OpenAI chat/completions
// 兼容。同步请求带指数退避重试，4xx 直接失败；流式请求不重试。
// =============================================================================

package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/nodeflow/internal/tlsutil"
	"github.com/BaSui01/nodeflow/llm"
	"github.com/BaSui01/nodeflow/llm/providers"
	"github.com/BaSui01/nodeflow/llm/retry"
	"github.com/BaSui01/nodeflow/types"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL OpenRouter API 地址
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	providerName = "openrouter"
)

// Config OpenRouter 配置
type Config struct {
	APIKey       string        `json:"api_key" yaml:"api_key"`
	BaseURL      string        `json:"base_url" yaml:"base_url"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"` // 总尝试次数
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
	HTTPReferer  string        `json:"http_referer" yaml:"http_referer"`
	AppTitle     string        `json:"app_title" yaml:"app_title"`

	// RequestsPerSecond 本地限流，<=0 表示不限
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		Timeout:      120 * time.Second,
		MaxRetries:   3,
		RetryBackoff: time.Second,
		HTTPReferer:  "https://nodeflow.dev",
		AppTitle:     "NodeFlow Agent System",
	}
}

// Provider OpenRouter 实现
type Provider struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New 创建 Provider
func New(cfg Config, logger *zap.Logger) *Provider {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Provider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "openrouter")),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return p
}

// Name 返回 Provider 标识
func (p *Provider) Name() string { return providerName }

func (p *Provider) endpoint() string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
}

func (p *Provider) buildHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.HTTPReferer != "" {
		req.Header.Set("HTTP-Referer", p.cfg.HTTPReferer)
	}
	if p.cfg.AppTitle != "" {
		req.Header.Set("X-Title", p.cfg.AppTitle)
	}
}

func buildBody(req *llm.Request, stream bool) providers.ChatRequest {
	msgs := make([]providers.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, providers.ChatMessage{Role: string(m.Role), Content: m.Content, Name: m.Name})
	}
	return providers.ChatRequest{
		Model:            req.Model,
		Messages:         msgs,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
		Stream:           stream,
	}
}

// Complete 同步补全。超时、网络错误与 5xx 按 1s、2s… 退避重试，
// 任何 4xx（包括 429）立即失败。
func (p *Provider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	payload, err := json.Marshal(buildBody(req, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	var result *llm.Response

	retryer := retry.NewBackoffRetryer(&retry.RetryPolicy{
		MaxAttempts:  p.cfg.MaxRetries,
		InitialDelay: p.cfg.RetryBackoff,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		RetryIf: func(err error) bool {
			var e *types.Error
			if errors.As(err, &e) && e.HTTPStatus >= 400 && e.HTTPStatus < 500 {
				return false
			}
			return true
		},
	}, p.logger)

	err = retryer.Do(ctx, func(attempt int) error {
		resp, err := p.doComplete(ctx, payload, req.Model, start)
		if err != nil {
			p.logger.Warn("openrouter api error",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", p.cfg.MaxRetries),
				zap.Error(err),
			)
			return err
		}
		p.logger.Info("openrouter api success",
			zap.String("model", req.Model),
			zap.Float64("latency_ms", resp.LatencyMS),
			zap.Int("attempt", attempt+1),
		)
		result = resp
		return nil
	})
	if err == nil {
		return result, nil
	}

	var last error = err
	attempts := p.cfg.MaxRetries
	var ex *retry.ExhaustedError
	var ab *retry.AbortedError
	switch {
	case errors.As(err, &ex):
		last = ex.Last
	case errors.As(err, &ab):
		last = ab.Err
	}

	e := types.NewError(types.ErrProviderFailed,
		fmt.Sprintf("Failed to complete request after %d attempts: %s", attempts, messageOf(last))).
		WithProvider(providerName).
		WithCause(last)
	if te, ok := types.AsError(last); ok {
		e.HTTPStatus = te.HTTPStatus
	}
	p.logger.Error("openrouter request failed", zap.Error(e))
	return nil, e
}

func messageOf(err error) string {
	if te, ok := types.AsError(err); ok {
		return te.Message
	}
	return err.Error()
}

func (p *Provider) doComplete(ctx context.Context, payload []byte, model string, start time.Time) (*llm.Response, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return nil, types.NewError(types.ErrUpstreamTimeout, "Request timeout").
				WithRetryable(true).WithProvider(providerName).WithCause(err)
		}
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).
			WithRetryable(true).WithProvider(providerName).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, providerName)
	}

	var body providers.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "invalid response body").
			WithRetryable(true).WithProvider(providerName).WithCause(err)
	}

	return toResponse(body, model, float64(time.Since(start).Microseconds())/1000), nil
}

func toResponse(body providers.ChatResponse, model string, latencyMS float64) *llm.Response {
	out := &llm.Response{
		Model:     model,
		LatencyMS: latencyMS,
		Metadata: map[string]any{
			"id":       body.ID,
			"provider": providerName,
		},
	}
	if body.Model != "" {
		out.Metadata["upstream_model"] = body.Model
	}
	if len(body.Choices) > 0 {
		c := body.Choices[0]
		out.FinishReason = c.FinishReason
		if c.Message != nil {
			out.Content = c.Message.Content
		}
	}
	if body.Usage != nil {
		out.Usage = &llm.Usage{
			PromptTokens:     body.Usage.PromptTokens,
			CompletionTokens: body.Usage.CompletionTokens,
			TotalTokens:      body.Usage.TotalTokens,
			CostUSD:          body.Usage.Cost,
		}
	}
	return out
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// Stream 流式补全（SSE），不重试
func (p *Provider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	payload, err := json.Marshal(buildBody(req, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).
			WithRetryable(true).WithProvider(providerName).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, providerName)
	}

	return streamSSE(ctx, resp.Body, p.logger), nil
}

// streamSSE 解析 `data:` 行直到 [DONE]，无法解析的行跳过
func streamSSE(ctx context.Context, body io.ReadCloser, logger *zap.Logger) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)

		send := func(c llm.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- c:
				return true
			}
		}

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					logger.Error("streaming error", zap.Error(err))
					send(llm.StreamChunk{Err: types.NewError(types.ErrUpstreamError, err.Error()).
						WithProvider(providerName).WithCause(err)})
				}
				return
			}

			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var chunk providers.ChatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			for _, c := range chunk.Choices {
				out := llm.StreamChunk{FinishReason: c.FinishReason}
				if c.Delta != nil {
					out.Content = c.Delta.Content
				}
				if out.Content == "" && out.FinishReason == "" {
					continue
				}
				if !send(out) {
					return
				}
			}
		}
	}()
	return ch
}
