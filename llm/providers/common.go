package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/BaSui01/nodeflow/types"
)

// MapHTTPError 将上游 HTTP 状态码映射为 types.Error。
// 4xx 一律不可重试，5xx 可重试。
func MapHTTPError(status int, msg string, provider string) *types.Error {
	var code types.ErrorCode
	retryable := false

	switch {
	case status == http.StatusUnauthorized:
		code = types.ErrUnauthorized
	case status == http.StatusForbidden:
		code = types.ErrForbidden
	case status == http.StatusNotFound:
		code = types.ErrModelNotFound
	case status == http.StatusTooManyRequests:
		code = types.ErrRateLimited
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		code = types.ErrUpstreamTimeout
		retryable = status >= 500
	case status >= 400 && status < 500:
		code = types.ErrInvalidRequest
	default:
		code = types.ErrUpstreamError
		retryable = status >= 500
	}

	return types.NewError(code, fmt.Sprintf("HTTP %d: %s", status, msg)).
		WithHTTPStatus(status).
		WithRetryable(retryable).
		WithProvider(provider)
}

// ReadErrorMessage 读取响应体中的错误消息，
// 优先解析 {"error":{"message":...}}，失败则回退到原始文本
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}

	return string(data)
}

// ChatMessage OpenAI 兼容消息
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest OpenAI 兼容的 chat/completions 请求体
type ChatRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Temperature      *float64      `json:"temperature,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
}

// ChatChoice 响应中的单个候选
type ChatChoice struct {
	Index        int          `json:"index"`
	FinishReason string       `json:"finish_reason"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
}

// ChatUsage 响应中的用量
type ChatUsage struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	Cost             *float64 `json:"cost,omitempty"`
}

// ChatResponse OpenAI 兼容的 chat/completions 响应体
type ChatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Created int64        `json:"created"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}
