package types

import (
	"errors"
	"fmt"
)

// ErrorCode 全局统一错误码
type ErrorCode string

// 请求与上游错误码
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrValidation         ErrorCode = "VALIDATION_ERROR"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrForbidden          ErrorCode = "FORBIDDEN"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrModelNotFound      ErrorCode = "MODEL_NOT_FOUND"
	ErrUpstreamTimeout    ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrProviderFailed     ErrorCode = "PROVIDER_FAILED"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// 工作流执行错误码
const (
	ErrWorkflowExecution    ErrorCode = "WORKFLOW_EXECUTION_FAILED"
	ErrNodeTimeout          ErrorCode = "NODE_TIMEOUT"
	ErrCommunicationTimeout ErrorCode = "COMMUNICATION_TIMEOUT"
	ErrCache                ErrorCode = "CACHE_ERROR"
)

// Agent 与任务错误码
const (
	ErrAgentNotFound    ErrorCode = "AGENT_NOT_FOUND"
	ErrTaskNotFound     ErrorCode = "TASK_NOT_FOUND"
	ErrNoAvailableAgent ErrorCode = "NO_AVAILABLE_AGENT"
	ErrAgentBusy        ErrorCode = "AGENT_BUSY"
)

// Error 带错误码与元数据的结构化错误
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	NodeID     string    `json:"node_id,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithNode 绑定出错的节点 ID
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// AsError 沿错误链查找 *Error
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode 判断错误链中是否包含指定错误码
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
