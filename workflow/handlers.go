package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/nodeflow/internal/ctxkeys"
	"github.com/BaSui01/nodeflow/internal/tlsutil"
	"github.com/BaSui01/nodeflow/types"

	"go.uber.org/zap"
)

// =============================================================================
// 📮 外部协作方
// =============================================================================

// EmailMessage 一封待发送的邮件
type EmailMessage struct {
	To      string
	Subject string
	Body    string
	Format  string // text | html
}

// EmailSender 邮件投递（SMTP 等由部署方提供）
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// LogEmailSender 只记录日志不投递，作为未配置发送器时的默认实现
type LogEmailSender struct {
	logger *zap.Logger
}

// NewLogEmailSender 创建日志发送器
func NewLogEmailSender(logger *zap.Logger) *LogEmailSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEmailSender{logger: logger.With(zap.String("component", "email_sender"))}
}

func (s *LogEmailSender) Send(_ context.Context, msg EmailMessage) error {
	s.logger.Info("email queued",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("format", msg.Format),
	)
	return nil
}

// WebhookAuth 请求认证
type WebhookAuth struct {
	Type     string // bearer | basic
	Token    string
	Username string
	Password string
}

// WebhookRequest 一次出站 HTTP 调用
type WebhookRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    any
	Auth    *WebhookAuth
}

// WebhookResponse 出站调用结果
type WebhookResponse struct {
	StatusCode int
	Body       any
}

// WebhookClient 出站 HTTP 客户端
type WebhookClient interface {
	Do(ctx context.Context, req WebhookRequest) (*WebhookResponse, error)
}

// HTTPWebhookClient 基于 net/http 的默认实现，响应体按 JSON 解析，失败则作为字符串返回
type HTTPWebhookClient struct {
	client *http.Client
}

// NewHTTPWebhookClient 创建客户端
func NewHTTPWebhookClient(timeout time.Duration) *HTTPWebhookClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPWebhookClient{client: tlsutil.SecureHTTPClient(timeout)}
}

const maxWebhookBody = 1 << 20

// ExecutionIDHeader 出站请求携带的运行 ID 头，节点配置的同名头优先
const ExecutionIDHeader = "X-NodeFlow-Execution-ID"

func (c *HTTPWebhookClient) Do(ctx context.Context, req WebhookRequest) (*WebhookResponse, error) {
	var body io.Reader
	contentType := ""
	switch b := req.Body.(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
		contentType = "text/plain; charset=utf-8"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode webhook body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("invalid webhook request: %v", err))
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if id, ok := ctxkeys.ExecutionID(ctx); ok {
		httpReq.Header.Set(ExecutionIDHeader, id)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Auth != nil {
		switch strings.ToLower(req.Auth.Type) {
		case "bearer":
			httpReq.Header.Set("Authorization", "Bearer "+req.Auth.Token)
		case "basic":
			httpReq.SetBasicAuth(req.Auth.Username, req.Auth.Password)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}
	out := &WebhookResponse{StatusCode: resp.StatusCode, Body: string(raw)}
	var decoded any
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		out.Body = decoded
	}
	return out, nil
}

// =============================================================================
// 🧩 节点处理函数
// =============================================================================

func (e *Executor) completed(output any, extra map[string]any) map[string]any {
	res := map[string]any{
		"status":    "completed",
		"output":    output,
		"timestamp": e.timestamp(),
	}
	for k, v := range extra {
		res[k] = v
	}
	return res
}

func (e *Executor) runStart(context.Context, *RunState, *Node) (map[string]any, error) {
	return e.completed("Workflow started", nil), nil
}

func (e *Executor) runEnd(context.Context, *RunState, *Node) (map[string]any, error) {
	return e.completed("Workflow completed", nil), nil
}

func (e *Executor) runEmail(ctx context.Context, rs *RunState, node *Node) (map[string]any, error) {
	cfg := nodeConfig(node.Config)
	to := rs.Interpolate(cfg.String("to", ""))
	subject := rs.Interpolate(cfg.String("subject", ""))
	body := rs.Interpolate(cfg.String("body", ""))
	format := rs.Interpolate(cfg.String("format", "text"))

	if strings.TrimSpace(to) == "" {
		return nil, types.NewError(types.ErrValidation, "email node requires a recipient").WithNode(node.ID)
	}

	e.logger.Info("sending email", zap.String("node_id", node.ID), zap.String("to", to))
	if err := e.email.Send(ctx, EmailMessage{To: to, Subject: subject, Body: body, Format: format}); err != nil {
		return nil, err
	}
	return e.completed("Email sent to "+to, map[string]any{"to": to, "subject": subject}), nil
}

// runDataSource api 类型且配置了 endpoint 时发起 GET，其余返回占位数据
func (e *Executor) runDataSource(ctx context.Context, rs *RunState, node *Node) (map[string]any, error) {
	cfg := nodeConfig(node.Config)
	sourceType := rs.Interpolate(cfg.String("source_type", "api"))
	endpoint := rs.Interpolate(cfg.String("endpoint", ""))

	e.logger.Info("fetching data", zap.String("node_id", node.ID), zap.String("source_type", sourceType))

	extra := map[string]any{"source_type": sourceType}
	if sourceType != "api" || endpoint == "" {
		return e.completed(map[string]any{"data": "mock_data", "count": 10}, extra), nil
	}

	extra["endpoint"] = endpoint
	resp, err := e.webhook.Do(ctx, WebhookRequest{URL: endpoint, Method: http.MethodGet, Headers: headersOf(rs, cfg)})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("data source returned HTTP %d", resp.StatusCode)
	}
	count := 1
	if list, ok := resp.Body.([]any); ok {
		count = len(list)
	}
	return e.completed(map[string]any{"data": resp.Body, "count": count}, extra), nil
}

func (e *Executor) runWebhook(ctx context.Context, rs *RunState, node *Node) (map[string]any, error) {
	cfg := nodeConfig(node.Config)
	url := rs.Interpolate(cfg.String("url", ""))
	method := strings.ToUpper(rs.Interpolate(cfg.String("method", http.MethodPost)))

	if strings.TrimSpace(url) == "" {
		return nil, types.NewError(types.ErrValidation, "webhook node requires a url").WithNode(node.ID)
	}

	req := WebhookRequest{
		URL:     url,
		Method:  method,
		Headers: headersOf(rs, cfg),
		Body:    rs.InterpolateValue(cfg.Value("body")),
	}
	if auth, ok := rs.InterpolateValue(cfg.Value("auth")).(map[string]any); ok {
		a := nodeConfig(auth)
		req.Auth = &WebhookAuth{
			Type:     a.String("type", "bearer"),
			Token:    a.String("token", ""),
			Username: a.String("username", ""),
			Password: a.String("password", ""),
		}
	}

	e.logger.Info("calling webhook", zap.String("node_id", node.ID), zap.String("method", method), zap.String("url", url))
	resp, err := e.webhook.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return e.completed(
		map[string]any{"status_code": resp.StatusCode, "response": resp.Body},
		map[string]any{"url": url, "method": method},
	), nil
}

func headersOf(rs *RunState, cfg nodeConfig) map[string]string {
	out := map[string]string{}
	switch h := rs.InterpolateValue(cfg.Value("headers")).(type) {
	case map[string]any:
		for k, v := range h {
			out[k] = stringify(v)
		}
	case map[string]string:
		for k, v := range h {
			out[k] = v
		}
	}
	return out
}

func (e *Executor) runFilter(_ context.Context, rs *RunState, node *Node) (map[string]any, error) {
	condition := rs.Interpolate(nodeConfig(node.Config).String("condition", "true"))
	return e.completed("Filter passed", map[string]any{"condition": condition}), nil
}

func (e *Executor) runTransformer(_ context.Context, rs *RunState, node *Node) (map[string]any, error) {
	transformType := rs.Interpolate(nodeConfig(node.Config).String("transform_type", "map"))
	return e.completed("Data transformed", map[string]any{"transform_type": transformType}), nil
}

func (e *Executor) runCondition(_ context.Context, rs *RunState, node *Node) (map[string]any, error) {
	condition := rs.Interpolate(nodeConfig(node.Config).String("condition", "true"))
	return e.completed("Condition evaluated", map[string]any{"condition": condition, "result": true}), nil
}

// runDelay 真实挂起 delay_seconds 秒，可被超时或取消打断
func (e *Executor) runDelay(ctx context.Context, _ *RunState, node *Node) (map[string]any, error) {
	cfg := nodeConfig(node.Config)
	seconds := cfg.Float("delay_seconds", 1)
	if seconds < 0 {
		return nil, types.NewError(types.ErrValidation, "delay_seconds must not be negative").WithNode(node.ID)
	}
	d := time.Duration(seconds * float64(time.Second))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return e.completed(fmt.Sprintf("Delayed %ss", formatSeconds(d)), map[string]any{"delay_seconds": seconds}), nil
}
