package llm

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/BaSui01/nodeflow/internal/cache"
	"github.com/BaSui01/nodeflow/llm/tokenizer"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ResponseCache 响应缓存后端（internal/cache.Manager 满足该接口）
type ResponseCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	ClearPattern(ctx context.Context, pattern string) (int64, error)
}

// MetricsRecorder 请求与缓存指标上报
type MetricsRecorder interface {
	RecordCacheLookup(layer string, hit bool)
	RecordLLMRequest(provider, model, status string, cached bool, duration time.Duration, promptTokens, completionTokens int)
}

type nopRecorder struct{}

func (nopRecorder) RecordCacheLookup(string, bool) {}
func (nopRecorder) RecordLLMRequest(string, string, string, bool, time.Duration, int, int) {}

// ServiceOption 配置 CachedService
type ServiceOption func(*CachedService)

// WithMetrics 设置指标上报
func WithMetrics(m MetricsRecorder) ServiceOption {
	return func(s *CachedService) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTokenizer 在上游未返回用量时按模型估算 token
func WithTokenizer(factory func(model string) tokenizer.Tokenizer) ServiceOption {
	return func(s *CachedService) {
		s.tokenizerFor = factory
	}
}

// CachedService 在 Provider 之上实现 cache-aside：
// 命中直接返回并标记 Cached；未命中调用上游，finish_reason 为 stop 时回写缓存。
// 缓存故障只记录日志，不影响正确性。
type CachedService struct {
	provider     Provider
	cache        ResponseCache
	metrics      MetricsRecorder
	tokenizerFor func(model string) tokenizer.Tokenizer
	group        singleflight.Group
	tracer       trace.Tracer
	logger       *zap.Logger
}

// NewCachedService 创建服务，cache 为 nil 时退化为直连 Provider
func NewCachedService(provider Provider, rc ResponseCache, logger *zap.Logger, opts ...ServiceOption) *CachedService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &CachedService{
		provider: provider,
		cache:    rc,
		metrics:  nopRecorder{},
		tracer:   otel.Tracer("github.com/BaSui01/nodeflow/llm"),
		logger:   logger.With(zap.String("component", "llm_service")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Provider 返回底层 Provider
func (s *CachedService) Provider() Provider {
	return s.provider
}

// CacheEnabled 是否配置了缓存后端
func (s *CachedService) CacheEnabled() bool {
	return s.cache != nil
}

// Complete 执行补全
func (s *CachedService) Complete(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("llm request requires at least one message")
	}
	if req.Model == "" {
		req.Model = DefaultModel
	}

	ctx, span := s.tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Bool("llm.use_cache", req.UseCache),
	))
	defer span.End()

	if s.cache == nil || !req.UseCache {
		resp, err := s.call(ctx, req)
		recordSpan(span, resp, err)
		return resp, err
	}

	key, err := CacheKey(req)
	if err != nil {
		s.logger.Warn("failed to build cache key", zap.Error(err))
		resp, err := s.call(ctx, req)
		recordSpan(span, resp, err)
		return resp, err
	}

	if resp, ok := s.lookup(ctx, key); ok {
		s.logger.Info("using cached response", zap.String("model", req.Model))
		s.metrics.RecordLLMRequest(s.provider.Name(), req.Model, "success", true, 0, 0, 0)
		recordSpan(span, resp, nil)
		return resp, nil
	}

	// 同一个键的并发未命中只打一次上游
	v, err, shared := s.group.Do(key, func() (any, error) {
		resp, err := s.call(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.FinishReason == "stop" {
			s.store(ctx, key, resp, req.CacheTTL)
		}
		return resp, nil
	})
	if err != nil {
		recordSpan(span, nil, err)
		return nil, err
	}

	resp := v.(*Response)
	if shared {
		clone := *resp
		resp = &clone
	}
	recordSpan(span, resp, nil)
	return resp, nil
}

// Stream 流式补全，从不缓存
func (s *CachedService) Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("llm request requires at least one message")
	}
	if req.Model == "" {
		req.Model = DefaultModel
	}
	return s.provider.Stream(ctx, req)
}

// InvalidateAll 清除全部 LLM 响应缓存
func (s *CachedService) InvalidateAll(ctx context.Context) (int64, error) {
	if s.cache == nil {
		return 0, nil
	}
	return s.cache.ClearPattern(ctx, ResponseKeyPrefix+":*")
}

func (s *CachedService) call(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := s.provider.Complete(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		s.metrics.RecordLLMRequest(s.provider.Name(), req.Model, "error", false, elapsed, 0, 0)
		return nil, err
	}

	resp.Cached = false
	if resp.Model == "" {
		resp.Model = req.Model
	}
	if resp.LatencyMS == 0 {
		resp.LatencyMS = float64(elapsed.Microseconds()) / 1000
	}
	s.fillUsage(req, resp)

	s.metrics.RecordLLMRequest(s.provider.Name(), req.Model, "success", false, elapsed,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	s.logger.Debug("llm completion finished",
		zap.String("model", resp.Model),
		zap.String("finish_reason", resp.FinishReason),
		zap.Float64("latency_ms", resp.LatencyMS),
	)
	return resp, nil
}

func (s *CachedService) fillUsage(req *Request, resp *Response) {
	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		return
	}
	if resp.Usage == nil {
		resp.Usage = &Usage{}
	}
	if s.tokenizerFor == nil {
		return
	}

	tk := s.tokenizerFor(req.Model)
	msgs := make([]tokenizer.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, tokenizer.Message{Role: string(m.Role), Content: m.Content})
	}
	prompt, err := tk.CountMessages(msgs)
	if err != nil {
		return
	}
	completion, err := tk.CountTokens(resp.Content)
	if err != nil {
		return
	}
	resp.Usage.PromptTokens = prompt
	resp.Usage.CompletionTokens = completion
	resp.Usage.TotalTokens = prompt + completion
}

func (s *CachedService) lookup(ctx context.Context, key string) (*Response, bool) {
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if !cache.IsCacheMiss(err) {
			s.logger.Error("error retrieving cached response", zap.String("key", key), zap.Error(err))
		}
		s.metrics.RecordCacheLookup("llm", false)
		return nil, false
	}

	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		s.logger.Error("corrupt cached response", zap.String("key", key), zap.Error(err))
		s.metrics.RecordCacheLookup("llm", false)
		return nil, false
	}

	resp.Cached = true
	s.metrics.RecordCacheLookup("llm", true)
	return &resp, true
}

func (s *CachedService) store(ctx context.Context, key string, resp *Response, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	stored := *resp
	stored.Cached = false

	data, err := json.Marshal(&stored)
	if err != nil {
		s.logger.Error("error caching response", zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, key, string(data), ttl); err != nil {
		s.logger.Error("error caching response", zap.String("key", key), zap.Error(err))
		return
	}
	s.logger.Debug("cached response", zap.String("model", resp.Model), zap.Duration("ttl", ttl))
}

func recordSpan(span trace.Span, resp *Response, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if resp != nil {
		span.SetAttributes(
			attribute.Bool("llm.cached", resp.Cached),
			attribute.String("llm.finish_reason", resp.FinishReason),
		)
	}
}
