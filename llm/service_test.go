package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/nodeflow/internal/cache"
	"github.com/BaSui01/nodeflow/llm/tokenizer"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingProvider struct {
	calls        atomic.Int32
	finishReason string
	content      string
	err          error
	delay        time.Duration
}

func (p *countingProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.err != nil {
		return nil, p.err
	}
	return &Response{
		Content:      p.content,
		Model:        req.Model,
		FinishReason: p.finishReason,
		Usage:        &Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}, nil
}

func (p *countingProvider) Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	p.calls.Add(1)
	ch := make(chan StreamChunk, 2)
	ch <- StreamChunk{Content: p.content}
	ch <- StreamChunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func (p *countingProvider) Name() string { return "counting" }

func newTestCache(t *testing.T) (*miniredis.Miniredis, *cache.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := cache.NewManager(cache.Config{Addr: mr.Addr(), DefaultTTL: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return mr, m
}

func userRequest(content string) *Request {
	return NewRequest("test/model", Message{Role: RoleUser, Content: content}).WithTemperature(0.7)
}

func TestCachedService_SecondCallIsCached(t *testing.T) {
	_, rc := newTestCache(t)
	p := &countingProvider{finishReason: "stop", content: "4"}
	svc := NewCachedService(p, rc, zap.NewNop())
	ctx := context.Background()

	first, err := svc.Complete(ctx, userRequest("2+2?"))
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, "4", first.Content)

	second, err := svc.Complete(ctx, userRequest("2+2?"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "4", second.Content)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestCachedService_TTLFromRequest(t *testing.T) {
	mr, rc := newTestCache(t)
	p := &countingProvider{finishReason: "stop", content: "ok"}
	svc := NewCachedService(p, rc, zap.NewNop())

	req := userRequest("hello")
	req.CacheTTL = 90 * time.Second
	_, err := svc.Complete(context.Background(), req)
	require.NoError(t, err)

	key, err := CacheKey(req)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, mr.TTL(key))
}

func TestCachedService_NonStopNotCached(t *testing.T) {
	_, rc := newTestCache(t)
	p := &countingProvider{finishReason: "length", content: "partial"}
	svc := NewCachedService(p, rc, zap.NewNop())
	ctx := context.Background()

	_, err := svc.Complete(ctx, userRequest("long"))
	require.NoError(t, err)
	resp, err := svc.Complete(ctx, userRequest("long"))
	require.NoError(t, err)

	assert.False(t, resp.Cached)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestCachedService_UseCacheFalse(t *testing.T) {
	_, rc := newTestCache(t)
	p := &countingProvider{finishReason: "stop", content: "x"}
	svc := NewCachedService(p, rc, zap.NewNop())

	for i := 0; i < 2; i++ {
		req := userRequest("q")
		req.UseCache = false
		_, err := svc.Complete(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestCachedService_CacheOutageIsNotFatal(t *testing.T) {
	mr, rc := newTestCache(t)
	p := &countingProvider{finishReason: "stop", content: "still works"}
	svc := NewCachedService(p, rc, zap.NewNop())

	mr.Close()

	resp, err := svc.Complete(context.Background(), userRequest("q"))
	require.NoError(t, err)
	assert.Equal(t, "still works", resp.Content)
	assert.False(t, resp.Cached)
}

func TestCachedService_ProviderErrorPropagates(t *testing.T) {
	_, rc := newTestCache(t)
	boom := errors.New("Failed to complete request after 3 attempts: HTTP 500")
	p := &countingProvider{err: boom}
	svc := NewCachedService(p, rc, zap.NewNop())

	_, err := svc.Complete(context.Background(), userRequest("q"))
	assert.ErrorIs(t, err, boom)
}

func TestCachedService_NoCacheConfigured(t *testing.T) {
	p := &countingProvider{finishReason: "stop", content: "x"}
	svc := NewCachedService(p, nil, nil)
	assert.False(t, svc.CacheEnabled())

	for i := 0; i < 2; i++ {
		resp, err := svc.Complete(context.Background(), userRequest("q"))
		require.NoError(t, err)
		assert.False(t, resp.Cached)
	}
	assert.Equal(t, int32(2), p.calls.Load())

	n, err := svc.InvalidateAll(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestCachedService_ConcurrentMissesCoalesce(t *testing.T) {
	_, rc := newTestCache(t)
	p := &countingProvider{finishReason: "stop", content: "x", delay: 50 * time.Millisecond}
	svc := NewCachedService(p, rc, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Complete(context.Background(), userRequest("same"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), p.calls.Load())
}

func TestCachedService_InvalidateAll(t *testing.T) {
	_, rc := newTestCache(t)
	p := &countingProvider{finishReason: "stop", content: "x"}
	svc := NewCachedService(p, rc, zap.NewNop())
	ctx := context.Background()

	_, err := svc.Complete(ctx, userRequest("a"))
	require.NoError(t, err)
	_, err = svc.Complete(ctx, userRequest("b"))
	require.NoError(t, err)

	n, err := svc.InvalidateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	resp, err := svc.Complete(ctx, userRequest("a"))
	require.NoError(t, err)
	assert.False(t, resp.Cached)
}

func TestCachedService_StreamBypassesCache(t *testing.T) {
	_, rc := newTestCache(t)
	p := &countingProvider{finishReason: "stop", content: "chunk"}
	svc := NewCachedService(p, rc, zap.NewNop())

	for i := 0; i < 2; i++ {
		ch, err := svc.Stream(context.Background(), userRequest("s"))
		require.NoError(t, err)
		var got string
		for c := range ch {
			got += c.Content
		}
		assert.Equal(t, "chunk", got)
	}
	assert.Equal(t, int32(2), p.calls.Load())
}

type noUsageProvider struct{ countingProvider }

func (p *noUsageProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	return &Response{Content: "abcdefgh", FinishReason: "stop"}, nil
}

func TestCachedService_EstimatesMissingUsage(t *testing.T) {
	svc := NewCachedService(&noUsageProvider{}, nil, zap.NewNop(),
		WithTokenizer(func(string) tokenizer.Tokenizer { return tokenizer.NewEstimatorTokenizer() }))

	resp, err := svc.Complete(context.Background(), userRequest("abcd"))
	require.NoError(t, err)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 2, resp.Usage.CompletionTokens)
	assert.Equal(t, 1+4+3, resp.Usage.PromptTokens)
	assert.Equal(t, "test/model", resp.Model)
}

func TestCachedService_RejectsEmptyRequest(t *testing.T) {
	svc := NewCachedService(&countingProvider{}, nil, zap.NewNop())
	_, err := svc.Complete(context.Background(), &Request{})
	assert.Error(t, err)
}
