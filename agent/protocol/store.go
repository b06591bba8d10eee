package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/nodeflow/internal/cache"

	"go.uber.org/zap"
)

// DefaultContextTTL 上下文默认过期时间
const DefaultContextTTL = 24 * time.Hour

// KVStore 上下文持久化所需的键值能力（cache.Manager 满足该接口）
type KVStore interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// ContextStore 将 AgentContext 以 JSON 形式存入缓存
type ContextStore struct {
	kv     KVStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewContextStore 创建上下文存储，ttl<=0 时使用 24h
func NewContextStore(kv KVStore, ttl time.Duration, logger *zap.Logger) *ContextStore {
	if ttl <= 0 {
		ttl = DefaultContextTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextStore{
		kv:     kv,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "context_store")),
	}
}

func contextKey(agentID string) string {
	return "agent:context:" + agentID
}

// Save 持久化上下文并刷新 UpdatedAt
func (s *ContextStore) Save(ctx context.Context, ac *AgentContext) error {
	ac.UpdatedAt = time.Now().UTC()
	if err := s.kv.SetJSON(ctx, contextKey(ac.AgentID), ac, s.ttl); err != nil {
		s.logger.Error("failed to save context", zap.String("agent_id", ac.AgentID), zap.Error(err))
		return fmt.Errorf("save context %s: %w", ac.AgentID, err)
	}
	s.logger.Debug("saved context", zap.String("agent_id", ac.AgentID))
	return nil
}

// Load 读取上下文；键不存在时返回 (nil, nil)
func (s *ContextStore) Load(ctx context.Context, agentID string) (*AgentContext, error) {
	var ac AgentContext
	if err := s.kv.GetJSON(ctx, contextKey(agentID), &ac); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Debug("no context found", zap.String("agent_id", agentID))
			return nil, nil
		}
		return nil, fmt.Errorf("load context %s: %w", agentID, err)
	}
	normalize(&ac)
	return &ac, nil
}

// Delete 删除上下文
func (s *ContextStore) Delete(ctx context.Context, agentID string) error {
	return s.kv.Delete(ctx, contextKey(agentID))
}

func normalize(ac *AgentContext) {
	if ac.Memories == nil {
		ac.Memories = []MemoryEntry{}
	}
	if ac.Rules == nil {
		ac.Rules = []AgentRule{}
	}
	if ac.State == nil {
		ac.State = map[string]any{}
	}
	if ac.Preferences.CustomSettings == nil {
		ac.Preferences.CustomSettings = map[string]any{}
	}
}
