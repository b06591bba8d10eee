package protocol

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/BaSui01/nodeflow/types"

	"go.uber.org/zap"
)

// ErrContextNotFound Agent 尚未创建上下文
var ErrContextNotFound = types.NewError(types.ErrAgentNotFound, "agent context not found").
	WithHTTPStatus(404)

// Protocol ACP 高层接口。
// 读-改-写在进程内串行化；跨进程并发写以最后一次写入为准。
type Protocol struct {
	store  *ContextStore
	mu     sync.Mutex
	now    func() time.Time
	logger *zap.Logger
}

// New 创建 Protocol
func New(store *ContextStore, logger *zap.Logger) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("component", "acp")),
	}
}

// CreateContext 创建并持久化空上下文，prefs 为 nil 时使用默认偏好
func (p *Protocol) CreateContext(ctx context.Context, agentID, agentType string, prefs *Preferences) (*AgentContext, error) {
	now := p.now()
	ac := &AgentContext{
		AgentID:     agentID,
		AgentType:   agentType,
		Memories:    []MemoryEntry{},
		Rules:       []AgentRule{},
		Preferences: DefaultPreferences(),
		State:       map[string]any{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if prefs != nil {
		ac.Preferences = *prefs
		if ac.Preferences.CustomSettings == nil {
			ac.Preferences.CustomSettings = map[string]any{}
		}
	}

	if err := p.store.Save(ctx, ac); err != nil {
		return nil, err
	}
	p.logger.Info("created agent context", zap.String("agent_id", agentID), zap.String("agent_type", agentType))
	return ac, nil
}

// GetContext 读取上下文，不存在时返回 (nil, nil)
func (p *Protocol) GetContext(ctx context.Context, agentID string) (*AgentContext, error) {
	return p.store.Load(ctx, agentID)
}

// DeleteContext 删除上下文
func (p *Protocol) DeleteContext(ctx context.Context, agentID string) error {
	return p.store.Delete(ctx, agentID)
}

// update 加载、修改、保存
func (p *Protocol) update(ctx context.Context, agentID string, fn func(ac *AgentContext) error) (*AgentContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ac, err := p.store.Load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if ac == nil {
		p.logger.Warn("no context found for agent", zap.String("agent_id", agentID))
		return nil, ErrContextNotFound
	}
	if err := fn(ac); err != nil {
		return nil, err
	}
	if err := p.store.Save(ctx, ac); err != nil {
		return nil, err
	}
	return ac, nil
}

// AddMemory 追加一条记忆，importance 必须位于 [0,1]
func (p *Protocol) AddMemory(ctx context.Context, agentID, content string, memType MemoryType, importance float64, metadata map[string]any) (*MemoryEntry, error) {
	if !memType.IsValid() {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("invalid memory type %q", memType)).WithHTTPStatus(400)
	}
	if importance < 0 || importance > 1 {
		return nil, types.NewError(types.ErrValidation, "importance must be within [0, 1]").WithHTTPStatus(400)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	var entry MemoryEntry
	_, err := p.update(ctx, agentID, func(ac *AgentContext) error {
		now := p.now()
		entry = MemoryEntry{
			ID:         agentID + ":" + strconv.FormatInt(now.UnixNano(), 10),
			Type:       memType,
			Content:    content,
			Metadata:   metadata,
			Timestamp:  now,
			Importance: importance,
		}
		ac.Memories = append(ac.Memories, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetMemories 按条件检索记忆（只读）
func (p *Protocol) GetMemories(ctx context.Context, agentID string, f MemoryFilter) ([]MemoryEntry, error) {
	ac, err := p.store.Load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if ac == nil {
		return nil, ErrContextNotFound
	}
	return ac.SelectMemories(f), nil
}

// RecallMemories 检索记忆并记录访问次数与最后访问时间
func (p *Protocol) RecallMemories(ctx context.Context, agentID string, f MemoryFilter) ([]MemoryEntry, error) {
	var selected []MemoryEntry
	_, err := p.update(ctx, agentID, func(ac *AgentContext) error {
		selected = ac.SelectMemories(f)
		if len(selected) == 0 {
			return nil
		}
		now := p.now()
		hit := make(map[string]struct{}, len(selected))
		for _, m := range selected {
			hit[m.ID] = struct{}{}
		}
		for i := range ac.Memories {
			if _, ok := hit[ac.Memories[i].ID]; ok {
				ac.Memories[i].AccessCount++
				ts := now
				ac.Memories[i].LastAccessed = &ts
			}
		}
		for i := range selected {
			selected[i].AccessCount++
			ts := now
			selected[i].LastAccessed = &ts
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return selected, nil
}

// AddRule 追加规则并按优先级降序重排
func (p *Protocol) AddRule(ctx context.Context, agentID, name, description, condition, action string, priority int) (*AgentRule, error) {
	var rule AgentRule
	_, err := p.update(ctx, agentID, func(ac *AgentContext) error {
		rule = AgentRule{
			ID:          fmt.Sprintf("%s:rule:%d", agentID, len(ac.Rules)),
			Name:        name,
			Description: description,
			Condition:   condition,
			Action:      action,
			Priority:    priority,
			Enabled:     true,
		}
		ac.addRule(rule)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ActiveRules 已启用规则
func (p *Protocol) ActiveRules(ctx context.Context, agentID string) ([]AgentRule, error) {
	ac, err := p.store.Load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if ac == nil {
		return nil, ErrContextNotFound
	}
	return ac.ActiveRules(), nil
}

// UpdateState 写入一个状态键
func (p *Protocol) UpdateState(ctx context.Context, agentID, key string, value any) error {
	_, err := p.update(ctx, agentID, func(ac *AgentContext) error {
		ac.State[key] = value
		return nil
	})
	return err
}

// SetPreferences 替换偏好
func (p *Protocol) SetPreferences(ctx context.Context, agentID string, prefs Preferences) error {
	if prefs.CustomSettings == nil {
		prefs.CustomSettings = map[string]any{}
	}
	_, err := p.update(ctx, agentID, func(ac *AgentContext) error {
		ac.Preferences = prefs
		return nil
	})
	return err
}
