package protocol

import (
	"sort"
	"time"
)

// MemoryType 记忆类型
type MemoryType string

const (
	MemoryShortTerm MemoryType = "short_term" // 当前对话/任务上下文
	MemoryLongTerm  MemoryType = "long_term"  // 持久知识与经验
	MemoryWorking   MemoryType = "working"    // 临时草稿
	MemoryEpisodic  MemoryType = "episodic"   // 具体事件与交互
)

// IsValid 检查记忆类型
func (t MemoryType) IsValid() bool {
	switch t {
	case MemoryShortTerm, MemoryLongTerm, MemoryWorking, MemoryEpisodic:
		return true
	default:
		return false
	}
}

// MemoryEntry 一条记忆
type MemoryEntry struct {
	ID           string         `json:"id"`
	Type         MemoryType     `json:"type"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata"`
	Timestamp    time.Time      `json:"timestamp"`
	Importance   float64        `json:"importance"`
	AccessCount  int            `json:"access_count"`
	LastAccessed *time.Time     `json:"last_accessed"`
}

// AgentRule 行为规则，Priority 越大越重要
type AgentRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Condition   string `json:"condition"`
	Action      string `json:"action"`
	Priority    int    `json:"priority"`
	Enabled     bool   `json:"enabled"`
}

// Preferences Agent 偏好
type Preferences struct {
	CommunicationStyle string         `json:"communication_style"`
	Verbosity          string         `json:"verbosity"`
	RiskTolerance      string         `json:"risk_tolerance"`
	DecisionMaking     string         `json:"decision_making"`
	CustomSettings     map[string]any `json:"custom_settings"`
}

// DefaultPreferences 默认偏好
func DefaultPreferences() Preferences {
	return Preferences{
		CommunicationStyle: "professional",
		Verbosity:          "medium",
		RiskTolerance:      "medium",
		DecisionMaking:     "balanced",
		CustomSettings:     map[string]any{},
	}
}

// AgentContext 单个 Agent 的完整上下文
type AgentContext struct {
	AgentID     string         `json:"agent_id"`
	AgentType   string         `json:"agent_type"`
	Memories    []MemoryEntry  `json:"memories"`
	Rules       []AgentRule    `json:"rules"`
	Preferences Preferences    `json:"preferences"`
	State       map[string]any `json:"state"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// MemoryFilter 记忆检索条件。Type 为空表示不限类型，Limit<=0 表示不限条数。
type MemoryFilter struct {
	Type          MemoryType
	Limit         int
	MinImportance float64
}

// SelectMemories 按类型与重要度过滤，再按 (importance, timestamp) 降序排序，最后截断。
// 返回的是副本，不修改上下文。
func (c *AgentContext) SelectMemories(f MemoryFilter) []MemoryEntry {
	out := make([]MemoryEntry, 0, len(c.Memories))
	for _, m := range c.Memories {
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if m.Importance < f.MinImportance {
			continue
		}
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// ActiveRules 已启用的规则（保持优先级顺序）
func (c *AgentContext) ActiveRules() []AgentRule {
	out := make([]AgentRule, 0, len(c.Rules))
	for _, r := range c.Rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

func (c *AgentContext) addRule(r AgentRule) {
	c.Rules = append(c.Rules, r)
	sort.SliceStable(c.Rules, func(i, j int) bool {
		return c.Rules[i].Priority > c.Rules[j].Priority
	})
}
