package llm

import (
	"sort"
	"sync"
)

// ModelRole 模型在 Agent 系统中承担的角色
type ModelRole string

const (
	RoleCommunication ModelRole = "communication" // agent 间通信、函数调用
	RoleReasoning     ModelRole = "reasoning"     // 复杂决策与编排
	RoleCode          ModelRole = "code"          // 代码生成与分析
	RoleStructured    ModelRole = "structured"    // JSON 等结构化输出
)

// DefaultModel 未指定模型时使用
const DefaultModel = "google/gemini-2.0-flash-exp:free"

// ModelConfig 模型配置
type ModelConfig struct {
	ID            string    `json:"model_id" yaml:"model_id"`
	Name          string    `json:"name" yaml:"name"`
	Role          ModelRole `json:"role" yaml:"role"`
	MaxTokens     int       `json:"max_tokens" yaml:"max_tokens"`
	Temperature   float64   `json:"temperature" yaml:"temperature"`
	ContextLength int       `json:"context_length" yaml:"context_length"`
	Description   string    `json:"description,omitempty" yaml:"description"`
}

// DefaultModels 返回内置的 OpenRouter 免费模型
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{
			ID:            "google/gemini-2.0-flash-exp:free",
			Name:          "Google Gemini 2.0 Flash",
			Role:          RoleCommunication,
			MaxTokens:     8192,
			Temperature:   0.7,
			ContextLength: 1000000,
			Description:   "Fastest, 1M context, real-time agent interactions and function calling",
		},
		{
			ID:            "meta-llama/llama-3.3-70b-instruct:free",
			Name:          "Meta Llama 3.3 70B",
			Role:          RoleReasoning,
			MaxTokens:     4096,
			Temperature:   0.8,
			ContextLength: 128000,
			Description:   "Workflow orchestration and complex reasoning",
		},
		{
			ID:            "qwen/qwen-2.5-coder-32b-instruct:free",
			Name:          "Qwen2.5 Coder 32B",
			Role:          RoleCode,
			MaxTokens:     4096,
			Temperature:   0.3,
			ContextLength: 32768,
			Description:   "Code generation, debugging and analysis",
		},
		{
			ID:            "qwen/qwen-2.5-72b-instruct:free",
			Name:          "Qwen2.5 72B Instruct",
			Role:          RoleStructured,
			MaxTokens:     4096,
			Temperature:   0.5,
			ContextLength: 32768,
			Description:   "Structured outputs and agent-to-agent data exchange",
		},
	}
}

// ModelRegistry 线程安全的模型注册表
type ModelRegistry struct {
	mu     sync.RWMutex
	models map[string]ModelConfig
}

// NewModelRegistry 创建注册表，传入为空时加载内置模型
func NewModelRegistry(models ...ModelConfig) *ModelRegistry {
	if len(models) == 0 {
		models = DefaultModels()
	}
	r := &ModelRegistry{models: make(map[string]ModelConfig, len(models))}
	for _, m := range models {
		r.models[m.ID] = m
	}
	return r
}

// Register 注册或覆盖模型配置
func (r *ModelRegistry) Register(m ModelConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.ID] = m
}

// Get 按 ID 查找模型
func (r *ModelRegistry) Get(id string) (ModelConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	return m, ok
}

// List 按 ID 排序返回全部模型
func (r *ModelRegistry) List() []ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelConfig, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByRole 返回承担指定角色的模型
func (r *ModelRegistry) ByRole(role ModelRole) []ModelConfig {
	var out []ModelConfig
	for _, m := range r.List() {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// Recommended 返回该角色下的首选模型
func (r *ModelRegistry) Recommended(role ModelRole) (ModelConfig, bool) {
	models := r.ByRole(role)
	if len(models) == 0 {
		return ModelConfig{}, false
	}
	return models[0], true
}
