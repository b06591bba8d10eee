package dsl

// Document YAML 工作流文档顶层结构
type Document struct {
	Version     string                 `yaml:"version" json:"version"`
	ID          string                 `yaml:"id,omitempty" json:"id,omitempty"`
	Name        string                 `yaml:"name" json:"name"`
	Description string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Settings    SettingsDef            `yaml:"settings,omitempty" json:"settings,omitempty"`
	Variables   map[string]VariableDef `yaml:"variables,omitempty" json:"variables,omitempty"`
	Nodes       []NodeDef              `yaml:"nodes" json:"nodes"`
	Edges       []EdgeDef              `yaml:"edges,omitempty" json:"edges,omitempty"`
}

// SettingsDef 工作流级设置
type SettingsDef struct {
	CommunicationMode string `yaml:"communication_mode,omitempty" json:"communication_mode,omitempty"`
}

// VariableDef 变量定义
type VariableDef struct {
	Type        string `yaml:"type,omitempty" json:"type,omitempty"` // string, int, float, bool, list, map
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// NodeDef 节点定义
type NodeDef struct {
	ID       string         `yaml:"id" json:"id"`
	Type     string         `yaml:"type" json:"type"`
	Config   map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	Next     []string       `yaml:"next,omitempty" json:"next,omitempty"`
	Position *PositionDef   `yaml:"position,omitempty" json:"position,omitempty"`
}

// PositionDef 画布坐标
type PositionDef struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// EdgeDef 显式边
type EdgeDef struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}
