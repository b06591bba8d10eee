package dsl

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BaSui01/nodeflow/workflow"

	"gopkg.in/yaml.v3"
)

// Parser YAML 工作流解析器
type Parser struct {
	validator *Validator
	now       func() time.Time
}

// Option 解析器选项
type Option func(*Parser)

// WithAllowUnknownTypes 接受未知节点类型
func WithAllowUnknownTypes() Option {
	return func(p *Parser) { p.validator.AllowUnknownTypes = true }
}

// NewParser 创建解析器
func NewParser(opts ...Option) *Parser {
	p := &Parser{
		validator: NewValidator(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseFile 从文件解析
func (p *Parser) ParseFile(filename string) (*workflow.Workflow, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return p.Parse(data)
}

// Parse 解析 YAML（JSON 是 YAML 的子集，同样可用）
func (p *Parser) Parse(data []byte) (*workflow.Workflow, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	return p.Build(&doc)
}

// Build 校验文档并转换为工作流
func (p *Parser) Build(doc *Document) (*workflow.Workflow, error) {
	if errs := p.validator.Validate(doc); len(errs) > 0 {
		return nil, fmt.Errorf("validate workflow: %w", errors.Join(errs...))
	}

	now := p.now()
	wf := &workflow.Workflow{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		Nodes:       make([]workflow.Node, 0, len(doc.Nodes)),
		Variables:   defaults(doc.Variables),
		Settings:    workflow.Settings{CommunicationMode: workflow.CommunicationMode(doc.Settings.CommunicationMode)},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if wf.ID == "" {
		wf.ID = slug(doc.Name)
	}

	for _, n := range doc.Nodes {
		node := workflow.Node{
			ID:     n.ID,
			Type:   workflow.ParseNodeType(n.Type),
			Config: n.Config,
		}
		if node.Config == nil {
			node.Config = map[string]any{}
		}
		if n.Position != nil {
			node.Position = workflow.Position{X: n.Position.X, Y: n.Position.Y}
		}
		wf.Nodes = append(wf.Nodes, node)
	}
	wf.Edges = edges(doc)

	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

// edges 先按节点顺序展开 next，再追加显式边；重复的边只保留第一次出现
func edges(doc *Document) []workflow.Edge {
	seen := make(map[workflow.Edge]bool)
	var out []workflow.Edge
	add := func(e workflow.Edge) {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	for _, n := range doc.Nodes {
		for _, next := range n.Next {
			add(workflow.Edge{From: n.ID, To: next})
		}
	}
	for _, e := range doc.Edges {
		add(workflow.Edge{From: e.From, To: e.To})
	}
	return out
}

func defaults(defs map[string]VariableDef) map[string]any {
	if len(defs) == 0 {
		return nil
	}
	out := make(map[string]any, len(defs))
	for name, def := range defs {
		if def.Default != nil {
			out[name] = def.Default
		}
	}
	return out
}

// slug 由名称生成 ID："Daily Report" -> "daily-report"
func slug(name string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			dash = false
		case !dash && sb.Len() > 0:
			sb.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(sb.String(), "-")
}
