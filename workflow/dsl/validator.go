package dsl

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BaSui01/nodeflow/workflow"
)

// SupportedVersion 当前支持的文档版本
const SupportedVersion = "1"

var variableTypes = map[string]bool{
	"": true, "string": true, "int": true, "float": true, "bool": true, "list": true, "map": true,
}

// Validator 文档校验器
type Validator struct {
	// AllowUnknownTypes 为 true 时接受未知节点类型（执行时会被跳过）
	AllowUnknownTypes bool
}

// NewValidator 创建校验器
func NewValidator() *Validator {
	return &Validator{}
}

// Validate 返回全部问题，而不是遇到第一个就停止
func (v *Validator) Validate(doc *Document) []error {
	var errs []error

	if doc.Version != "" && doc.Version != SupportedVersion {
		errs = append(errs, fmt.Errorf("unsupported version %q", doc.Version))
	}
	if strings.TrimSpace(doc.Name) == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if doc.Settings.CommunicationMode != "" && !workflow.CommunicationMode(doc.Settings.CommunicationMode).IsValid() {
		errs = append(errs, fmt.Errorf("unknown communication mode %q", doc.Settings.CommunicationMode))
	}
	if len(doc.Nodes) == 0 {
		errs = append(errs, fmt.Errorf("nodes must have at least one node"))
	}

	nodeIDs := make(map[string]bool, len(doc.Nodes))
	for _, n := range doc.Nodes {
		if n.ID == "" {
			errs = append(errs, fmt.Errorf("node id is required"))
			continue
		}
		if nodeIDs[n.ID] {
			errs = append(errs, fmt.Errorf("duplicate node id: %s", n.ID))
		}
		nodeIDs[n.ID] = true
	}

	for name, def := range doc.Variables {
		errs = append(errs, validateVariable(name, def)...)
	}
	for i := range doc.Nodes {
		errs = append(errs, v.validateNode(&doc.Nodes[i], nodeIDs)...)
	}
	for _, e := range doc.Edges {
		if !nodeIDs[e.From] {
			errs = append(errs, fmt.Errorf("edge references unknown node %q", e.From))
		}
		if !nodeIDs[e.To] {
			errs = append(errs, fmt.Errorf("edge references unknown node %q", e.To))
		}
	}
	errs = append(errs, validateReferences(doc, nodeIDs)...)
	return errs
}

func (v *Validator) validateNode(n *NodeDef, nodeIDs map[string]bool) []error {
	var errs []error
	t := workflow.ParseNodeType(n.Type)
	if t == "" {
		errs = append(errs, fmt.Errorf("node %s: type is required", n.ID))
	} else if !t.IsKnown() && !v.AllowUnknownTypes {
		errs = append(errs, fmt.Errorf("node %s: unknown type %q", n.ID, n.Type))
	}

	for _, next := range n.Next {
		if !nodeIDs[next] {
			errs = append(errs, fmt.Errorf("node %s: next references unknown node %q", n.ID, next))
		}
	}

	switch t {
	case workflow.NodeEmail:
		if _, ok := n.Config["to"]; !ok {
			errs = append(errs, fmt.Errorf("node %s: email node requires config.to", n.ID))
		}
	case workflow.NodeWebhook:
		if _, ok := n.Config["url"]; !ok {
			errs = append(errs, fmt.Errorf("node %s: webhook node requires config.url", n.ID))
		}
	case workflow.NodeDelay:
		if d, ok := n.Config["delay_seconds"]; ok {
			if f, isNum := toFloat(d); isNum && f < 0 {
				errs = append(errs, fmt.Errorf("node %s: delay_seconds must not be negative", n.ID))
			}
		}
	}
	return errs
}

func validateVariable(name string, def VariableDef) []error {
	if !variableTypes[def.Type] {
		return []error{fmt.Errorf("variable %s: unknown type %q", name, def.Type)}
	}
	if def.Default == nil || def.Type == "" {
		return nil
	}
	ok := true
	switch def.Type {
	case "string":
		_, ok = def.Default.(string)
	case "int":
		switch def.Default.(type) {
		case int, int64:
		default:
			ok = false
		}
	case "float":
		_, ok = toFloat(def.Default)
	case "bool":
		_, ok = def.Default.(bool)
	case "list":
		_, ok = def.Default.([]any)
	case "map":
		_, ok = def.Default.(map[string]any)
	}
	if !ok {
		return []error{fmt.Errorf("variable %s: default does not match type %s", name, def.Type)}
	}
	return nil
}

var placeholderRef = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// validateReferences 检查 {{outputs.<node>}} 引用的节点存在。
// 普通变量可能在运行时传入，这里不做要求。
func validateReferences(doc *Document, nodeIDs map[string]bool) []error {
	var errs []error
	for _, n := range doc.Nodes {
		for _, ref := range collectRefs(n.Config) {
			target, ok := strings.CutPrefix(ref, "outputs.")
			if !ok {
				continue
			}
			if !nodeIDs[target] {
				errs = append(errs, fmt.Errorf("node %s: reference to unknown node output %q", n.ID, target))
			}
		}
	}
	return errs
}

func collectRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		for _, m := range placeholderRef.FindAllStringSubmatch(val, -1) {
			refs = append(refs, m[1])
		}
	case map[string]any:
		for _, item := range val {
			refs = append(refs, collectRefs(item)...)
		}
	case []any:
		for _, item := range val {
			refs = append(refs, collectRefs(item)...)
		}
	}
	return refs
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
