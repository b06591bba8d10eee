package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Interpolate 替换模板中的 {{name}} 与 {{outputs.<node_id>}}。
// 变量优先于节点输出；找不到的占位符原样保留。替换只做一遍，
// 值里再出现的占位符不会被展开。
func Interpolate(tmpl string, vars, outputs map[string]any) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[2 : len(m)-2]
		if v, ok := vars[name]; ok {
			return stringify(v)
		}
		if id, ok := strings.CutPrefix(name, "outputs."); ok {
			if v, ok := outputs[id]; ok {
				return stringify(v)
			}
		}
		return m
	})
}

// InterpolateValue 对嵌套的 map / slice 中的字符串递归插值，其它类型原样返回
func InterpolateValue(v any, vars, outputs map[string]any) any {
	switch val := v.(type) {
	case string:
		return Interpolate(val, vars, outputs)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = InterpolateValue(item, vars, outputs)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = Interpolate(item, vars, outputs)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = InterpolateValue(item, vars, outputs)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = Interpolate(item, vars, outputs)
		}
		return out
	default:
		return v
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(val)
	case map[string]any, []any, map[string]string, []string:
		if b, err := json.Marshal(val); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}
