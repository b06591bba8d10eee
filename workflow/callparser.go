package workflow

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// CallKind 模型可调用的通信原语
type CallKind string

const (
	CallAskNode          CallKind = "ask_node"
	CallBroadcast        CallKind = "broadcast_message"
	CallSetSharedContext CallKind = "set_shared_context"
	CallGetSharedContext CallKind = "get_shared_context"
)

// Call 一次解析出的原语调用
type Call struct {
	Kind CallKind
	Raw  string

	Target      string   // ask_node
	Question    string   // ask_node
	Message     string   // broadcast_message
	TargetTypes []string // broadcast_message，可选
	Key         string   // set/get_shared_context
	Value       any      // set_shared_context
}

// CallParser 从模型输出中提取原语调用。可以替换为结构化 tool calling 的实现。
type CallParser interface {
	Parse(text string) []Call
}

// RegexCallParser 逐行匹配 `CALL: fn(args)` 文本协议，每个原语一条正则。
// 尽力而为：不符合格式的行直接忽略。
type RegexCallParser struct{}

var (
	askNodePattern   = regexp.MustCompile(`CALL:\s*ask_node\(\s*["']([^"']+)["']\s*,\s*["'](.+?)["']\s*\)`)
	broadcastPattern = regexp.MustCompile(`CALL:\s*broadcast_message\(\s*["'](.+?)["']\s*(?:,\s*\[([^\]]*)\]\s*)?\)`)
	setSharedPattern = regexp.MustCompile(`CALL:\s*set_shared_context\(\s*["']([^"']+)["']\s*,\s*("[^"]*"|'[^']*'|\{.*?\}|\[.*?\]|[^)]+?)\s*\)`)
	getSharedPattern = regexp.MustCompile(`CALL:\s*get_shared_context\(\s*["']([^"']+)["']\s*\)`)
)

type positionedCall struct {
	pos  int
	call Call
}

// Parse 按出现顺序返回所有调用
func (RegexCallParser) Parse(text string) []Call {
	if !strings.Contains(text, "CALL:") {
		return nil
	}

	var found []positionedCall
	offset := 0
	for _, line := range strings.Split(text, "\n") {
		found = append(found, parseLine(line, offset)...)
		offset += len(line) + 1
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })

	calls := make([]Call, len(found))
	for i, f := range found {
		calls[i] = f.call
	}
	return calls
}

func parseLine(line string, offset int) []positionedCall {
	var out []positionedCall
	trimmed := strings.TrimRight(line, " \t\r")

	for _, m := range askNodePattern.FindAllStringSubmatchIndex(trimmed, -1) {
		out = append(out, positionedCall{offset + m[0], Call{
			Kind:     CallAskNode,
			Raw:      trimmed[m[0]:m[1]],
			Target:   trimmed[m[2]:m[3]],
			Question: trimmed[m[4]:m[5]],
		}})
	}
	for _, m := range broadcastPattern.FindAllStringSubmatchIndex(trimmed, -1) {
		c := Call{
			Kind:    CallBroadcast,
			Raw:     trimmed[m[0]:m[1]],
			Message: trimmed[m[2]:m[3]],
		}
		if m[4] >= 0 {
			c.TargetTypes = parseStringList(trimmed[m[4]:m[5]])
		}
		out = append(out, positionedCall{offset + m[0], c})
	}
	for _, m := range setSharedPattern.FindAllStringSubmatchIndex(trimmed, -1) {
		out = append(out, positionedCall{offset + m[0], Call{
			Kind:  CallSetSharedContext,
			Raw:   trimmed[m[0]:m[1]],
			Key:   trimmed[m[2]:m[3]],
			Value: parseLiteral(trimmed[m[4]:m[5]]),
		}})
	}
	for _, m := range getSharedPattern.FindAllStringSubmatchIndex(trimmed, -1) {
		out = append(out, positionedCall{offset + m[0], Call{
			Kind: CallGetSharedContext,
			Raw:  trimmed[m[0]:m[1]],
			Key:  trimmed[m[2]:m[3]],
		}})
	}
	return out
}

// parseStringList 解析 'a', "b" 形式的列表内容
func parseStringList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.Trim(strings.TrimSpace(part), `"'`)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseLiteral 引号包裹的按字符串处理，其余尝试按 JSON 解析（数字、布尔、对象）
func parseLiteral(s string) any {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			return s[1 : len(s)-1]
		}
	}
	switch s {
	case "True":
		return true
	case "False":
		return false
	case "None":
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
