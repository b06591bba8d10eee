package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/nodeflow/llm"
	"github.com/BaSui01/nodeflow/types"

	"go.uber.org/zap"
)

// AI 节点默认参数
const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 2048
)

const communicationInstructions = `You can communicate with other nodes in this workflow.
Available functions:
- ask_node(node_id, question): ask another node a question and receive its answer
- broadcast_message(message, [node_types]): send a message to every node, or only to the listed node types
- set_shared_context(key, value): store a value that every node in this run can read
- get_shared_context(key): read a value from the shared context

To call a function, put it on its own line starting with "CALL:", for example:
CALL: ask_node('calculator', 'What is 2+2?')
CALL: broadcast_message('Hello team!')
CALL: set_shared_context('project_name', 'ChasmX')
CALL: get_shared_context('project_name')`

// nodeAnswerer 以某个节点自己的模型配置回答问题（ask_node 的被问方）
type nodeAnswerer struct {
	llm          Completer
	defaultModel string
}

func newNodeAnswerer(c Completer, defaultModel string) *nodeAnswerer {
	if defaultModel == "" {
		defaultModel = llm.DefaultModel
	}
	return &nodeAnswerer{llm: c, defaultModel: defaultModel}
}

func (a *nodeAnswerer) answer(ctx context.Context, rs *RunState, node *Node, question string, qctx map[string]any) (*llm.Response, error) {
	if a.llm == nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "llm service is not configured")
	}
	cfg := nodeConfig(node.Config)

	user := question
	if len(qctx) > 0 {
		b, err := json.MarshalIndent(qctx, "", "  ")
		if err == nil {
			user = fmt.Sprintf("Context: %s\n\nQuestion: %s", b, question)
		}
	}

	var msgs []llm.Message
	if cfg.has("system_prompt") {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: rs.Interpolate(cfg.String("system_prompt", ""))})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: user})

	req := llm.NewRequest(cfg.String("model", a.defaultModel), msgs...).
		WithTemperature(cfg.Float("temperature", defaultTemperature)).
		WithMaxTokens(cfg.Int("max_tokens", defaultMaxTokens))
	req.UseCache = cfg.Bool("use_cache", true)
	return a.llm.Complete(ctx, req)
}

// runAIProcessor 调用 LLM；可通信节点会先拼接广播、追加原语说明，
// 并在拿到回复后执行其中的 CALL 指令
func (e *Executor) runAIProcessor(ctx context.Context, rs *RunState, node *Node) (map[string]any, error) {
	if e.llm == nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "llm service is not configured")
	}
	cfg := nodeConfig(node.Config)

	prompt := rs.Interpolate(cfg.String("prompt", ""))
	system := ""
	if cfg.has("system_prompt") {
		system = rs.Interpolate(cfg.String("system_prompt", ""))
	}

	canCommunicate := cfg.Bool("can_communicate", false)
	if canCommunicate {
		if bs := rs.BroadcastsFor(node.ID, NodeAIProcessor); len(bs) > 0 {
			prompt = formatBroadcasts(bs) + "\n\n" + prompt
		}
		system = strings.TrimSpace(system + "\n\n" + communicationInstructions + peerList(rs, node.ID))
	}

	var msgs []llm.Message
	if system != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt})

	model := cfg.String("model", e.config.DefaultModel)
	req := llm.NewRequest(model, msgs...).
		WithTemperature(cfg.Float("temperature", defaultTemperature)).
		WithMaxTokens(cfg.Int("max_tokens", defaultMaxTokens))
	req.UseCache = cfg.Bool("use_cache", true)

	e.logger.Info("calling llm",
		zap.String("execution_id", rs.ExecutionID()),
		zap.String("node_id", node.ID),
		zap.String("model", model),
		zap.Int("prompt_length", len(prompt)),
	)

	resp, err := e.llm.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	e.logger.Info("ai node completed",
		zap.String("node_id", node.ID),
		zap.Bool("cached", resp.Cached),
		zap.Float64("latency_ms", resp.LatencyMS),
	)

	result := map[string]any{
		"status":     "completed",
		"output":     resp.Content,
		"cached":     resp.Cached,
		"model":      resp.Model,
		"latency_ms": resp.LatencyMS,
		"usage":      usageMap(resp.Usage),
		"timestamp":  e.timestamp(),
	}

	if canCommunicate {
		if calls := e.parser.Parse(resp.Content); len(calls) > 0 {
			outcomes, err := e.runCalls(ctx, rs, node, calls)
			result["communication"] = outcomes
			if err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// runCalls 逐个执行 CALL 指令。单个失败只记日志；通信超时向上抛出，使当前节点失败。
func (e *Executor) runCalls(ctx context.Context, rs *RunState, node *Node, calls []Call) ([]map[string]any, error) {
	comm := e.communicatorFor(rs.Mode())
	outcomes := make([]map[string]any, 0, len(calls))

	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		outcome := map[string]any{"function": string(call.Kind)}
		var err error
		switch call.Kind {
		case CallAskNode:
			outcome["target"] = call.Target
			var answer string
			answer, err = comm.AskNode(ctx, rs, node.ID, call.Target, call.Question, nil)
			if err == nil {
				outcome["result"] = answer
			}
		case CallBroadcast:
			err = comm.BroadcastMessage(ctx, rs, node.ID, call.Message, call.TargetTypes)
		case CallSetSharedContext:
			outcome["key"] = call.Key
			err = comm.SetSharedContext(ctx, rs, node.ID, call.Key, call.Value)
		case CallGetSharedContext:
			outcome["key"] = call.Key
			var (
				v     any
				found bool
			)
			v, found, err = comm.GetSharedContext(ctx, rs, node.ID, call.Key)
			if err == nil {
				outcome["found"] = found
				outcome["result"] = v
			}
		default:
			err = fmt.Errorf("unsupported call: %s", call.Kind)
		}

		if err != nil {
			if types.IsCode(err, types.ErrCommunicationTimeout) {
				return outcomes, err
			}
			e.logger.Warn("communication call failed",
				zap.String("execution_id", rs.ExecutionID()),
				zap.String("node_id", node.ID),
				zap.String("call", call.Raw),
				zap.Error(err),
			)
			outcome["error"] = err.Error()
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func formatBroadcasts(bs []Broadcast) string {
	var sb strings.Builder
	sb.WriteString("Messages from other nodes:")
	for _, b := range bs {
		fmt.Fprintf(&sb, "\n- [%s]: %s", b.From, b.Message)
	}
	return sb.String()
}

func peerList(rs *RunState, self string) string {
	var sb strings.Builder
	for _, n := range rs.Workflow().Nodes {
		if n.ID == self {
			continue
		}
		if sb.Len() == 0 {
			sb.WriteString("\n\nNodes in this workflow:")
		}
		fmt.Fprintf(&sb, "\n- %s (%s)", n.ID, ParseNodeType(string(n.Type)))
	}
	return sb.String()
}

func usageMap(u *llm.Usage) map[string]any {
	if u == nil {
		return nil
	}
	m := map[string]any{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens,
	}
	if u.CostUSD != nil {
		m["cost_usd"] = *u.CostUSD
	}
	return m
}
