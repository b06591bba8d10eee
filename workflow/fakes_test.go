package workflow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/nodeflow/llm"
)

// fakeCompleter 按回调生成回复并记录所有请求
type fakeCompleter struct {
	mu    sync.Mutex
	reqs  []*llm.Request
	reply func(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

func newFakeCompleter(reply func(ctx context.Context, req *llm.Request) (*llm.Response, error)) *fakeCompleter {
	return &fakeCompleter{reply: reply}
}

// staticCompleter 总是返回同一段内容
func staticCompleter(content string) *fakeCompleter {
	return newFakeCompleter(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: content, Model: req.Model}, nil
	})
}

func (f *fakeCompleter) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.reply(ctx, req)
}

func (f *fakeCompleter) requests() []*llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*llm.Request(nil), f.reqs...)
}

func userContent(req *llm.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

func userContents(reqs []*llm.Request) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, userContent(r))
	}
	return out
}

func systemContent(req *llm.Request) string {
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			return m.Content
		}
	}
	return ""
}

// recordingMetrics 记录上报的指标
type recordingMetrics struct {
	mu    sync.Mutex
	runs  []string
	nodes []string
	comms []string
}

func (m *recordingMetrics) RecordWorkflowRun(status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, status)
}

func (m *recordingMetrics) RecordNodeExecution(nodeType, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = append(m.nodes, nodeType+":"+status)
}

func (m *recordingMetrics) RecordCommunication(mode, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comms = append(m.comms, mode+":"+kind)
}

func (m *recordingMetrics) snapshot() (runs, nodes, comms []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.runs...), append([]string(nil), m.nodes...), append([]string(nil), m.comms...)
}

// chain 按 ID 顺序生成首尾相连的边
func chain(ids ...string) []Edge {
	var edges []Edge
	for i := 1; i < len(ids); i++ {
		edges = append(edges, Edge{From: ids[i-1], To: ids[i]})
	}
	return edges
}

func logMessages(run *Run, nodeID string) []string {
	var out []string
	for _, l := range run.Logs {
		if l.NodeID == nodeID {
			out = append(out, l.Message)
		}
	}
	return out
}

func commTypes(entries []CommunicationEntry) []CommunicationType {
	out := make([]CommunicationType, len(entries))
	for i, e := range entries {
		out[i] = e.Type
	}
	return out
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}

func nowUTC() time.Time { return time.Now().UTC() }
