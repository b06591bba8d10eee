package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/nodeflow/types"
)

var (
	// ErrRunNotFound 运行记录不存在
	ErrRunNotFound = types.NewError(types.ErrNotFound, "workflow run not found").WithHTTPStatus(404)
	// ErrWorkflowNotFound 工作流不存在
	ErrWorkflowNotFound = types.NewError(types.ErrNotFound, "workflow not found").WithHTTPStatus(404)
)

// RunFilter 运行记录查询条件，零值表示不过滤
type RunFilter struct {
	WorkflowID string
	Status     ExecutionStatus
	Limit      int
}

func (f RunFilter) match(r *Run) bool {
	if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// RunStore 运行记录存储
type RunStore interface {
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, executionID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
}

// WorkflowStore 工作流定义存储
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]*Workflow, error)
}

// Store 工作流与运行记录的文档存储
type Store interface {
	WorkflowStore
	RunStore
}

// MemoryStore 进程内存储，读写都做拷贝
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	runs      map[string]*Run
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*Workflow),
		runs:      make(map[string]*Run),
	}
}

func (s *MemoryStore) SaveWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return cloneWorkflow(wf), nil
}

func (s *MemoryStore) ListWorkflows(context.Context) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, cloneWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ExecutionID] = run.Clone()
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, executionID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[executionID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r.Clone(), nil
}

// ListRuns 按创建时间倒序
func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		if filter.match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func cloneWorkflow(wf *Workflow) *Workflow {
	out := *wf
	out.Nodes = make([]Node, len(wf.Nodes))
	for i, n := range wf.Nodes {
		cfg := make(map[string]any, len(n.Config))
		for k, v := range n.Config {
			cfg[k] = v
		}
		n.Config = cfg
		out.Nodes[i] = n
	}
	out.Edges = append([]Edge(nil), wf.Edges...)
	if wf.Variables != nil {
		out.Variables = make(map[string]any, len(wf.Variables))
		for k, v := range wf.Variables {
			out.Variables[k] = v
		}
	}
	return &out
}
