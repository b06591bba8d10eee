package workflow

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultWorkflowsCollection = "workflows"
	defaultRunsCollection      = "workflow_runs"
	defaultMongoTimeout        = 5 * time.Second
)

// MongoOptions MongoStore 配置
type MongoOptions struct {
	Client              *mongo.Client
	Database            string
	WorkflowsCollection string
	RunsCollection      string
	Timeout             time.Duration
}

// MongoStore 基于 MongoDB 的文档存储，工作流与运行记录各占一个集合
type MongoStore struct {
	workflows collection
	runs      collection
	timeout   time.Duration
}

// NewMongoStore 创建存储
func NewMongoStore(opts MongoOptions) (*MongoStore, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	if opts.WorkflowsCollection == "" {
		opts.WorkflowsCollection = defaultWorkflowsCollection
	}
	if opts.RunsCollection == "" {
		opts.RunsCollection = defaultRunsCollection
	}

	db := opts.Client.Database(opts.Database)
	return newMongoStoreWithCollections(
		mongoCollection{coll: db.Collection(opts.WorkflowsCollection)},
		mongoCollection{coll: db.Collection(opts.RunsCollection)},
		opts.Timeout,
	), nil
}

func newMongoStoreWithCollections(workflows, runs collection, timeout time.Duration) *MongoStore {
	if timeout <= 0 {
		timeout = defaultMongoTimeout
	}
	return &MongoStore{workflows: workflows, runs: runs, timeout: timeout}
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *MongoStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.workflows.Upsert(ctx, bson.M{"_id": wf.ID}, wf)
}

func (s *MongoStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var wf Workflow
	if err := s.workflows.FindOne(ctx, bson.M{"_id": id}).Decode(&wf); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	normalizeWorkflowDoc(&wf)
	return &wf, nil
}

func (s *MongoStore) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.workflows.Find(ctx, bson.M{}, 0)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*Workflow
	for cur.Next(ctx) {
		var wf Workflow
		if err := cur.Decode(&wf); err != nil {
			return nil, err
		}
		normalizeWorkflowDoc(&wf)
		out = append(out, &wf)
	}
	return out, cur.Err()
}

func (s *MongoStore) SaveRun(ctx context.Context, run *Run) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.runs.Upsert(ctx, bson.M{"_id": run.ExecutionID}, run)
}

func (s *MongoStore) GetRun(ctx context.Context, executionID string) (*Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var r Run
	if err := s.runs.FindOne(ctx, bson.M{"_id": executionID}).Decode(&r); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	normalizeRunDoc(&r)
	return &r, nil
}

func (s *MongoStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := bson.M{}
	if filter.WorkflowID != "" {
		q["workflow_id"] = filter.WorkflowID
	}
	if filter.Status != "" {
		q["status"] = filter.Status
	}
	cur, err := s.runs.Find(ctx, q, int64(filter.Limit))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*Run
	for cur.Next(ctx) {
		var r Run
		if err := cur.Decode(&r); err != nil {
			return nil, err
		}
		normalizeRunDoc(&r)
		out = append(out, &r)
	}
	return out, cur.Err()
}

// normalizeBSON 将解码到 any 的 bson.D / bson.M / bson.A 还原为 map[string]any 与 []any，
// 与 JSON 路径得到的形态保持一致
func normalizeBSON(v any) any {
	switch val := v.(type) {
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = normalizeBSON(e.Value)
		}
		return out
	case bson.M:
		return normalizeMap(val)
	case map[string]any:
		return normalizeMap(val)
	case bson.A:
		return normalizeSlice(val)
	case []any:
		return normalizeSlice(val)
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, item := range m {
		out[k] = normalizeBSON(item)
	}
	return out
}

func normalizeSlice(s []any) []any {
	out := make([]any, len(s))
	for i, item := range s {
		out[i] = normalizeBSON(item)
	}
	return out
}

func normalizeWorkflowDoc(wf *Workflow) {
	for i := range wf.Nodes {
		wf.Nodes[i].Config = normalizeMap(wf.Nodes[i].Config)
	}
	wf.Variables = normalizeMap(wf.Variables)
}

func normalizeRunDoc(r *Run) {
	r.normalize()
	r.Variables = normalizeMap(r.Variables)
	for id, state := range r.NodeStates {
		r.NodeStates[id] = normalizeMap(state)
	}
	for i := range r.CommunicationLog {
		r.CommunicationLog[i].Metadata = normalizeMap(r.CommunicationLog[i].Metadata)
	}
}

// =============================================================================
// 驱动适配层，便于测试替换
// =============================================================================

type collection interface {
	FindOne(ctx context.Context, filter bson.M) singleResult
	Find(ctx context.Context, filter bson.M, limit int64) (cursor, error)
	Upsert(ctx context.Context, filter bson.M, doc any) error
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter bson.M) singleResult {
	return c.coll.FindOne(ctx, filter)
}

// Find 按 created_at 倒序，limit<=0 表示不限
func (c mongoCollection) Find(ctx context.Context, filter bson.M, limit int64) (cursor, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) Upsert(ctx context.Context, filter bson.M, doc any) error {
	_, err := c.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}
