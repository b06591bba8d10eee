package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/nodeflow/types"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// =============================================================================
// 通用契约
// =============================================================================

func sampleWorkflow(id string, created time.Time) *Workflow {
	return &Workflow{
		ID:   id,
		Name: "wf " + id,
		Nodes: []Node{
			{ID: "start", Type: NodeStart, Config: map[string]any{}},
			{ID: "ai", Type: NodeAIProcessor, Config: map[string]any{
				"prompt":      "hello {{who}}",
				"temperature": 0.3,
				"nested":      map[string]any{"tags": []any{"x", "y"}},
			}, Position: Position{X: 10, Y: 20}},
		},
		Edges:     chain("start", "ai"),
		Variables: map[string]any{"who": "world"},
		Settings:  Settings{CommunicationMode: ModePubSub},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func sampleRun(workflowID string, status ExecutionStatus, created time.Time) *Run {
	r := NewRun(workflowID, map[string]any{"who": "Ada"}, "test")
	r.Status = status
	r.CreatedAt = created
	start := created.Add(time.Second)
	r.StartTime = &start
	r.NodeStates["ai"] = map[string]any{"status": "completed", "output": map[string]any{"k": "v"}}
	r.Logs = append(r.Logs, LogEntry{Timestamp: start, NodeID: "ai", Message: "Starting execution of ai-processor node"})
	r.CommunicationLog = append(r.CommunicationLog, CommunicationEntry{
		Timestamp: start, FromNode: "ai", ToNode: "*", Type: CommBroadcast, Content: "hi",
		Metadata: map[string]any{"target_types": []any{"email"}},
	})
	return r
}

func testStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.GetWorkflow(ctx, "missing")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	_, err = store.GetRun(ctx, "missing")
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	require.NoError(t, store.SaveWorkflow(ctx, sampleWorkflow("wf-a", base)))
	require.NoError(t, store.SaveWorkflow(ctx, sampleWorkflow("wf-b", base.Add(time.Hour))))

	wf, err := store.GetWorkflow(ctx, "wf-a")
	require.NoError(t, err)
	assert.Equal(t, "wf wf-a", wf.Name)
	assert.Equal(t, ModePubSub, wf.Settings.CommunicationMode)
	require.Len(t, wf.Nodes, 2)
	assert.Equal(t, "hello {{who}}", wf.Nodes[1].Config["prompt"])
	assert.Equal(t, 0.3, wf.Nodes[1].Config["temperature"])
	assert.Equal(t, map[string]any{"tags": []any{"x", "y"}}, wf.Nodes[1].Config["nested"])
	assert.Equal(t, Position{X: 10, Y: 20}, wf.Nodes[1].Position)
	assert.Equal(t, chain("start", "ai"), wf.Edges)
	assert.Equal(t, map[string]any{"who": "world"}, wf.Variables)

	// 覆盖写
	updated := sampleWorkflow("wf-a", base)
	updated.Name = "renamed"
	require.NoError(t, store.SaveWorkflow(ctx, updated))
	wf, err = store.GetWorkflow(ctx, "wf-a")
	require.NoError(t, err)
	assert.Equal(t, "renamed", wf.Name)

	wfs, err := store.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, wfs, 2)
	assert.Equal(t, "wf-b", wfs[0].ID)

	r1 := sampleRun("wf-a", StatusSuccess, base)
	r2 := sampleRun("wf-a", StatusError, base.Add(time.Minute))
	r3 := sampleRun("wf-b", StatusSuccess, base.Add(2*time.Minute))
	for _, r := range []*Run{r1, r2, r3} {
		require.NoError(t, store.SaveRun(ctx, r))
	}

	got, err := store.GetRun(ctx, r1.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "wf-a", got.WorkflowID)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "test", got.TriggeredBy)
	assert.Equal(t, map[string]any{"who": "Ada"}, got.Variables)
	assert.Equal(t, map[string]any{"k": "v"}, got.NodeStates["ai"]["output"])
	require.Len(t, got.Logs, 1)
	assert.Equal(t, "Starting execution of ai-processor node", got.Logs[0].Message)
	require.Len(t, got.CommunicationLog, 1)
	assert.Equal(t, []any{"email"}, got.CommunicationLog[0].Metadata["target_types"])
	require.NotNil(t, got.StartTime)
	assert.WithinDuration(t, *r1.StartTime, *got.StartTime, time.Millisecond)
	assert.Nil(t, got.EndTime)
	assert.NotNil(t, got.Errors)

	// 状态更新覆盖原记录
	end := base.Add(5 * time.Second)
	r1.EndTime = &end
	r1.Errors = append(r1.Errors, ErrorEntry{Timestamp: end, NodeID: "ai", Error: "boom"})
	require.NoError(t, store.SaveRun(ctx, r1))
	got, err = store.GetRun(ctx, r1.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, got.EndTime)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "boom", got.Errors[0].Error)

	all, err := store.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{r3.ExecutionID, r2.ExecutionID, r1.ExecutionID}, runIDs(all))

	byWF, err := store.ListRuns(ctx, RunFilter{WorkflowID: "wf-a"})
	require.NoError(t, err)
	assert.Equal(t, []string{r2.ExecutionID, r1.ExecutionID}, runIDs(byWF))

	byStatus, err := store.ListRuns(ctx, RunFilter{Status: StatusSuccess})
	require.NoError(t, err)
	assert.Equal(t, []string{r3.ExecutionID, r1.ExecutionID}, runIDs(byStatus))

	limited, err := store.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{r3.ExecutionID}, runIDs(limited))
}

func runIDs(runs []*Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ExecutionID
	}
	return out
}

// =============================================================================
// MemoryStore
// =============================================================================

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_CopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	wf := sampleWorkflow("wf", time.Now())
	require.NoError(t, s.SaveWorkflow(ctx, wf))
	wf.Nodes[1].Config["prompt"] = "mutated"

	got, err := s.GetWorkflow(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, "hello {{who}}", got.Nodes[1].Config["prompt"])

	run := NewRun("wf", nil, "")
	require.NoError(t, s.SaveRun(ctx, run))
	run.Status = StatusError

	stored, err := s.GetRun(ctx, run.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, stored.Status)
}

// =============================================================================
// GormStore（glebarez 纯 Go sqlite）
// =============================================================================

func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "nodeflow.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store := NewGormStore(db, zap.NewNop())
	require.NoError(t, store.AutoMigrate(context.Background()))
	return store
}

func TestGormStore(t *testing.T) {
	testStoreContract(t, newSQLiteStore(t))
}

func TestGormStore_SkipsUndecodableRows(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	good := sampleRun("wf", StatusSuccess, time.Now().UTC())
	require.NoError(t, store.SaveRun(ctx, good))
	require.NoError(t, store.db.Create(&runRecord{
		ExecutionID: "broken",
		WorkflowID:  "wf",
		Status:      "success",
		Document:    "{not json",
		CreatedAt:   time.Now().UTC(),
	}).Error)

	runs, err := store.ListRuns(ctx, RunFilter{WorkflowID: "wf"})
	require.NoError(t, err)
	assert.Equal(t, []string{good.ExecutionID}, runIDs(runs))

	_, err = store.GetRun(ctx, "broken")
	assert.Error(t, err)
}

func TestGormStore_PersistsExecutorRuns(t *testing.T) {
	store := newSQLiteStore(t)
	exec := NewExecutor(staticCompleter("done"), store, Config{}, zap.NewNop())
	wf := &Workflow{ID: "wf", Nodes: []Node{{ID: "start", Type: NodeStart}, {ID: "ai", Type: NodeAIProcessor}}, Edges: chain("start", "ai")}
	run := NewRun(wf.ID, nil, "")

	_, err := exec.Execute(context.Background(), wf, run)
	require.NoError(t, err)

	stored, err := store.GetRun(context.Background(), run.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, stored.Status)
	assert.Equal(t, "done", stored.NodeStates["ai"]["output"])
	assert.Len(t, stored.Logs, len(run.Logs))
}

// =============================================================================
// MongoStore（内存集合替身）
// =============================================================================

type fakeCollection struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string][]byte)}
}

func (c *fakeCollection) FindOne(_ context.Context, filter bson.M) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.docs[fmt.Sprint(filter["_id"])]
	if !ok {
		return fakeResult{err: mongo.ErrNoDocuments}
	}
	return fakeResult{raw: raw}
}

func (c *fakeCollection) Find(_ context.Context, filter bson.M, limit int64) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	type entry struct {
		raw     []byte
		created time.Time
	}
	var matched []entry
	for _, raw := range c.docs {
		var doc bson.M
		if err := bson.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		ok := true
		for k, v := range filter {
			if fmt.Sprint(doc[k]) != fmt.Sprint(v) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		var created time.Time
		if dt, isDT := doc["created_at"].(bson.DateTime); isDT {
			created = dt.Time()
		}
		matched = append(matched, entry{raw: raw, created: created})
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].created.After(matched[j].created) })
	if limit > 0 && int64(len(matched)) > limit {
		matched = matched[:limit]
	}
	cur := &fakeCursor{}
	for _, m := range matched {
		cur.docs = append(cur.docs, m.raw)
	}
	return cur, nil
}

func (c *fakeCollection) Upsert(_ context.Context, filter bson.M, doc any) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[fmt.Sprint(filter["_id"])] = raw
	return nil
}

type fakeResult struct {
	raw []byte
	err error
}

func (r fakeResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	return bson.Unmarshal(r.raw, val)
}

type fakeCursor struct {
	docs [][]byte
	pos  int
}

func (c *fakeCursor) Close(context.Context) error { return nil }
func (c *fakeCursor) Err() error                  { return nil }

func (c *fakeCursor) Next(context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	return bson.Unmarshal(c.docs[c.pos-1], val)
}

func TestMongoStore(t *testing.T) {
	store := newMongoStoreWithCollections(newFakeCollection(), newFakeCollection(), 0)
	assert.Equal(t, defaultMongoTimeout, store.timeout)
	testStoreContract(t, store)
}

func TestNewMongoStore_Validation(t *testing.T) {
	_, err := NewMongoStore(MongoOptions{})
	assert.EqualError(t, err, "mongo client is required")
}

func TestNormalizeBSON(t *testing.T) {
	in := bson.D{
		{Key: "a", Value: bson.A{bson.D{{Key: "b", Value: "c"}}, "d"}},
		{Key: "m", Value: bson.M{"x": bson.A{1.5}}},
	}
	assert.Equal(t, map[string]any{
		"a": []any{map[string]any{"b": "c"}, "d"},
		"m": map[string]any{"x": []any{1.5}},
	}, normalizeBSON(in))
	assert.Nil(t, normalizeMap(nil))
}
