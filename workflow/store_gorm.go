package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// workflowRecord workflows 表；完整定义以 JSON 文档存储
type workflowRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:255"`
	Document  string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (workflowRecord) TableName() string { return "workflows" }

// runRecord workflow_runs 表；可查询字段单独成列
type runRecord struct {
	ExecutionID string `gorm:"primaryKey;size:64"`
	WorkflowID  string `gorm:"size:64;index"`
	Status      string `gorm:"size:16;index"`
	TriggeredBy string `gorm:"size:255"`
	StartTime   *time.Time
	EndTime     *time.Time
	Document    string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

func (runRecord) TableName() string { return "workflow_runs" }

// GormStore 基于 gorm 的关系库存储（postgres / mysql / sqlite）
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore 创建存储，表结构由 internal/migration 维护
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger.With(zap.String("component", "workflow_store"))}
}

// AutoMigrate 开发与测试环境下直接按模型建表
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&workflowRecord{}, &runRecord{}); err != nil {
		return fmt.Errorf("failed to auto migrate workflow tables: %w", err)
	}
	return nil
}

func (s *GormStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to encode workflow: %w", err)
	}
	rec := workflowRecord{
		ID:        wf.ID,
		Name:      wf.Name,
		Document:  string(doc),
		CreatedAt: wf.CreatedAt,
		UpdatedAt: wf.UpdatedAt,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&rec).Error
}

func (s *GormStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var rec workflowRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	var wf Workflow
	if err := json.Unmarshal([]byte(rec.Document), &wf); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", id, err)
	}
	return &wf, nil
}

func (s *GormStore) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	var recs []workflowRecord
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*Workflow, 0, len(recs))
	for _, rec := range recs {
		var wf Workflow
		if err := json.Unmarshal([]byte(rec.Document), &wf); err != nil {
			s.logger.Warn("skipping undecodable workflow", zap.String("workflow_id", rec.ID), zap.Error(err))
			continue
		}
		out = append(out, &wf)
	}
	return out, nil
}

func (s *GormStore) SaveRun(ctx context.Context, run *Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	rec := runRecord{
		ExecutionID: run.ExecutionID,
		WorkflowID:  run.WorkflowID,
		Status:      string(run.Status),
		TriggeredBy: run.TriggeredBy,
		StartTime:   run.StartTime,
		EndTime:     run.EndTime,
		Document:    string(doc),
		CreatedAt:   run.CreatedAt,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "execution_id"}}, UpdateAll: true}).
		Create(&rec).Error
}

func (s *GormStore) GetRun(ctx context.Context, executionID string) (*Run, error) {
	var rec runRecord
	if err := s.db.WithContext(ctx).First(&rec, "execution_id = ?", executionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return decodeRun(rec)
}

func (s *GormStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	q := s.db.WithContext(ctx).Model(&runRecord{})
	if filter.WorkflowID != "" {
		q = q.Where("workflow_id = ?", filter.WorkflowID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var recs []runRecord
	if err := q.Order("created_at DESC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*Run, 0, len(recs))
	for _, rec := range recs {
		r, err := decodeRun(rec)
		if err != nil {
			s.logger.Warn("skipping undecodable run", zap.String("execution_id", rec.ExecutionID), zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func decodeRun(rec runRecord) (*Run, error) {
	var r Run
	if err := json.Unmarshal([]byte(rec.Document), &r); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", rec.ExecutionID, err)
	}
	r.normalize()
	return &r, nil
}
