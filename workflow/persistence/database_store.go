package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/stateflow/workflow"
)

// runRow is the table shape for one stored run: summary columns that SQL
// can filter and order on, plus the full result as a JSON payload.
type runRow struct {
	RunID      string    `gorm:"column:run_id;primaryKey;size:64"`
	Workflow   string    `gorm:"column:workflow;size:255;index"`
	Success    bool      `gorm:"column:success"`
	TotalTurns int       `gorm:"column:total_turns"`
	Reason     string    `gorm:"column:termination_reason;size:64"`
	StartTime  time.Time `gorm:"column:start_time;index"`
	EndTime    time.Time `gorm:"column:end_time"`
	SavedAt    time.Time `gorm:"column:saved_at"`
	Payload    []byte    `gorm:"column:payload"`
}

func (runRow) TableName() string { return "workflow_runs" }

// DatabaseRunStore keeps runs in a GORM-managed table. The *gorm.DB is
// owned by the caller (usually the shared pool), so Close marks the store
// unusable without touching the connection.
type DatabaseRunStore struct {
	db     *gorm.DB
	mu     sync.RWMutex
	closed bool
}

// NewDatabaseRunStore creates a database-backed run store on an existing
// GORM handle.
func NewDatabaseRunStore(db *gorm.DB) (*DatabaseRunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	return &DatabaseRunStore{db: db}, nil
}

// AutoMigrate creates or updates the workflow_runs table. Deployments
// that run SQL migrations can skip this; it exists for the sqlite dev
// path and for tests.
func (s *DatabaseRunStore) AutoMigrate() error {
	return s.db.AutoMigrate(&runRow{})
}

func (s *DatabaseRunStore) handle(ctx context.Context) (*gorm.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.db.WithContext(ctx), nil
}

func toRow(rec *RunRecord) (*runRow, error) {
	payload, err := json.Marshal(rec.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run result: %w", err)
	}
	return &runRow{
		RunID:      rec.RunID,
		Workflow:   rec.Workflow,
		Success:    rec.Success,
		TotalTurns: rec.TotalTurns,
		Reason:     string(rec.Reason),
		StartTime:  rec.StartTime,
		EndTime:    rec.EndTime,
		SavedAt:    rec.SavedAt,
		Payload:    payload,
	}, nil
}

func (row *runRow) toRecord() (*RunRecord, error) {
	rec := &RunRecord{
		RunID:      row.RunID,
		Workflow:   row.Workflow,
		Success:    row.Success,
		TotalTurns: row.TotalTurns,
		Reason:     workflow.TerminationReason(row.Reason),
		StartTime:  row.StartTime,
		EndTime:    row.EndTime,
		SavedAt:    row.SavedAt,
	}
	if len(row.Payload) > 0 {
		if err := json.Unmarshal(row.Payload, &rec.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run result: %w", err)
		}
	}
	return rec, nil
}

// SaveRun persists a record, replacing any earlier save of the same run.
func (s *DatabaseRunStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	if rec == nil || rec.RunID == "" {
		return ErrInvalidInput
	}

	db, err := s.handle(ctx)
	if err != nil {
		return err
	}

	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}

	row, err := toRow(rec)
	if err != nil {
		return err
	}
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

// GetRun retrieves one run by its ID.
func (s *DatabaseRunStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	var row runRow
	err = db.First(&row, "run_id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toRecord()
}

// ListRuns retrieves runs matching the filter, newest first.
func (s *DatabaseRunStore) ListRuns(ctx context.Context, filter Filter) ([]*RunRecord, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	q := db.Model(&runRow{}).Order("start_time DESC")
	if filter.Workflow != "" {
		q = q.Where("workflow = ?", filter.Workflow)
	}
	if filter.Success != nil {
		q = q.Where("success = ?", *filter.Success)
	}
	// OFFSET without LIMIT is not portable SQL, so the offset-only case
	// pages in memory instead.
	sqlPaged := filter.Limit > 0
	if sqlPaged {
		q = q.Limit(filter.Limit)
		if filter.Offset > 0 {
			q = q.Offset(filter.Offset)
		}
	}

	var rows []runRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	result := make([]*RunRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			continue
		}
		result = append(result, rec)
	}
	if !sqlPaged {
		result = filter.page(result)
	}
	return result, nil
}

// DeleteRun removes one run.
func (s *DatabaseRunStore) DeleteRun(ctx context.Context, runID string) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}

	res := db.Delete(&runRow{}, "run_id = ?", runID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Cleanup removes runs that finished more than olderThan ago.
func (s *DatabaseRunStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	res := db.Delete(&runRow{}, "end_time < ?", cutoff)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// Ping checks the database connection.
func (s *DatabaseRunStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close marks the store closed. The underlying connection belongs to the
// pool and stays open.
func (s *DatabaseRunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ensure DatabaseRunStore implements RunStore
var _ RunStore = (*DatabaseRunStore)(nil)
