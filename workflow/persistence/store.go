package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/stateflow/workflow"
)

// Common store errors, matched with errors.Is.
var (
	ErrNotFound     = errors.New("run not found")
	ErrStoreClosed  = errors.New("run store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType selects a storage backend.
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeFile     StoreType = "file"
	StoreTypeRedis    StoreType = "redis"
	StoreTypeDatabase StoreType = "database"
)

// RedisConfig carries connection settings for the redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// CleanupConfig controls background retention enforcement on the memory
// and file backends. Disabled by default: run records are audit data, and
// deleting them should be an explicit choice.
type CleanupConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Interval  time.Duration `yaml:"interval" json:"interval"`
	Retention time.Duration `yaml:"retention" json:"retention"`
}

// Config selects and configures a run store backend.
type Config struct {
	Type    StoreType     `yaml:"type" json:"type"`
	BaseDir string        `yaml:"base_dir" json:"base_dir"`
	Redis   RedisConfig   `yaml:"redis" json:"redis"`
	Cleanup CleanupConfig `yaml:"cleanup" json:"cleanup"`
}

// DefaultConfig returns the default run store configuration.
func DefaultConfig() Config {
	return Config{
		Type:    StoreTypeMemory,
		BaseDir: "./data/runs",
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "stateflow:",
		},
		Cleanup: CleanupConfig{
			Enabled:   false,
			Interval:  1 * time.Hour,
			Retention: 7 * 24 * time.Hour,
		},
	}
}

// RunRecord is the stored form of one completed run: identity and summary
// columns for listing, plus the full Result for inspection and replay.
type RunRecord struct {
	RunID      string                     `json:"run_id"`
	Workflow   string                     `json:"workflow"`
	Success    bool                       `json:"success"`
	TotalTurns int                        `json:"total_turns"`
	Reason     workflow.TerminationReason `json:"termination_reason"`
	StartTime  time.Time                  `json:"start_time"`
	EndTime    time.Time                  `json:"end_time"`
	SavedAt    time.Time                  `json:"saved_at"`
	Result     *workflow.Result           `json:"result"`
}

// NewRunRecord builds the stored form of a completed result. The run
// identity comes from the execution record inside the result.
func NewRunRecord(result *workflow.Result) (*RunRecord, error) {
	if result == nil || result.Metadata.History == nil {
		return nil, ErrInvalidInput
	}
	hist := result.Metadata.History
	if hist.RunID == "" {
		return nil, ErrInvalidInput
	}
	return &RunRecord{
		RunID:      hist.RunID,
		Workflow:   hist.Workflow,
		Success:    result.Success,
		TotalTurns: result.TotalTurns,
		Reason:     result.Metadata.TerminationReason,
		StartTime:  hist.StartTime,
		EndTime:    hist.EndTime,
		SavedAt:    time.Now(),
		Result:     result,
	}, nil
}

// age returns how far in the past the record's completion lies, using the
// save time when the end time was never stamped.
func (r *RunRecord) age(now time.Time) time.Duration {
	ref := r.EndTime
	if ref.IsZero() {
		ref = r.SavedAt
	}
	return now.Sub(ref)
}

// Filter narrows a ListRuns call. Zero values match everything.
type Filter struct {
	// Workflow restricts results to one workflow name.
	Workflow string `json:"workflow,omitempty"`
	// Success restricts results to succeeded (true) or failed (false) runs.
	Success *bool `json:"success,omitempty"`
	// Limit caps the number of returned records; zero means no cap.
	Limit int `json:"limit,omitempty"`
	// Offset skips that many records before collecting.
	Offset int `json:"offset,omitempty"`
}

func (f Filter) matches(rec *RunRecord) bool {
	if f.Workflow != "" && rec.Workflow != f.Workflow {
		return false
	}
	if f.Success != nil && rec.Success != *f.Success {
		return false
	}
	return true
}

// page applies offset and limit to an already-sorted slice.
func (f Filter) page(recs []*RunRecord) []*RunRecord {
	if f.Offset > 0 {
		if f.Offset >= len(recs) {
			return []*RunRecord{}
		}
		recs = recs[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(recs) {
		recs = recs[:f.Limit]
	}
	return recs
}

// RunStore persists completed runs. ListRuns returns records newest first
// by start time.
type RunStore interface {
	// SaveRun persists a record, replacing any earlier save of the same run.
	SaveRun(ctx context.Context, rec *RunRecord) error

	// GetRun retrieves one run by its ID.
	GetRun(ctx context.Context, runID string) (*RunRecord, error)

	// ListRuns retrieves runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter Filter) ([]*RunRecord, error)

	// DeleteRun removes one run.
	DeleteRun(ctx context.Context, runID string) error

	// Cleanup removes runs that finished more than olderThan ago and
	// reports how many were removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
