package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRunStore keeps one JSON document per run under a base directory.
// Writes go through a temp file and rename, so a crash mid-save never
// leaves a truncated record. Suitable for single-node deployments.
type FileRunStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	config  Config
}

// NewFileRunStore creates a file-backed run store rooted at
// config.BaseDir/runs.
func NewFileRunStore(config Config) (*FileRunStore, error) {
	baseDir := filepath.Join(config.BaseDir, "runs")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run store directory: %w", err)
	}

	store := &FileRunStore{
		baseDir: baseDir,
		done:    make(chan struct{}),
		config:  config,
	}

	if config.Cleanup.Enabled {
		go store.cleanupLoop(config.Cleanup.Interval)
	}

	return store, nil
}

func (s *FileRunStore) runPath(runID string) string {
	return filepath.Join(s.baseDir, runID+".json")
}

// SaveRun persists a record, replacing any earlier save of the same run.
func (s *FileRunStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	if rec == nil || rec.RunID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	// Atomic write: temp file then rename.
	path := s.runPath(rec.RunID)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

// GetRun retrieves one run by its ID.
func (s *FileRunStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.readRun(runID)
}

func (s *FileRunStore) readRun(runID string) (*RunRecord, error) {
	data, err := os.ReadFile(s.runPath(runID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRuns retrieves runs matching the filter, newest first. Unreadable
// files are skipped rather than failing the whole listing.
func (s *FileRunStore) ListRuns(ctx context.Context, filter Filter) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	recs, err := s.loadAll()
	if err != nil {
		return nil, err
	}

	result := make([]*RunRecord, 0, len(recs))
	for _, rec := range recs {
		if filter.matches(rec) {
			result = append(result, rec)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.After(result[j].StartTime)
	})

	return filter.page(result), nil
}

func (s *FileRunStore) loadAll() ([]*RunRecord, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}

	recs := make([]*RunRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rec, err := s.readRun(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// DeleteRun removes one run.
func (s *FileRunStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	err := os.Remove(s.runPath(runID))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// Cleanup removes runs that finished more than olderThan ago.
func (s *FileRunStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	recs, err := s.loadAll()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	count := 0
	for _, rec := range recs {
		if rec.age(now) > olderThan {
			if err := os.Remove(s.runPath(rec.RunID)); err == nil {
				count++
			}
		}
	}

	return count, nil
}

// Ping checks that the base directory is still accessible.
func (s *FileRunStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.baseDir)
	return err
}

// Close marks the store closed and stops the cleanup loop.
func (s *FileRunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	return nil
}

func (s *FileRunStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background(), s.config.Cleanup.Retention)
		}
	}
}

// Ensure FileRunStore implements RunStore
var _ RunStore = (*FileRunStore)(nil)
