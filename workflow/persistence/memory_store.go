package persistence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRunStore keeps runs in a map. Suitable for development and
// testing; everything is lost on restart.
type MemoryRunStore struct {
	runs   map[string]*RunRecord
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	config Config
}

// NewMemoryRunStore creates an in-memory run store.
func NewMemoryRunStore(config Config) *MemoryRunStore {
	store := &MemoryRunStore{
		runs:   make(map[string]*RunRecord),
		done:   make(chan struct{}),
		config: config,
	}

	if config.Cleanup.Enabled {
		go store.cleanupLoop(config.Cleanup.Interval)
	}

	return store
}

// SaveRun persists a record, replacing any earlier save of the same run.
func (s *MemoryRunStore) SaveRun(ctx context.Context, rec *RunRecord) error {
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
	s.runs[rec.RunID] = rec

	return nil
}

// GetRun retrieves one run by its ID.
func (s *MemoryRunStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rec, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// ListRuns retrieves runs matching the filter, newest first.
func (s *MemoryRunStore) ListRuns(ctx context.Context, filter Filter) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*RunRecord, 0)
	for _, rec := range s.runs {
		if filter.matches(rec) {
			result = append(result, rec)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.After(result[j].StartTime)
	})

	return filter.page(result), nil
}

// DeleteRun removes one run.
func (s *MemoryRunStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, ok := s.runs[runID]; !ok {
		return ErrNotFound
	}
	delete(s.runs, runID)

	return nil
}

// Cleanup removes runs that finished more than olderThan ago.
func (s *MemoryRunStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	now := time.Now()
	count := 0
	for runID, rec := range s.runs {
		if rec.age(now) > olderThan {
			delete(s.runs, runID)
			count++
		}
	}

	return count, nil
}

// Ping checks that the store is usable.
func (s *MemoryRunStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close marks the store closed and stops the cleanup loop.
func (s *MemoryRunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	return nil
}

func (s *MemoryRunStore) cleanupLoop(interval time.Duration) {
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

// Ensure MemoryRunStore implements RunStore
var _ RunStore = (*MemoryRunStore)(nil)
