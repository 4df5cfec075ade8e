package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/BaSui01/stateflow/workflow"
)

// sampleRecord builds a stored run for one fake workflow result.
func sampleRecord(t *testing.T, wf string, success bool) *RunRecord {
	t.Helper()

	hist := workflow.NewExecutionRecord(wf)
	hist.Append(&workflow.TurnRecord{TurnIndex: 0, State: "draft", Agent: "writer", Content: "done"})
	hist.Complete()

	result := &workflow.Result{
		Success:      success,
		TotalTurns:   1,
		AgentsUsed:   []string{"writer"},
		FinalContent: "=== report.md ===\nall good",
		Metadata: workflow.Metadata{
			History:           hist,
			TerminationReason: workflow.ReasonExitCondition,
			ExitAction:        workflow.ActionSaveAndEnd,
		},
	}

	rec, err := NewRunRecord(result)
	if err != nil {
		t.Fatalf("NewRunRecord failed: %v", err)
	}
	return rec
}

func TestNewRunRecord(t *testing.T) {
	t.Run("NilResult", func(t *testing.T) {
		if _, err := NewRunRecord(nil); err != ErrInvalidInput {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("MissingHistory", func(t *testing.T) {
		if _, err := NewRunRecord(&workflow.Result{}); err != ErrInvalidInput {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("FieldsMapped", func(t *testing.T) {
		rec := sampleRecord(t, "review-flow", true)

		if rec.RunID == "" {
			t.Error("RunID should come from the execution record")
		}
		if rec.Workflow != "review-flow" {
			t.Errorf("Workflow mismatch: %s", rec.Workflow)
		}
		if !rec.Success || rec.TotalTurns != 1 {
			t.Error("summary fields should mirror the result")
		}
		if rec.Reason != workflow.ReasonExitCondition {
			t.Errorf("Reason mismatch: %s", rec.Reason)
		}
		if rec.SavedAt.IsZero() {
			t.Error("SavedAt should be stamped")
		}
	})
}

// runStoreSuite exercises the RunStore contract against any backend.
func runStoreSuite(t *testing.T, store RunStore) {
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetRun", func(t *testing.T) {
		rec := sampleRecord(t, "suite-flow", true)

		if err := store.SaveRun(ctx, rec); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		got, err := store.GetRun(ctx, rec.RunID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if got.Workflow != rec.Workflow || got.TotalTurns != rec.TotalTurns {
			t.Error("summary fields should round-trip")
		}
		if got.Result == nil || got.Result.FinalContent != rec.Result.FinalContent {
			t.Error("full result should round-trip")
		}
		if got.Result.Metadata.History == nil || got.Result.Metadata.History.RunID != rec.RunID {
			t.Error("turn history should round-trip")
		}
	})

	t.Run("SaveRejectsInvalid", func(t *testing.T) {
		if err := store.SaveRun(ctx, nil); err != ErrInvalidInput {
			t.Errorf("nil record: expected ErrInvalidInput, got %v", err)
		}
		if err := store.SaveRun(ctx, &RunRecord{}); err != ErrInvalidInput {
			t.Errorf("empty run id: expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := store.GetRun(ctx, "no-such-run"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListRuns", func(t *testing.T) {
		base := time.Now().Add(-time.Hour)
		var ids []string
		for i := 0; i < 3; i++ {
			rec := sampleRecord(t, "list-flow", i != 1)
			rec.StartTime = base.Add(time.Duration(i) * time.Minute)
			if err := store.SaveRun(ctx, rec); err != nil {
				t.Fatalf("SaveRun failed: %v", err)
			}
			ids = append(ids, rec.RunID)
		}
		other := sampleRecord(t, "other-flow", true)
		if err := store.SaveRun(ctx, other); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		// Workflow filter, newest first.
		runs, err := store.ListRuns(ctx, Filter{Workflow: "list-flow"})
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(runs) != 3 {
			t.Fatalf("expected 3 runs, got %d", len(runs))
		}
		if runs[0].RunID != ids[2] || runs[2].RunID != ids[0] {
			t.Error("runs should be ordered newest first")
		}

		// Success filter.
		failed := false
		runs, err = store.ListRuns(ctx, Filter{Workflow: "list-flow", Success: &failed})
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(runs) != 1 || runs[0].RunID != ids[1] {
			t.Error("success filter should isolate the failed run")
		}

		// Pagination.
		runs, err = store.ListRuns(ctx, Filter{Workflow: "list-flow", Offset: 1, Limit: 1})
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(runs) != 1 || runs[0].RunID != ids[1] {
			t.Error("offset+limit should slice the ordered listing")
		}

		// Offset past the end.
		runs, err = store.ListRuns(ctx, Filter{Workflow: "list-flow", Offset: 10})
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(runs) != 0 {
			t.Errorf("expected empty page, got %d", len(runs))
		}
	})

	t.Run("DeleteRun", func(t *testing.T) {
		rec := sampleRecord(t, "delete-flow", true)
		if err := store.SaveRun(ctx, rec); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		if err := store.DeleteRun(ctx, rec.RunID); err != nil {
			t.Fatalf("DeleteRun failed: %v", err)
		}
		if _, err := store.GetRun(ctx, rec.RunID); err != ErrNotFound {
			t.Error("run should be gone after delete")
		}
		if err := store.DeleteRun(ctx, rec.RunID); err != ErrNotFound {
			t.Errorf("second delete: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Cleanup", func(t *testing.T) {
		old := sampleRecord(t, "cleanup-flow", true)
		old.StartTime = time.Now().Add(-48 * time.Hour)
		old.EndTime = time.Now().Add(-48 * time.Hour)
		if err := store.SaveRun(ctx, old); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
		fresh := sampleRecord(t, "cleanup-flow", true)
		if err := store.SaveRun(ctx, fresh); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		count, err := store.Cleanup(ctx, 24*time.Hour)
		if err != nil {
			t.Fatalf("Cleanup failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected 1 cleaned run, got %d", count)
		}
		if _, err := store.GetRun(ctx, old.RunID); err != ErrNotFound {
			t.Error("old run should be cleaned up")
		}
		if _, err := store.GetRun(ctx, fresh.RunID); err != nil {
			t.Errorf("fresh run should survive cleanup: %v", err)
		}
	})
}

func TestMemoryRunStore(t *testing.T) {
	store := NewMemoryRunStore(DefaultConfig())
	defer store.Close()

	runStoreSuite(t, store)

	t.Run("ClosedStoreRejects", func(t *testing.T) {
		closed := NewMemoryRunStore(DefaultConfig())
		closed.Close()

		ctx := context.Background()
		if err := closed.SaveRun(ctx, sampleRecord(t, "x", true)); err != ErrStoreClosed {
			t.Errorf("SaveRun on closed store: got %v", err)
		}
		if _, err := closed.ListRuns(ctx, Filter{}); err != ErrStoreClosed {
			t.Errorf("ListRuns on closed store: got %v", err)
		}
		if err := closed.Ping(ctx); err != ErrStoreClosed {
			t.Errorf("Ping on closed store: got %v", err)
		}
		if err := closed.Close(); err != nil {
			t.Errorf("second Close should be a no-op: %v", err)
		}
	})
}

func TestFileRunStore(t *testing.T) {
	config := DefaultConfig()
	config.BaseDir = t.TempDir()

	store, err := NewFileRunStore(config)
	if err != nil {
		t.Fatalf("NewFileRunStore failed: %v", err)
	}
	defer store.Close()

	runStoreSuite(t, store)

	ctx := context.Background()

	t.Run("NoTempFileLeftBehind", func(t *testing.T) {
		rec := sampleRecord(t, "atomic-flow", true)
		if err := store.SaveRun(ctx, rec); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		entries, err := os.ReadDir(filepath.Join(config.BaseDir, "runs"))
		if err != nil {
			t.Fatalf("ReadDir failed: %v", err)
		}
		for _, entry := range entries {
			if filepath.Ext(entry.Name()) == ".tmp" {
				t.Errorf("temp file left behind: %s", entry.Name())
			}
		}
	})

	t.Run("PersistenceAcrossRestart", func(t *testing.T) {
		rec := sampleRecord(t, "persist-flow", true)
		if err := store.SaveRun(ctx, rec); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		store.Close()

		store2, err := NewFileRunStore(config)
		if err != nil {
			t.Fatalf("failed to reopen store: %v", err)
		}
		defer store2.Close()

		got, err := store2.GetRun(ctx, rec.RunID)
		if err != nil {
			t.Fatalf("run should persist across restart: %v", err)
		}
		if got.Result == nil || got.Result.FinalContent != rec.Result.FinalContent {
			t.Error("result payload should survive restart")
		}
	})

	t.Run("ListSkipsGarbage", func(t *testing.T) {
		dir := t.TempDir()
		cfg := DefaultConfig()
		cfg.BaseDir = dir

		s, err := NewFileRunStore(cfg)
		if err != nil {
			t.Fatalf("NewFileRunStore failed: %v", err)
		}
		defer s.Close()

		rec := sampleRecord(t, "garbage-flow", true)
		if err := s.SaveRun(ctx, rec); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
		runsDir := filepath.Join(dir, "runs")
		os.WriteFile(filepath.Join(runsDir, "corrupt.json"), []byte("{not json"), 0644)
		os.WriteFile(filepath.Join(runsDir, "notes.txt"), []byte("ignore me"), 0644)

		runs, err := s.ListRuns(ctx, Filter{})
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(runs) != 1 || runs[0].RunID != rec.RunID {
			t.Errorf("expected only the valid run, got %d records", len(runs))
		}
	})
}

func TestRedisRunStore(t *testing.T) {
	mr := miniredis.RunT(t)

	config := DefaultConfig()
	config.Type = StoreTypeRedis
	config.Redis.Addr = mr.Addr()

	store, err := NewRedisRunStore(config)
	if err != nil {
		t.Fatalf("NewRedisRunStore failed: %v", err)
	}
	defer store.Close()

	runStoreSuite(t, store)

	t.Run("DeleteCleansIndexes", func(t *testing.T) {
		ctx := context.Background()
		rec := sampleRecord(t, "index-flow", true)
		if err := store.SaveRun(ctx, rec); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
		if err := store.DeleteRun(ctx, rec.RunID); err != nil {
			t.Fatalf("DeleteRun failed: %v", err)
		}

		runs, err := store.ListRuns(ctx, Filter{Workflow: "index-flow"})
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(runs) != 0 {
			t.Errorf("deleted run still listed via workflow index: %d", len(runs))
		}
	})
}

func newSQLiteStore(t *testing.T) *DatabaseRunStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	// A fresh pooled connection would see its own empty :memory: database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	store, err := NewDatabaseRunStore(db)
	if err != nil {
		t.Fatalf("NewDatabaseRunStore failed: %v", err)
	}
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("AutoMigrate failed: %v", err)
	}
	return store
}

func TestDatabaseRunStore(t *testing.T) {
	store := newSQLiteStore(t)
	defer store.Close()

	runStoreSuite(t, store)

	ctx := context.Background()

	t.Run("SaveIsUpsert", func(t *testing.T) {
		rec := sampleRecord(t, "upsert-flow", false)
		if err := store.SaveRun(ctx, rec); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		rec.Success = true
		rec.TotalTurns = 5
		if err := store.SaveRun(ctx, rec); err != nil {
			t.Fatalf("second SaveRun failed: %v", err)
		}

		got, err := store.GetRun(ctx, rec.RunID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if !got.Success || got.TotalTurns != 5 {
			t.Error("second save should replace the first")
		}

		runs, err := store.ListRuns(ctx, Filter{Workflow: "upsert-flow"})
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(runs) != 1 {
			t.Errorf("upsert should not duplicate rows, got %d", len(runs))
		}
	})

	t.Run("CloseLeavesConnectionOpen", func(t *testing.T) {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
		if err != nil {
			t.Fatalf("failed to open sqlite: %v", err)
		}
		sqlDB, _ := db.DB()
		sqlDB.SetMaxOpenConns(1)

		first, err := NewDatabaseRunStore(db)
		if err != nil {
			t.Fatalf("NewDatabaseRunStore failed: %v", err)
		}
		if err := first.AutoMigrate(); err != nil {
			t.Fatalf("AutoMigrate failed: %v", err)
		}
		rec := sampleRecord(t, "shared-pool", true)
		if err := first.SaveRun(ctx, rec); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		first.Close()
		if err := first.Ping(ctx); err != ErrStoreClosed {
			t.Errorf("closed store Ping: got %v", err)
		}

		second, err := NewDatabaseRunStore(db)
		if err != nil {
			t.Fatalf("NewDatabaseRunStore failed: %v", err)
		}
		if _, err := second.GetRun(ctx, rec.RunID); err != nil {
			t.Errorf("pool should stay usable after store Close: %v", err)
		}
	})
}

func TestFactory(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		store, err := NewRunStore(DefaultConfig())
		if err != nil {
			t.Fatalf("factory failed: %v", err)
		}
		defer store.Close()

		if _, ok := store.(*MemoryRunStore); !ok {
			t.Error("expected MemoryRunStore")
		}
	})

	t.Run("File", func(t *testing.T) {
		config := DefaultConfig()
		config.Type = StoreTypeFile
		config.BaseDir = t.TempDir()

		store, err := NewRunStore(config)
		if err != nil {
			t.Fatalf("factory failed: %v", err)
		}
		defer store.Close()

		if _, ok := store.(*FileRunStore); !ok {
			t.Error("expected FileRunStore")
		}
	})

	t.Run("Redis", func(t *testing.T) {
		mr := miniredis.RunT(t)

		config := DefaultConfig()
		config.Type = StoreTypeRedis
		config.Redis.Addr = mr.Addr()

		store, err := NewRunStore(config)
		if err != nil {
			t.Fatalf("factory failed: %v", err)
		}
		defer store.Close()

		if _, ok := store.(*RedisRunStore); !ok {
			t.Error("expected RedisRunStore")
		}
	})

	t.Run("DatabaseNeedsPool", func(t *testing.T) {
		config := DefaultConfig()
		config.Type = StoreTypeDatabase

		if _, err := NewRunStore(config); err == nil {
			t.Error("database type should require the direct constructor")
		}
	})

	t.Run("InvalidType", func(t *testing.T) {
		config := DefaultConfig()
		config.Type = "carrier-pigeon"

		if _, err := NewRunStore(config); err == nil {
			t.Error("expected error for unknown type")
		}
	})
}
