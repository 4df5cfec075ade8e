package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stateflow/types"
)

// countingExecutor records constructions, teardowns, and invocations so
// tests can assert on cache behavior.
type countingExecutor struct {
	initDelay time.Duration

	inits     atomic.Int32
	teardowns atomic.Int32

	mu       sync.Mutex
	requests []InvokeRequest
}

func (e *countingExecutor) Invoke(_ context.Context, req InvokeRequest) (string, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	return `{"content": "ok", "decisions": {}}`, nil
}

func (e *countingExecutor) InitAgent(ctx context.Context, _ Key) error {
	if e.initDelay > 0 {
		select {
		case <-time.After(e.initDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.inits.Add(1)
	return nil
}

func (e *countingExecutor) TeardownAgent(Key) error {
	e.teardowns.Add(1)
	return nil
}

func testKey(t *testing.T, agent string) Key {
	t.Helper()
	return Key{
		Agent:     agent,
		Type:      "coder",
		Workspace: filepath.Join(t.TempDir(), "workflows", "demo", agent),
	}
}

func TestCache_GetOrCreateReusesHandle(t *testing.T) {
	exec := &countingExecutor{}
	cache := NewCache(exec, zap.NewNop())
	defer cache.Close()

	key := testKey(t, "planner")

	first, err := cache.GetOrCreate(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.DirExists(t, key.Workspace)

	second, err := cache.GetOrCreate(context.Background(), key)
	require.NoError(t, err)
	assert.Same(t, first, second, "cache hit must return the published handle")
	assert.Equal(t, int32(1), exec.inits.Load())

	stats := cache.GetStats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, map[string]int{"planner": 1}, stats.ByAgent)
}

// TestCache_ConcurrentGetOrCreateCoalesces verifies the request-coalescing
// guarantee: N concurrent callers for one key observe exactly one
// construction and receive object-identical handles.
// Run with: go test -race -run TestCache_ConcurrentGetOrCreateCoalesces
func TestCache_ConcurrentGetOrCreateCoalesces(t *testing.T) {
	t.Parallel()

	exec := &countingExecutor{initDelay: 20 * time.Millisecond}
	cache := NewCache(exec, zap.NewNop())
	defer cache.Close()

	key := testKey(t, "builder")

	const callers = 16
	handles := make([]*Handle, callers)
	errs := make([]error, callers)

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(idx int) {
			defer wg.Done()
			<-start
			handles[idx], errs[idx] = cache.GetOrCreate(context.Background(), key)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, handles[i])
		assert.Same(t, handles[0], handles[i], "caller %d got a different handle", i)
	}
	assert.Equal(t, int32(1), exec.inits.Load(), "construction must happen exactly once")
}

func TestCache_StaleWorkspaceEvictsAndRebuilds(t *testing.T) {
	exec := &countingExecutor{}
	cache := NewCache(exec, zap.NewNop())
	defer cache.Close()

	var evictions []string
	cache.OnEviction = func(key Key, reason string) {
		evictions = append(evictions, key.String()+"/"+reason)
	}

	key := testKey(t, "reviewer")

	stale, err := cache.GetOrCreate(context.Background(), key)
	require.NoError(t, err)

	// Simulate the workspace vanishing out from under the handle.
	require.NoError(t, os.RemoveAll(key.Workspace))
	require.Error(t, stale.Validate())

	fresh, err := cache.GetOrCreate(context.Background(), key)
	require.NoError(t, err, "stale eviction must be invisible to the caller")
	assert.NotSame(t, stale, fresh)
	assert.DirExists(t, key.Workspace, "rebuild must repair the workspace")

	require.Len(t, evictions, 1)
	assert.Equal(t, key.String()+"/workspace_missing", evictions[0])
	assert.Equal(t, int32(1), exec.teardowns.Load())

	stats := cache.GetStats()
	assert.Equal(t, uint64(1), stats.StaleEvictions)
	assert.Equal(t, uint64(2), stats.Misses)
	assert.Equal(t, uint64(0), stats.Hits)
}

func TestCache_Invalidate(t *testing.T) {
	exec := &countingExecutor{}
	cache := NewCache(exec, zap.NewNop())
	defer cache.Close()

	key := testKey(t, "tester")
	_, err := cache.GetOrCreate(context.Background(), key)
	require.NoError(t, err)

	assert.True(t, cache.Invalidate(key))
	assert.Equal(t, int32(1), exec.teardowns.Load())
	assert.False(t, cache.Invalidate(key), "second invalidate finds nothing")
	assert.Empty(t, cache.ListActive())
}

func TestCache_InvalidateWorkspacePrefix(t *testing.T) {
	exec := &countingExecutor{}
	cache := NewCache(exec, zap.NewNop())
	defer cache.Close()

	base := t.TempDir()
	rootA := filepath.Join(base, "wf-alpha")
	rootAB := filepath.Join(base, "wf-alpha-beta") // sibling, not a child of rootA

	keys := []Key{
		{Agent: "x", Type: "coder", Workspace: filepath.Join(rootA, "x")},
		{Agent: "y", Type: "coder", Workspace: filepath.Join(rootA, "y")},
		{Agent: "z", Type: "coder", Workspace: filepath.Join(rootAB, "z")},
	}
	for _, key := range keys {
		_, err := cache.GetOrCreate(context.Background(), key)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, cache.InvalidateWorkspace(rootA))

	active := cache.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, keys[2], active[0], "sibling directory must survive a prefix invalidation")
}

func TestCache_ListActiveSorted(t *testing.T) {
	exec := &countingExecutor{}
	cache := NewCache(exec, zap.NewNop())
	defer cache.Close()

	names := []string{"zeta", "alpha", "mid"}
	for _, name := range names {
		_, err := cache.GetOrCreate(context.Background(), testKey(t, name))
		require.NoError(t, err)
	}

	active := cache.ListActive()
	require.Len(t, active, 3)
	for i := 1; i < len(active); i++ {
		assert.Less(t, active[i-1].String(), active[i].String())
	}
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	exec := &countingExecutor{}
	cache := NewCache(exec, zap.NewNop())

	_, err := cache.GetOrCreate(context.Background(), testKey(t, "closer"))
	require.NoError(t, err)

	require.NoError(t, cache.Close())
	assert.Equal(t, int32(1), exec.teardowns.Load())
	require.NoError(t, cache.Close(), "second close is a no-op")
	assert.Equal(t, int32(1), exec.teardowns.Load())

	_, err = cache.GetOrCreate(context.Background(), testKey(t, "late"))
	require.Error(t, err)
	assert.Equal(t, types.ErrSessionClosed, types.GetErrorCode(err))
}

func TestHandle_InvokeRecordsUsage(t *testing.T) {
	exec := &countingExecutor{}
	cache := NewCache(exec, zap.NewNop())
	defer cache.Close()

	key := testKey(t, "scribe")
	handle, err := cache.GetOrCreate(context.Background(), key)
	require.NoError(t, err)
	assert.Zero(t, handle.Invocations())
	assert.True(t, handle.LastUsed().IsZero())

	out, err := handle.Invoke(context.Background(), "demo", "write the summary", 4)
	require.NoError(t, err)
	assert.Contains(t, out, "decisions")

	require.Len(t, exec.requests, 1)
	req := exec.requests[0]
	assert.Equal(t, "demo", req.Workflow)
	assert.Equal(t, "scribe", req.Agent)
	assert.Equal(t, "coder", req.Type)
	assert.Equal(t, key.Workspace, req.Workspace)
	assert.Equal(t, "write the summary", req.Prompt)
	assert.Equal(t, 4, req.Turn)

	assert.Equal(t, int64(1), handle.Invocations())
	assert.False(t, handle.LastUsed().IsZero())
}
