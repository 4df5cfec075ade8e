package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/stateflow/agent"
	"github.com/BaSui01/stateflow/events"
	"github.com/BaSui01/stateflow/types"
	"github.com/BaSui01/stateflow/workflow"
	"github.com/BaSui01/stateflow/workflow/persistence"
	"github.com/BaSui01/stateflow/workspace"
)

func TestSession_RunEndToEnd(t *testing.T) {
	t.Parallel()
	defsDir := t.TempDir()
	writeDef(t, defsDir, "review.yaml", reviewYAML)

	exec := newScriptedExecutor()
	exec.queue("writer", decisionOutput("draft v1", map[string]any{"draft_ready": true}))
	exec.queue("reviewer", decisionOutput("ship it", map[string]any{"approved": true}))

	bus, err := events.NewBus(events.Config{BufferSize: 64}, zaptest.NewLogger(t))
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[events.EventType]int)
	bus.Subscribe(events.EventAny, func(evt events.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen[evt.Type]++
	})

	store := persistence.NewMemoryRunStore(persistence.DefaultConfig())
	s := newTestSession(t, defsDir, exec, WithEvents(bus), WithRunStore(store))

	result, err := s.Run(context.Background(), "review", workflow.RunOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, 2, result.TotalTurns)
	assert.Equal(t, []string{"writer", "reviewer"}, result.AgentsUsed)
	assert.Equal(t, workflow.ReasonExitCondition, result.Metadata.TerminationReason)

	// The completed run is in the store under its run ID.
	rec, err := store.GetRun(context.Background(), result.Metadata.History.RunID)
	require.NoError(t, err)
	assert.Equal(t, "review", rec.Workflow)
	assert.True(t, rec.Success)
	assert.Equal(t, 2, rec.TotalTurns)

	// Lifecycle events arrive asynchronously through the bus.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[events.EventRunStarted] == 1 &&
			seen[events.EventTurnCompleted] == 2 &&
			seen[events.EventTransition] == 1 &&
			seen[events.EventExitMatched] == 1 &&
			seen[events.EventRunFinished] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_RunCollectsArtifacts(t *testing.T) {
	t.Parallel()
	defsDir := t.TempDir()
	writeDef(t, defsDir, "oneshot.yaml", oneshotYAML)

	// The executor leaves a file in the shared collab directory, the way
	// a real agent deposits its final artifacts.
	exec := agent.ExecutorFunc(func(_ context.Context, req agent.InvokeRequest) (string, error) {
		collab := filepath.Join(filepath.Dir(req.Workspace), "collab")
		if err := os.WriteFile(filepath.Join(collab, "result.md"), []byte("# shipped\n"), 0o644); err != nil {
			return "", err
		}
		return decisionOutput("wrote the result", map[string]any{"done": true}), nil
	})
	s := newTestSession(t, defsDir, exec)

	result, err := s.Run(context.Background(), "oneshot", workflow.RunOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Contains(t, result.FinalContent, "=== result.md ===")
	assert.Contains(t, result.FinalContent, "# shipped")
}

func TestSession_RunUnknownWorkflow(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, t.TempDir(), newScriptedExecutor())

	result, err := s.Run(context.Background(), "ghost", workflow.RunOptions{})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestSession_RunRejectsInvalidNames(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, t.TempDir(), newScriptedExecutor())

	for _, name := range []string{"", ".", "..", "sub/flow", "../escape"} {
		result, err := s.Run(context.Background(), name, workflow.RunOptions{})
		require.Error(t, err, "name %q", name)
		assert.Nil(t, result)
		assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest), "name %q", name)
	}
}

func TestSession_RunDeclaredNameMismatch(t *testing.T) {
	t.Parallel()
	defsDir := t.TempDir()
	// decoy.yaml declares a different workflow name inside.
	writeDef(t, defsDir, "decoy.yaml", oneshotYAML)
	s := newTestSession(t, defsDir, newScriptedExecutor())

	result, err := s.Run(context.Background(), "decoy", workflow.RunOptions{})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, types.IsErrorCode(err, types.ErrConfigFault))
	assert.Contains(t, err.Error(), `declares workflow "oneshot"`)
}

func TestSession_RunInvalidDefinition(t *testing.T) {
	t.Parallel()
	const twoStartsYAML = `
name: twostarts
max_turns: 2
agents:
  - name: solo
    type: worker_agent
states:
  - name: a
    agent: solo
    is_start: true
    prompt: "p"
  - name: b
    agent: solo
    is_start: true
    prompt: "p"
`
	defsDir := t.TempDir()
	writeDef(t, defsDir, "twostarts.yaml", twoStartsYAML)
	s := newTestSession(t, defsDir, newScriptedExecutor())

	result, err := s.Run(context.Background(), "twostarts", workflow.RunOptions{})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, types.IsErrorCode(err, types.ErrConfigFault))
}

func TestSession_MachineReuseAcrossRuns(t *testing.T) {
	t.Parallel()
	defsDir := t.TempDir()
	writeDef(t, defsDir, "looper.yaml", makeLooper(3))
	scripted := newScriptedExecutor()
	scripted.queue("spinner", decisionOutput("spinning", map[string]any{"pace": "steady"}))
	exec := &lifecycleExecutor{inner: scripted}
	s := newTestSession(t, defsDir, exec)

	first, err := s.Run(context.Background(), "looper", workflow.RunOptions{})
	require.NoError(t, err)
	second, err := s.Run(context.Background(), "looper", workflow.RunOptions{})
	require.NoError(t, err)

	// Fresh runs replay the whole workflow but share the cached machine
	// and its agent handle: one cold start, six invocations.
	assert.Equal(t, 3, first.TotalTurns)
	assert.Equal(t, 3, second.TotalTurns)
	assert.NotEqual(t, first.Metadata.History.RunID, second.Metadata.History.RunID)
	assert.Len(t, scripted.calls(), 6)
	assert.Equal(t, int32(1), exec.inits.Load())
	assert.Equal(t, uint64(1), s.AgentStats().Misses)
	assert.Equal(t, uint64(5), s.AgentStats().Hits)
}

func TestSession_ContinueResumesRecord(t *testing.T) {
	t.Parallel()
	defsDir := t.TempDir()
	writeDef(t, defsDir, "looper.yaml", makeLooper(3))
	scripted := newScriptedExecutor()
	scripted.queue("spinner", decisionOutput("spinning", map[string]any{"pace": "steady"}))
	s := newTestSession(t, defsDir, scripted)

	first, err := s.Run(context.Background(), "looper", workflow.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, first.TotalTurns)

	// Continue picks up the exhausted record: the budget is already
	// spent, so the run ends without invoking anyone.
	second, err := s.Run(context.Background(), "looper", workflow.RunOptions{Continue: true})
	require.NoError(t, err)
	assert.Equal(t, 3, second.TotalTurns)
	assert.Equal(t, first.Metadata.History.RunID, second.Metadata.History.RunID)
	assert.Equal(t, workflow.ReasonMaxTurnsExceeded, second.Metadata.TerminationReason)
	assert.Empty(t, second.Metadata.Errors)
	assert.Len(t, scripted.calls(), 3)
}

func TestSession_ConcurrentSameWorkflowConflicts(t *testing.T) {
	t.Parallel()
	defsDir := t.TempDir()
	writeDef(t, defsDir, "oneshot.yaml", oneshotYAML)
	inner := newScriptedExecutor()
	inner.queue("solo", decisionOutput("done", map[string]any{"done": true}))
	gated := newGatedExecutor(inner)
	store := persistence.NewMemoryRunStore(persistence.DefaultConfig())
	s := newTestSession(t, defsDir, gated, WithRunStore(store))

	firstDone := make(chan *workflow.Result, 1)
	go func() {
		result, _ := s.Run(context.Background(), "oneshot", workflow.RunOptions{})
		firstDone <- result
	}()
	<-gated.started

	// The second run is refused without an error: the conflict is a
	// result, same shape as the machine's own rejection.
	conflict, err := s.Run(context.Background(), "oneshot", workflow.RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.False(t, conflict.Success)
	assert.Equal(t, workflow.ReasonFatalError, conflict.Metadata.TerminationReason)
	require.Len(t, conflict.Metadata.Errors, 1)
	assert.Equal(t, types.ErrWorkflowConflict, conflict.Metadata.Errors[0].Code)
	assert.Contains(t, conflict.Metadata.Errors[0].Message, "already running")

	close(gated.release)
	first := <-firstDone
	require.NotNil(t, first)
	assert.True(t, first.Success)

	// Only the real run reached the store.
	runs, err := store.ListRuns(context.Background(), persistence.Filter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSession_DistinctWorkflowsRunConcurrently(t *testing.T) {
	t.Parallel()
	defsDir := t.TempDir()
	writeDef(t, defsDir, "oneshot.yaml", oneshotYAML)
	writeDef(t, defsDir, "sidekick.yaml", sidekickYAML)
	inner := newScriptedExecutor()
	inner.queue("solo", decisionOutput("done", map[string]any{"done": true}))
	inner.queue("buddy", decisionOutput("done", map[string]any{"done": true}))
	gated := newGatedExecutor(inner)
	s := newTestSession(t, defsDir, gated)

	results := make(chan *workflow.Result, 2)
	for _, name := range []string{"oneshot", "sidekick"} {
		go func() {
			result, _ := s.Run(context.Background(), name, workflow.RunOptions{})
			results <- result
		}()
	}

	// Both runs must be in flight at once before either is released.
	for i := 0; i < 2; i++ {
		select {
		case <-gated.started:
		case <-time.After(5 * time.Second):
			t.Fatal("second workflow never started while the first was blocked")
		}
	}
	close(gated.release)

	for i := 0; i < 2; i++ {
		result := <-results
		require.NotNil(t, result)
		assert.True(t, result.Success)
	}
}

func TestSession_MaxConcurrentRunsGate(t *testing.T) {
	t.Parallel()
	defsDir := t.TempDir()
	writeDef(t, defsDir, "oneshot.yaml", oneshotYAML)
	writeDef(t, defsDir, "sidekick.yaml", sidekickYAML)
	inner := newScriptedExecutor()
	inner.queue("solo", decisionOutput("done", map[string]any{"done": true}))
	inner.queue("buddy", decisionOutput("done", map[string]any{"done": true}))
	gated := newGatedExecutor(inner)
	s := newTestSession(t, defsDir, gated, WithMaxConcurrentRuns(1))

	firstDone := make(chan *workflow.Result, 1)
	go func() {
		result, _ := s.Run(context.Background(), "oneshot", workflow.RunOptions{})
		firstDone <- result
	}()
	<-gated.started

	// The only slot is taken; a caller that will not wait gets a
	// cancellation instead of a run.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := s.Run(cancelled, "sidekick", workflow.RunOptions{})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, types.IsErrorCode(err, types.ErrCancelled))
	assert.Contains(t, err.Error(), "concurrency slot")

	close(gated.release)
	first := <-firstDone
	require.NotNil(t, first)
	assert.True(t, first.Success)

	// With the slot free again the waiting path goes through.
	second, err := s.Run(context.Background(), "sidekick", workflow.RunOptions{})
	require.NoError(t, err)
	assert.True(t, second.Success)
}

func TestSession_RunTimeout(t *testing.T) {
	t.Parallel()
	defsDir := t.TempDir()
	writeDef(t, defsDir, "oneshot.yaml", oneshotYAML)
	exec := agent.ExecutorFunc(func(ctx context.Context, _ agent.InvokeRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	s := newTestSession(t, defsDir, exec, WithRunTimeout(40*time.Millisecond))

	start := time.Now()
	result, err := s.Run(context.Background(), "oneshot", workflow.RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, workflow.ReasonCancelled, result.Metadata.TerminationReason)
	assert.Zero(t, result.TotalTurns)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSession_RetryBudgetSurfacesInResult(t *testing.T) {
	t.Parallel()
	defsDir := t.TempDir()
	writeDef(t, defsDir, "oneshot.yaml", oneshotYAML)
	exec := newScriptedExecutor()
	exec.queue("solo", "no decisions block here")
	s := newTestSession(t, defsDir, exec)

	result, err := s.Run(context.Background(), "oneshot", workflow.RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, workflow.ReasonFatalError, result.Metadata.TerminationReason)
	assert.Equal(t, 2, result.CountErrors(workflow.ErrorKindTransient))
	assert.Equal(t, 1, result.CountErrors(workflow.ErrorKindFatal))
}

func TestSession_RunsAreSaved(t *testing.T) {
	t.Parallel()
	defsDir := t.TempDir()
	writeDef(t, defsDir, "oneshot.yaml", oneshotYAML)
	writeDef(t, defsDir, "sidekick.yaml", sidekickYAML)
	exec := newScriptedExecutor()
	exec.queue("solo", decisionOutput("done", map[string]any{"done": true}))
	exec.queue("buddy", decisionOutput("done", map[string]any{"done": true}))
	store := persistence.NewMemoryRunStore(persistence.DefaultConfig())
	s := newTestSession(t, defsDir, exec, WithRunStore(store))

	first, err := s.Run(context.Background(), "oneshot", workflow.RunOptions{})
	require.NoError(t, err)
	second, err := s.Run(context.Background(), "sidekick", workflow.RunOptions{})
	require.NoError(t, err)

	runs, err := store.ListRuns(context.Background(), persistence.Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.Metadata.History.RunID, runs[0].RunID, "newest first")
	assert.Equal(t, first.Metadata.History.RunID, runs[1].RunID)

	runs, err = store.ListRuns(context.Background(), persistence.Filter{Workflow: "sidekick"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "sidekick", runs[0].Workflow)
}

func TestSession_WithoutRunSaving(t *testing.T) {
	t.Parallel()
	defsDir := t.TempDir()
	writeDef(t, defsDir, "oneshot.yaml", oneshotYAML)
	exec := newScriptedExecutor()
	exec.queue("solo", decisionOutput("done", map[string]any{"done": true}))
	store := persistence.NewMemoryRunStore(persistence.DefaultConfig())
	s := newTestSession(t, defsDir, exec, WithRunStore(store), WithoutRunSaving())

	result, err := s.Run(context.Background(), "oneshot", workflow.RunOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)

	runs, err := store.ListRuns(context.Background(), persistence.Filter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSession_SaveFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()
	defsDir := t.TempDir()
	writeDef(t, defsDir, "oneshot.yaml", oneshotYAML)
	exec := newScriptedExecutor()
	exec.queue("solo", decisionOutput("done", map[string]any{"done": true}))
	store := persistence.NewMemoryRunStore(persistence.DefaultConfig())
	require.NoError(t, store.Close())
	s := newTestSession(t, defsDir, exec, WithRunStore(store))

	result, err := s.Run(context.Background(), "oneshot", workflow.RunOptions{})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestSession_AgentRecreatedEvent(t *testing.T) {
	t.Parallel()
	defsDir := t.TempDir()
	writeDef(t, defsDir, "oneshot.yaml", oneshotYAML)
	exec := newScriptedExecutor()
	exec.queue("solo", decisionOutput("done", map[string]any{"done": true}))
	pub := &capturingPublisher{}
	wsBase := t.TempDir()
	s := newTestSession(t, defsDir, exec,
		WithWorkspace(workspace.Config{BaseDir: wsBase}),
		WithEvents(pub),
	)

	_, err := s.Run(context.Background(), "oneshot", workflow.RunOptions{})
	require.NoError(t, err)

	// Pulling the agent directory out from under the cached handle
	// forces a stale eviction and a rebuild on the next run.
	require.NoError(t, os.RemoveAll(filepath.Join(wsBase, "oneshot", "solo")))

	result, err := s.Run(context.Background(), "oneshot", workflow.RunOptions{})
	require.NoError(t, err)
	assert.True(t, result.Success)

	recreated := pub.byType(events.EventAgentRecreated)
	require.Len(t, recreated, 1)
	assert.Equal(t, "oneshot", recreated[0].Workflow)
	assert.Equal(t, "solo", recreated[0].Payload["agent"])
	assert.Equal(t, "workspace_missing", recreated[0].Payload["reason"])
	assert.Equal(t, uint64(1), s.AgentStats().StaleEvictions)
}
