package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stateflow/types"
	"github.com/BaSui01/stateflow/workflow"
	"github.com/BaSui01/stateflow/workflow/persistence"
)

// saveTimeout bounds the best-effort run save so a stalled store cannot
// hold a finished run hostage.
const saveTimeout = 5 * time.Second

// Run executes one workflow to completion and returns its result.
// Workflow-level faults are encoded in the result, never returned as
// errors; the error return covers request-level problems only: a closed
// session, an unknown or invalid workflow name, a definition that fails
// to load, or cancellation before the run started. A second Run for a
// name whose run is still active returns a conflict result.
func (s *Session) Run(ctx context.Context, name string, opts workflow.RunOptions) (*workflow.Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, types.NewError(types.ErrSessionClosed, "session is closed")
	}
	if s.running[name] {
		var state string
		var turns int
		if m := s.machines[name]; m != nil {
			state, turns, _ = m.Progress()
		}
		s.mu.Unlock()
		s.logger.Warn("run rejected, workflow already running",
			zap.String("workflow", name),
			zap.String("state", state),
			zap.Int("turn", turns),
		)
		return conflictResult(name, state, turns), nil
	}
	s.running[name] = true
	s.activeRuns++
	if s.stale[name] {
		delete(s.machines, name)
		delete(s.stale, name)
	}
	s.runWG.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.activeRuns--
		s.mu.Unlock()
		s.runWG.Done()
	}()

	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return nil, types.NewError(types.ErrCancelled,
				"run cancelled while waiting for a concurrency slot").WithCause(ctx.Err())
		}
		// The session may have closed while this run waited for a slot.
		if err := s.guardOpen(); err != nil {
			return nil, err
		}
	}

	m, err := s.machine(name)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	s.mu.Lock()
	s.totalRuns++
	s.mu.Unlock()

	result := m.Run(runCtx, opts)
	s.saveResult(result)
	return result, nil
}

// machine returns the cached machine for name, building it from the
// definition file on first use. The caller holds the per-name run gate,
// so at most one builder runs per name.
func (s *Session) machine(name string) (*workflow.Machine, error) {
	s.mu.Lock()
	m := s.machines[name]
	s.mu.Unlock()
	if m != nil {
		return m, nil
	}

	def, err := s.loadDefinition(name)
	if err != nil {
		return nil, err
	}
	m, err = workflow.NewMachine(workflow.Config{
		Definition: def,
		Agents:     s.agents,
		Workspace:  s.ws,
		Evaluators: s.evaluators,
		Renderer:   s.renderer,
		Retry:      s.policy,
		Events:     s.events,
		Logger:     s.rawLogger,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, types.NewError(types.ErrSessionClosed, "session is closed")
	}
	s.machines[name] = m
	s.mu.Unlock()

	s.logger.Info("workflow machine built",
		zap.String("workflow", name),
		zap.Int("states", len(def.States)),
		zap.Int("agents", len(def.Agents)),
	)
	return m, nil
}

// loadDefinition resolves name to a definition file in the definitions
// directory and loads it. The file base name is the workflow name; a
// file that declares a different name inside is a configuration fault.
func (s *Session) loadDefinition(name string) (*workflow.Definition, error) {
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) {
		return nil, types.NewErrorf(types.ErrInvalidRequest, "invalid workflow name %q", name)
	}

	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(s.defsDir, name+ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		def, err := workflow.LoadDefinitionFile(path)
		if err != nil {
			return nil, err
		}
		if def.Name != name {
			return nil, types.NewErrorf(types.ErrConfigFault,
				"definition file %s declares workflow %q, want %q",
				filepath.Base(path), def.Name, name)
		}
		return def, nil
	}
	return nil, types.NewErrorf(types.ErrNotFound,
		"workflow %q not found in %s", name, s.defsDir)
}

// saveResult persists a completed run when a store is configured. Saves
// are best-effort: failures are logged and never surface to the caller.
// The save runs on its own context so a cancelled run still gets its
// record written.
func (s *Session) saveResult(result *workflow.Result) {
	if s.store == nil || !s.saveRuns {
		return
	}
	rec, err := persistence.NewRunRecord(result)
	if err != nil {
		s.logger.Warn("run result not persistable", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.store.SaveRun(ctx, rec); err != nil {
		s.logger.Error("failed to save run record",
			zap.String("run_id", rec.RunID),
			zap.String("workflow", rec.Workflow),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("run record saved",
		zap.String("run_id", rec.RunID),
		zap.String("workflow", rec.Workflow),
	)
}

// conflictResult mirrors the machine's own concurrent-run rejection for
// the case where the session refuses the run before reaching a machine.
func conflictResult(name, state string, turns int) *workflow.Result {
	return &workflow.Result{
		Success: false,
		Metadata: workflow.Metadata{
			TerminationReason: workflow.ReasonFatalError,
			Errors: []workflow.ErrorEntry{{
				Turn:      turns,
				State:     state,
				Kind:      workflow.ErrorKindFatal,
				Code:      types.ErrWorkflowConflict,
				Message:   fmt.Sprintf("workflow %s is already running", name),
				Timestamp: time.Now(),
			}},
		},
	}
}
