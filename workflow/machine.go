package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/stateflow/agent"
	"github.com/BaSui01/stateflow/events"
	"github.com/BaSui01/stateflow/retry"
	"github.com/BaSui01/stateflow/types"
	"github.com/BaSui01/stateflow/workspace"
)

const instrumentationName = "github.com/BaSui01/stateflow/workflow"

// ============================================================
// State Machine Engine
// A machine drives one definition turn by turn: render the current
// state's prompt, invoke its agent, parse the decisions block, then
// pick the next state. Exit conditions are checked against machine
// facts before every turn; transition selection additionally sees the
// decisions of the turn that just finished. A machine runs at most one
// turn loop at a time.
// ============================================================

// RunOptions adjust a single Run call.
type RunOptions struct {
	// Continue resumes from the previous run's record and state instead
	// of starting fresh.
	Continue bool
	// InitialMessage overrides the definition's initial message.
	InitialMessage string
}

// Config wires a machine's collaborators. Definition, Agents and
// Workspace are required; the rest default to sensible no-ops.
type Config struct {
	Definition *Definition
	Agents     *agent.Cache
	Workspace  *workspace.Manager
	Evaluators *EvaluatorRegistry
	Renderer   *Renderer
	Retry      *retry.Policy
	Events     events.Publisher
	Logger     *zap.Logger
}

// Machine executes one workflow definition as a turn-based state machine.
type Machine struct {
	def       *Definition
	evaluator Evaluator
	renderer  *Renderer
	agents    *agent.Cache
	ws        *workspace.Manager
	layout    *workspace.Layout
	policy    *retry.Policy
	events    events.Publisher
	tracer    trace.Tracer
	logger    *zap.Logger

	// Run state. The mutex guards the fields; the running flag grants
	// loop exclusivity, so the loop itself works on locals and syncs
	// back at turn boundaries.
	mu      sync.Mutex
	running bool
	record  *ExecutionRecord
	state   string
	turns   int
}

// runState is the loop-local view of one run.
type runState struct {
	record  *ExecutionRecord
	message string
	started time.Time
	state   string
	turns   int
	errors  []ErrorEntry
}

// termination describes how a run ended.
type termination struct {
	reason     TerminationReason
	success    bool
	exitExpr   string
	exitAction ExitAction
}

// NewMachine validates the definition, resolves its condition evaluator
// and prepares the on-disk workspace layout.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Definition == nil {
		return nil, types.NewError(types.ErrConfigFault, "machine requires a workflow definition")
	}
	if err := cfg.Definition.Validate(); err != nil {
		return nil, err
	}
	if cfg.Agents == nil {
		return nil, types.NewError(types.ErrConfigFault, "machine requires an agent cache")
	}
	if cfg.Workspace == nil {
		return nil, types.NewError(types.ErrConfigFault, "machine requires a workspace manager")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String("component", "state_machine"),
		zap.String("workflow", cfg.Definition.Name),
	)

	registry := cfg.Evaluators
	if registry == nil {
		registry = NewEvaluatorRegistry(logger)
	}
	evaluator, err := registry.Resolve(cfg.Definition.Evaluator)
	if err != nil {
		return nil, err
	}

	renderer := cfg.Renderer
	if renderer == nil {
		renderer = NewRenderer(nil, 0, logger)
	}

	policy := cfg.Retry
	if policy == nil {
		policy = retry.DefaultPolicy()
	}

	names := make([]string, 0, len(cfg.Definition.Agents))
	for _, a := range cfg.Definition.Agents {
		names = append(names, a.Name)
	}
	layout, err := cfg.Workspace.Setup(cfg.Definition.Name, names)
	if err != nil {
		return nil, err
	}

	return &Machine{
		def:       cfg.Definition,
		evaluator: evaluator,
		renderer:  renderer,
		agents:    cfg.Agents,
		ws:        cfg.Workspace,
		layout:    layout,
		policy:    policy,
		events:    cfg.Events,
		tracer:    otel.Tracer(instrumentationName),
		logger:    logger,
		state:     cfg.Definition.StartState().Name,
	}, nil
}

// Definition returns the machine's workflow definition.
func (m *Machine) Definition() *Definition { return m.def }

// Layout returns the machine's workspace layout.
func (m *Machine) Layout() *workspace.Layout { return m.layout }

// Record returns the current run's record, or nil before the first run.
func (m *Machine) Record() *ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

// Progress reports the state the next turn would run in, how many turns
// have completed, and whether a run is active.
func (m *Machine) Progress() (state string, turns int, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.turns, m.running
}

// Run drives the turn loop until a terminal condition and returns the
// outcome. Failures are encoded in the result, never raised: callers
// branch on Success and Metadata instead of unwrapping errors. A second
// Run while one is active returns a conflict result without touching
// the live run.
func (m *Machine) Run(ctx context.Context, opts RunOptions) *Result {
	m.mu.Lock()
	if m.running {
		turn, state := m.turns, m.state
		m.mu.Unlock()
		m.logger.Warn("run rejected, workflow already running",
			zap.Int("turn", turn),
			zap.String("state", state),
		)
		return m.conflictResult(turn, state)
	}
	m.running = true
	if !opts.Continue || m.record == nil {
		m.record = NewExecutionRecord(m.def.Name)
		m.turns = 0
		m.state = m.def.StartState().Name
	}
	run := &runState{
		record:  m.record,
		started: time.Now(),
		state:   m.state,
		turns:   m.turns,
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	run.message = m.def.InitialMessage
	if opts.InitialMessage != "" {
		run.message = opts.InitialMessage
	}

	m.logger.Info("run started",
		zap.String("run_id", run.record.RunID),
		zap.String("state", run.state),
		zap.Int("max_turns", m.def.MaxTurns),
		zap.Bool("continued", run.turns > 0),
	)
	m.publish(run, events.EventRunStarted, map[string]any{
		"state": run.state,
		"turn":  run.turns,
	})

	ctx, span := m.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.name", m.def.Name),
			attribute.String("workflow.run_id", run.record.RunID),
		))
	defer span.End()

	result := m.loop(ctx, run)
	span.SetAttributes(
		attribute.Bool("workflow.success", result.Success),
		attribute.Int("workflow.turns", result.TotalTurns),
		attribute.String("workflow.termination", string(result.Metadata.TerminationReason)),
	)
	return result
}

// loop is the turn loop. It owns run exclusively and syncs position
// back to the machine at every turn boundary.
func (m *Machine) loop(ctx context.Context, run *runState) *Result {
	for {
		if ctx.Err() != nil {
			return m.finalize(run, termination{reason: ReasonCancelled})
		}

		// Turn budget first, then declared exit conditions. Both see
		// machine facts only: the previous turn's decisions live in the
		// record, not in the pre-turn context.
		if run.turns >= m.def.MaxTurns {
			return m.finishMaxTurns(run)
		}
		exit, err := m.matchExit(run, NewDecisionContext(nil, m.facts(run)))
		if err != nil {
			m.recordFailure(run, ErrorKindConfiguration, err)
			return m.finalize(run, termination{reason: ReasonFatalError, exitAction: ActionSaveAndEnd})
		}
		if exit != nil {
			return m.finishExit(run, exit)
		}

		spec, ok := m.def.State(run.state)
		if !ok {
			err := types.NewErrorf(types.ErrConfigFault, "state %q not found in definition", run.state)
			m.recordFailure(run, ErrorKindConfiguration, err)
			return m.finalize(run, termination{reason: ReasonFatalError, exitAction: ActionSaveAndEnd})
		}

		turn, err := m.runTurn(ctx, run, spec)
		if err != nil {
			if ctx.Err() != nil || types.IsErrorCode(err, types.ErrCancelled) {
				return m.finalize(run, termination{reason: ReasonCancelled})
			}
			kind := ErrorKindFatal
			if retry.Classify(err) == retry.ClassConfiguration {
				kind = ErrorKindConfiguration
			}
			m.recordFailure(run, kind, err)
			return m.finalize(run, termination{reason: ReasonFatalError, exitAction: ActionSaveAndEnd})
		}

		run.record.Append(turn)
		m.publish(run, events.EventTurnCompleted, map[string]any{
			"turn":        turn.TurnIndex,
			"state":       turn.State,
			"agent":       turn.Agent,
			"duration_ms": turn.Duration.Milliseconds(),
		})

		// Transition selection sees this turn's decisions merged under
		// the machine facts.
		postCtx := NewDecisionContext(turn.Decisions, m.facts(run))
		next, matched, err := m.selectTransition(spec, postCtx)
		if err != nil {
			m.recordFailure(run, ErrorKindConfiguration, err)
			return m.finalize(run, termination{reason: ReasonFatalError, exitAction: ActionSaveAndEnd})
		}
		if !matched {
			// No transition matched. A terminating exit condition may
			// still claim the turn; otherwise the run dies here.
			exit, eerr := m.matchExit(run, postCtx)
			if eerr != nil {
				m.recordFailure(run, ErrorKindConfiguration, eerr)
				return m.finalize(run, termination{reason: ReasonFatalError, exitAction: ActionSaveAndEnd})
			}
			if exit != nil {
				return m.finishExit(run, exit)
			}
			err := types.NewErrorf(types.ErrNoTransition,
				"state %q has no matching transition", run.state).WithState(run.state, run.turns)
			m.recordFailure(run, ErrorKindFatal, err)
			return m.finalize(run, termination{reason: ReasonNoTransition, exitAction: ActionSaveAndEnd})
		}

		m.logger.Debug("state transition",
			zap.String("from", run.state),
			zap.String("to", next),
			zap.Int("turn", run.turns),
		)
		m.publish(run, events.EventTransition, map[string]any{
			"from": run.state,
			"to":   next,
			"turn": run.turns,
		})

		run.state = next
		run.turns++
		m.syncProgress(run)
	}
}

// runTurn executes one turn: resolve the agent handle, render the
// prompt, then invoke and parse as a single retryable unit. Each failed
// attempt is recorded as a transient error entry; the terminal error,
// if any, is recorded by the caller.
func (m *Machine) runTurn(ctx context.Context, run *runState, spec *StateSpec) (*TurnRecord, error) {
	ctx, span := m.tracer.Start(ctx, "workflow.turn",
		trace.WithAttributes(
			attribute.Int("workflow.turn", run.turns),
			attribute.String("workflow.state", spec.Name),
			attribute.String("workflow.agent", spec.Agent),
		))
	defer span.End()

	agentType, _ := m.def.AgentType(spec.Agent)
	dir, ok := m.layout.AgentDir(spec.Agent)
	if !ok {
		return nil, types.NewErrorf(types.ErrConfigFault, "no workspace directory for agent %q", spec.Agent)
	}
	key := agent.Key{
		Agent:     spec.Agent,
		Type:      agentType,
		Workspace: dir,
	}
	handle, err := m.agents.GetOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}

	prompt := m.renderer.Render(spec.Prompt, m.promptVars(run))

	m.logger.Debug("invoking agent",
		zap.Int("turn", run.turns),
		zap.String("state", spec.Name),
		zap.String("agent", spec.Agent),
	)

	started := time.Now()
	failedAttempts := 0
	var lastAttemptErr error

	policy := *m.policy
	callerHook := policy.OnAttemptFailure
	policy.OnAttemptFailure = func(attempt int, err error, class retry.Class, delay time.Duration) {
		if callerHook != nil {
			callerHook(attempt, err, class, delay)
		}
		if class != retry.ClassTransient {
			return
		}
		failedAttempts++
		lastAttemptErr = err
		m.logger.Warn("turn attempt failed",
			zap.Int("turn", run.turns),
			zap.String("state", spec.Name),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		run.errors = append(run.errors, ErrorEntry{
			Turn:      run.turns,
			State:     spec.Name,
			Kind:      ErrorKindTransient,
			Code:      types.GetErrorCode(err),
			Message:   err.Error(),
			Attempt:   attempt,
			Timestamp: time.Now(),
		})
	}
	runner := retry.NewRunner(&policy, m.logger)

	var raw string
	var output *AgentOutput
	err = runner.Do(ctx, func(ctx context.Context) error {
		got, err := handle.Invoke(ctx, m.def.Name, prompt, run.turns)
		if err != nil {
			return m.wrapInvokeError(spec.Agent, err)
		}
		parsed, err := ParseAgentOutput(got)
		if err != nil {
			return err
		}
		raw, output = got, parsed
		return nil
	})
	if err != nil {
		span.SetAttributes(attribute.String("error.code", string(types.GetErrorCode(err))))
		return nil, err
	}

	turn := &TurnRecord{
		TurnIndex: run.turns,
		State:     spec.Name,
		Agent:     spec.Agent,
		RawOutput: raw,
		Content:   output.Content,
		Decisions: output.Decisions,
		Timestamp: started,
		Duration:  time.Since(started),
	}
	if failedAttempts > 0 {
		turn.Error = fmt.Sprintf("recovered after %d failed attempts: %v", failedAttempts, lastAttemptErr)
	}
	return turn, nil
}

// wrapInvokeError leaves classified errors alone so the executor's
// retryable signal survives, and folds everything else into an executor
// failure, which is fatal by default.
func (m *Machine) wrapInvokeError(agentName string, err error) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return types.NewErrorf(types.ErrExecutorFailure, "agent %s invocation failed", agentName).WithCause(err)
}

// facts builds the machine-derived fact set for the current position.
func (m *Machine) facts(run *runState) map[string]any {
	facts := map[string]any{
		FactTurnCount:        run.turns,
		FactMaxTurnsExceeded: run.turns >= m.def.MaxTurns,
		FactErrorOccurred:    len(run.errors) > 0,
		FactCurrentState:     run.state,
		FactLastAgentName:    "",
		FactLastAgentContent: "",
	}
	if last := run.record.LastTurn(); last != nil {
		facts[FactLastAgentName] = last.Agent
		facts[FactLastAgentContent] = last.Content
	}
	return facts
}

// promptVars builds the template variables for the current position.
func (m *Machine) promptVars(run *runState) PromptVars {
	vars := PromptVars{
		InitialMessage: run.message,
		TurnCount:      run.turns,
	}
	if last := run.record.LastTurn(); last != nil {
		vars.LastAgentName = last.Agent
		vars.LastAgentContent = last.Content
		if data, err := json.Marshal(last.Decisions); err == nil {
			vars.LastAgentDecisions = string(data)
		}
	}
	return vars
}

// matchExit returns the first terminating exit condition that holds in
// the given context, in declaration order. Matches with a continue
// action are recorded and skipped.
func (m *Machine) matchExit(run *runState, dc *DecisionContext) (*ExitCondition, error) {
	for i := range m.def.ExitConditions {
		ec := &m.def.ExitConditions[i]
		matched, err := m.evaluator.Evaluate(ec.When, dc)
		if err != nil {
			return nil, types.NewErrorf(types.ErrCondition, "exit condition %q", ec.When).WithCause(err)
		}
		if !matched {
			continue
		}
		if ec.Action == ActionContinue {
			m.logger.Info("exit condition matched, continuing",
				zap.String("when", ec.When),
				zap.Int("turn", run.turns),
			)
			m.publish(run, events.EventExitMatched, map[string]any{
				"when":   ec.When,
				"action": string(ec.Action),
				"turn":   run.turns,
			})
			continue
		}
		return ec, nil
	}
	return nil, nil
}

// selectTransition tries the state's transitions in declaration order
// and returns the target of the first whose condition holds.
func (m *Machine) selectTransition(spec *StateSpec, dc *DecisionContext) (string, bool, error) {
	for _, tr := range spec.Transitions {
		matched, err := m.evaluator.Evaluate(tr.When, dc)
		if err != nil {
			return "", false, types.NewErrorf(types.ErrCondition,
				"state %s: transition to %s", spec.Name, tr.To).WithCause(err)
		}
		if matched {
			return tr.To, true, nil
		}
	}
	return "", false, nil
}

// finishExit ends the run on a terminating exit condition.
func (m *Machine) finishExit(run *runState, exit *ExitCondition) *Result {
	m.logger.Info("exit condition matched",
		zap.String("when", exit.When),
		zap.String("action", string(exit.Action)),
		zap.Int("turn", run.turns),
	)
	m.publish(run, events.EventExitMatched, map[string]any{
		"when":   exit.When,
		"action": string(exit.Action),
		"turn":   run.turns,
	})
	return m.finalize(run, termination{
		reason:     ReasonExitCondition,
		success:    true,
		exitExpr:   exit.When,
		exitAction: exit.Action,
	})
}

// finishMaxTurns ends the run once the turn budget is spent. An exit
// condition that matches against the max_turns_exceeded fact owns the
// outcome; without one the run force-ends unsuccessfully.
func (m *Machine) finishMaxTurns(run *runState) *Result {
	m.logger.Warn("max turns reached",
		zap.Int("turns", run.turns),
		zap.Int("max_turns", m.def.MaxTurns),
	)
	exit, err := m.matchExit(run, NewDecisionContext(nil, m.facts(run)))
	if err != nil {
		m.recordFailure(run, ErrorKindConfiguration, err)
		return m.finalize(run, termination{reason: ReasonFatalError, exitAction: ActionSaveAndEnd})
	}
	if exit != nil {
		return m.finalize(run, termination{
			reason:     ReasonMaxTurnsExceeded,
			success:    true,
			exitExpr:   exit.When,
			exitAction: exit.Action,
		})
	}
	return m.finalize(run, termination{
		reason:     ReasonMaxTurnsExceeded,
		exitAction: ActionForceEnd,
	})
}

// recordFailure appends the terminal error entry for the current turn.
func (m *Machine) recordFailure(run *runState, kind ErrorKind, err error) {
	m.logger.Error("run failed",
		zap.Int("turn", run.turns),
		zap.String("state", run.state),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	run.errors = append(run.errors, ErrorEntry{
		Turn:      run.turns,
		State:     run.state,
		Kind:      kind,
		Code:      types.GetErrorCode(err),
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

// finalize stamps the record, collects workspace artifacts and builds
// the result. Cancelled runs skip collection: their partial artifacts
// stay on disk but are not reported.
func (m *Machine) finalize(run *runState, term termination) *Result {
	run.record.Complete()

	finalContent := ""
	if term.reason != ReasonCancelled {
		content, err := m.ws.Collect(m.layout)
		if err != nil {
			m.logger.Warn("collecting workspace artifacts failed", zap.Error(err))
		} else {
			finalContent = content
		}
	}

	result := &Result{
		Success:      term.success,
		TotalTurns:   run.record.Len(),
		AgentsUsed:   run.record.AgentsUsed(),
		FinalContent: finalContent,
		Metadata: Metadata{
			History:           run.record,
			TerminationReason: term.reason,
			ExitExpression:    term.exitExpr,
			ExitAction:        term.exitAction,
			Errors:            run.errors,
			TotalTime:         time.Since(run.started),
			Workspace:         m.layout.Root,
		},
	}

	m.syncProgress(run)

	m.logger.Info("run finished",
		zap.String("run_id", run.record.RunID),
		zap.String("reason", string(term.reason)),
		zap.Bool("success", term.success),
		zap.Int("turns", result.TotalTurns),
		zap.Duration("total_time", result.Metadata.TotalTime),
	)
	m.publish(run, events.EventRunFinished, map[string]any{
		"reason":      string(term.reason),
		"success":     term.success,
		"turns":       result.TotalTurns,
		"duration_ms": result.Metadata.TotalTime.Milliseconds(),
	})
	return result
}

// conflictResult reports a rejected concurrent Run. The live run's
// record is not touched.
func (m *Machine) conflictResult(turn int, state string) *Result {
	return &Result{
		Success: false,
		Metadata: Metadata{
			TerminationReason: ReasonFatalError,
			Errors: []ErrorEntry{{
				Turn:      turn,
				State:     state,
				Kind:      ErrorKindFatal,
				Code:      types.ErrWorkflowConflict,
				Message:   fmt.Sprintf("workflow %s is already running", m.def.Name),
				Timestamp: time.Now(),
			}},
			Workspace: m.layout.Root,
		},
	}
}

// syncProgress publishes the loop's position for concurrent readers.
func (m *Machine) syncProgress(run *runState) {
	m.mu.Lock()
	m.turns = run.turns
	m.state = run.state
	m.mu.Unlock()
}

// publish sends an event when a publisher is wired.
func (m *Machine) publish(run *runState, eventType events.EventType, payload map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Publish(events.Event{
		Type:     eventType,
		Workflow: m.def.Name,
		RunID:    run.record.RunID,
		Payload:  payload,
	})
}

// ============================================================
// Replay
// ============================================================

// ReplayStates recomputes the visited state sequence from a recorded
// run by re-evaluating each turn's decisions against the definition.
// The result matches the record's own state sequence as long as the
// definition has not changed since the run.
func (m *Machine) ReplayStates(rec *ExecutionRecord) ([]string, error) {
	if rec == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "nil execution record")
	}

	state := m.def.StartState().Name
	turns := rec.Snapshot()
	visited := make([]string, 0, len(turns))
	errorSeen := false

	for i, turn := range turns {
		visited = append(visited, state)
		if turn.Error != "" {
			errorSeen = true
		}
		spec, ok := m.def.State(state)
		if !ok {
			return visited, types.NewErrorf(types.ErrConfigFault, "state %q not found in definition", state)
		}
		facts := map[string]any{
			FactTurnCount:        i,
			FactMaxTurnsExceeded: i >= m.def.MaxTurns,
			FactErrorOccurred:    errorSeen,
			FactCurrentState:     state,
			FactLastAgentName:    turn.Agent,
			FactLastAgentContent: turn.Content,
		}
		next, matched, err := m.selectTransition(spec, NewDecisionContext(turn.Decisions, facts))
		if err != nil {
			return visited, err
		}
		if !matched {
			break
		}
		state = next
	}
	return visited, nil
}
