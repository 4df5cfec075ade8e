// Package session owns the keep-alive scope of the workflow engine. One
// Session holds the agent cache, the per-workflow machine instances and
// the run bookkeeping for every workflow started through it, and
// guarantees that all of it is released when the session closes. Machines
// are built lazily from definition files in a flat directory, one file
// per workflow name; re-running a name reuses the cached machine and its
// agent handles, which is where the cold-start amortization comes from.
package session

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/stateflow/agent"
	"github.com/BaSui01/stateflow/events"
	"github.com/BaSui01/stateflow/retry"
	"github.com/BaSui01/stateflow/types"
	"github.com/BaSui01/stateflow/workflow"
	"github.com/BaSui01/stateflow/workflow/persistence"
	"github.com/BaSui01/stateflow/workspace"
)

// ============================================================
// Options
// ============================================================

// Option configures the session created by New.
type Option func(*options)

type options struct {
	id         string
	logger     *zap.Logger
	wsConfig   workspace.Config
	evaluators *workflow.EvaluatorRegistry
	renderer   *workflow.Renderer
	policy     *retry.Policy
	events     events.Publisher
	store      persistence.RunStore
	saveRuns   bool
	maxRuns    int
	runTimeout time.Duration
	closers    []io.Closer
}

// WithID sets the session identifier. Defaults to a random UUID.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithLogger sets the logger shared by the session and everything it
// builds. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithWorkspace sets the workspace layout configuration.
func WithWorkspace(cfg workspace.Config) Option {
	return func(o *options) { o.wsConfig = cfg }
}

// WithEvaluators sets the condition evaluator registry machines resolve
// their evaluators from.
func WithEvaluators(reg *workflow.EvaluatorRegistry) Option {
	return func(o *options) { o.evaluators = reg }
}

// WithRenderer sets the prompt renderer shared by all machines.
func WithRenderer(r *workflow.Renderer) Option {
	return func(o *options) { o.renderer = r }
}

// WithRetryPolicy sets the retry policy applied to every agent
// invocation.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithEvents sets the publisher run lifecycle events are sent to. The
// session takes ownership: a publisher that implements io.Closer is
// closed when the session closes.
func WithEvents(pub events.Publisher) Option {
	return func(o *options) { o.events = pub }
}

// WithRunStore sets the store completed runs are saved to. Saves are
// best-effort and never fail a run. The session takes ownership and
// closes the store when it closes.
func WithRunStore(store persistence.RunStore) Option {
	return func(o *options) { o.store = store }
}

// WithoutRunSaving keeps the configured run store for reads but stops
// the session from saving completed runs to it.
func WithoutRunSaving() Option {
	return func(o *options) { o.saveRuns = false }
}

// WithMaxConcurrentRuns caps how many runs may execute at once across
// all workflows. Runs over the cap wait for a slot; zero or negative
// means no cap.
func WithMaxConcurrentRuns(n int) Option {
	return func(o *options) { o.maxRuns = n }
}

// WithRunTimeout bounds the wall-clock duration of a single run. The
// machine observes the expiry as a cancellation. Zero means no bound.
func WithRunTimeout(d time.Duration) Option {
	return func(o *options) { o.runTimeout = d }
}

// WithCloser attaches an external resource, such as a database pool,
// that must be released when the session closes. Closers run after the
// session's own resources, in reverse attachment order.
func WithCloser(c io.Closer) Option {
	return func(o *options) { o.closers = append(o.closers, c) }
}

// ============================================================
// Session
// ============================================================

// Session is the explicit keep-alive scope for workflow runs. All
// methods are safe for concurrent use.
type Session struct {
	id        string
	startedAt time.Time
	defsDir   string

	agents     *agent.Cache
	ws         *workspace.Manager
	evaluators *workflow.EvaluatorRegistry
	renderer   *workflow.Renderer
	policy     *retry.Policy
	events     events.Publisher
	store      persistence.RunStore
	saveRuns   bool
	runTimeout time.Duration
	sem        chan struct{}
	closers    []io.Closer

	logger    *zap.Logger
	rawLogger *zap.Logger

	mu         sync.Mutex
	machines   map[string]*workflow.Machine
	stale      map[string]bool
	running    map[string]bool
	activeRuns int
	totalRuns  uint64
	closed     bool
	runWG      sync.WaitGroup
}

// Info is a point-in-time snapshot of the session's state.
type Info struct {
	SessionID       string        `json:"session_id"`
	StartedAt       time.Time     `json:"started_at"`
	Uptime          time.Duration `json:"uptime"`
	ActiveWorkflows []string      `json:"active_workflows"`
	ActiveRuns      int           `json:"active_runs"`
	TotalRuns       uint64        `json:"total_runs"`
	CachedAgents    int           `json:"cached_agents"`
	AgentStats      agent.Stats   `json:"agent_stats"`
}

// New opens a session over a directory of workflow definition files.
// Each file defines one workflow; the file base name is the workflow
// name. The executor is the backend every agent handle invokes.
func New(definitionsDir string, exec agent.Executor, opts ...Option) (*Session, error) {
	if definitionsDir == "" {
		return nil, types.NewError(types.ErrConfigFault, "definitions directory is required")
	}
	if exec == nil {
		return nil, types.NewError(types.ErrConfigFault, "agent executor is required")
	}
	info, err := os.Stat(definitionsDir)
	if err != nil {
		return nil, types.NewErrorf(types.ErrConfigFault,
			"definitions directory %s is not accessible", definitionsDir).WithCause(err)
	}
	if !info.IsDir() {
		return nil, types.NewErrorf(types.ErrConfigFault,
			"definitions path %s is not a directory", definitionsDir)
	}

	o := &options{
		wsConfig: workspace.DefaultConfig(),
		saveRuns: true,
	}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}

	s := &Session{
		id:         id,
		startedAt:  time.Now(),
		defsDir:    definitionsDir,
		ws:         workspace.NewManager(o.wsConfig, logger),
		evaluators: o.evaluators,
		renderer:   o.renderer,
		policy:     o.policy,
		events:     o.events,
		store:      o.store,
		saveRuns:   o.saveRuns,
		runTimeout: o.runTimeout,
		closers:    o.closers,
		rawLogger:  logger,
		logger: logger.With(
			zap.String("component", "session"),
			zap.String("session_id", id),
		),
		machines: make(map[string]*workflow.Machine),
		stale:    make(map[string]bool),
		running:  make(map[string]bool),
	}
	if o.maxRuns > 0 {
		s.sem = make(chan struct{}, o.maxRuns)
	}

	s.agents = agent.NewCache(exec, logger)
	s.agents.OnEviction = s.onAgentEvicted

	s.logger.Info("session opened",
		zap.String("definitions_dir", definitionsDir),
		zap.Int("max_concurrent_runs", o.maxRuns),
		zap.Duration("run_timeout", o.runTimeout),
		zap.Bool("save_runs", s.saveRuns && s.store != nil),
	)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// AgentStats returns a snapshot of the agent cache counters.
func (s *Session) AgentStats() agent.Stats { return s.agents.GetStats() }

// Info returns a snapshot of the session: identity, uptime, which
// workflows hold a live machine, and the agent cache counters.
func (s *Session) Info() Info {
	s.mu.Lock()
	names := make([]string, 0, len(s.machines))
	for name := range s.machines {
		names = append(names, name)
	}
	snapshot := Info{
		SessionID:  s.id,
		StartedAt:  s.startedAt,
		Uptime:     time.Since(s.startedAt),
		ActiveRuns: s.activeRuns,
		TotalRuns:  s.totalRuns,
	}
	s.mu.Unlock()

	sort.Strings(names)
	snapshot.ActiveWorkflows = names

	stats := s.agents.GetStats()
	snapshot.CachedAgents = stats.Active
	snapshot.AgentStats = stats
	return snapshot
}

// ListWorkflows returns the names of all workflows defined in the
// definitions directory, sorted. A name backed by both a .yaml and a
// .yml file appears once.
func (s *Session) ListWorkflows() ([]string, error) {
	if err := s.guardOpen(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.defsDir)
	if err != nil {
		return nil, types.NewErrorf(types.ErrConfigFault,
			"failed to read definitions directory %s", s.defsDir).WithCause(err)
	}

	seen := make(map[string]bool)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Cleanup releases everything the session holds for one workflow: the
// cached machine instance and every agent handle rooted in its
// workspace. The workspace directory itself stays on disk. Calling
// Cleanup for a name that holds nothing is a no-op; cleaning up a
// workflow with an active run is refused.
func (s *Session) Cleanup(ctx context.Context, name string) error {
	if err := s.guardOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrCancelled, "cleanup cancelled").WithCause(err)
	}

	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		return types.NewErrorf(types.ErrWorkflowConflict,
			"cannot clean up workflow %q while a run is active", name)
	}
	_, had := s.machines[name]
	delete(s.machines, name)
	delete(s.stale, name)
	s.mu.Unlock()

	evicted := s.agents.InvalidateWorkspace(s.ws.Root(name))
	s.logger.Info("workflow cleaned up",
		zap.String("workflow", name),
		zap.Bool("instance_dropped", had),
		zap.Int("agents_evicted", evicted),
	)
	return nil
}

// InvalidateDefinition drops the cached machine for one workflow so the
// next run reloads its definition file. A machine that is mid-run is
// marked stale instead and rebuilt when its next run starts. Reports
// whether a cached machine was affected.
func (s *Session) InvalidateDefinition(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.machines[name]; !ok {
		return false
	}
	if s.running[name] {
		s.stale[name] = true
	} else {
		delete(s.machines, name)
	}
	s.logger.Info("workflow definition invalidated", zap.String("workflow", name))
	return true
}

// ReloadDefinitions invalidates every cached machine, forcing each
// workflow to reload its definition file on its next run. Returns how
// many machines were affected. Agent handles stay cached; they are
// keyed by workspace, which definition changes do not move.
func (s *Session) ReloadDefinitions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	affected := 0
	for name := range s.machines {
		if s.running[name] {
			s.stale[name] = true
		} else {
			delete(s.machines, name)
		}
		affected++
	}
	if affected > 0 {
		s.logger.Info("workflow definitions invalidated", zap.Int("count", affected))
	}
	return affected
}

// Close shuts the session down: new runs are rejected, active runs are
// drained until ctx expires, then the agent cache, the run store, the
// event publisher and every attached closer are released. Closing twice
// is a no-op the second time.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	active := s.activeRuns
	total := s.totalRuns
	s.machines = make(map[string]*workflow.Machine)
	s.stale = make(map[string]bool)
	s.mu.Unlock()

	if active > 0 {
		s.logger.Info("waiting for active runs to finish", zap.Int("active_runs", active))
	}
	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("closing with runs still active", zap.Error(ctx.Err()))
	}

	var g errgroup.Group
	g.Go(s.agents.Close)
	if s.store != nil {
		g.Go(s.store.Close)
	}
	if c, ok := s.events.(io.Closer); ok {
		g.Go(c.Close)
	}
	err := g.Wait()

	for i := len(s.closers) - 1; i >= 0; i-- {
		if cerr := s.closers[i].Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	s.logger.Info("session closed", zap.Uint64("total_runs", total))
	return err
}

// guardOpen returns the session-closed error once Close has begun.
func (s *Session) guardOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.NewError(types.ErrSessionClosed, "session is closed")
	}
	return nil
}

// onAgentEvicted surfaces a stale-handle substitution as a non-fatal
// event so subscribers can see that an agent was rebuilt mid-session.
func (s *Session) onAgentEvicted(key agent.Key, reason string) {
	wf, _ := s.ws.WorkflowOf(key.Workspace)
	s.publish(events.Event{
		Type:     events.EventAgentRecreated,
		Workflow: wf,
		Payload: map[string]any{
			"agent":  key.Agent,
			"reason": reason,
		},
	})
}

// publish sends an event when a publisher is wired.
func (s *Session) publish(evt events.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(evt)
}
