// Package stateflow provides a top-level convenience entry point for running
// declarative agent workflows with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/stateflow"
//
//	sess, err := stateflow.Open("./workflows", exec)
//	result, err := sess.Run(ctx, "daily-digest", stateflow.RunOptions{})
//
// This is a thin wrapper around [session.New]; both produce identical results.
// Use this package when you prefer the shorter import path.
package stateflow

import (
	"github.com/BaSui01/stateflow/agent"
	"github.com/BaSui01/stateflow/session"
	"github.com/BaSui01/stateflow/workflow"
)

// Option configures the session created by [Open].
type Option = session.Option

// Session coordinates workflow runs against a definitions directory.
type Session = session.Session

// Executor invokes an agent for a single turn on behalf of the engine.
type Executor = agent.Executor

// ExecutorFunc adapts a plain function into an [Executor].
type ExecutorFunc = agent.ExecutorFunc

// InvokeRequest carries everything an [Executor] needs for one turn.
type InvokeRequest = agent.InvokeRequest

// RunOptions controls a single workflow run.
type RunOptions = workflow.RunOptions

// Result reports the outcome of a completed workflow run.
type Result = workflow.Result

// Open creates a [Session] serving the workflow definitions in
// definitionsDir, delegating every agent turn to exec.
// The returned session is safe for concurrent runs; call
// [Session.Close] when done.
func Open(definitionsDir string, exec agent.Executor, opts ...Option) (*session.Session, error) {
	return session.New(definitionsDir, exec, opts...)
}

// Re-export session options so callers never need to import session/.

// WithID pins the session identifier instead of generating one.
var WithID = session.WithID

// WithLogger sets a custom zap logger.
var WithLogger = session.WithLogger

// WithWorkspace overrides workspace provisioning settings.
var WithWorkspace = session.WithWorkspace

// WithEvaluators installs a custom exit-condition evaluator chain.
var WithEvaluators = session.WithEvaluators

// WithRenderer overrides prompt rendering and token budgeting.
var WithRenderer = session.WithRenderer

// WithRetryPolicy overrides the per-turn retry policy.
var WithRetryPolicy = session.WithRetryPolicy

// WithEvents attaches an event publisher for run lifecycle events.
var WithEvents = session.WithEvents

// WithRunStore attaches a store that archives finished runs.
var WithRunStore = session.WithRunStore

// WithoutRunSaving disables archival of finished runs.
var WithoutRunSaving = session.WithoutRunSaving

// WithMaxConcurrentRuns caps the number of concurrent workflow runs.
var WithMaxConcurrentRuns = session.WithMaxConcurrentRuns

// WithRunTimeout bounds the wall-clock time of a single run.
var WithRunTimeout = session.WithRunTimeout

// WithCloser registers an extra resource to close with the session.
var WithCloser = session.WithCloser
