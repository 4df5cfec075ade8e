package agent

import (
	"context"
)

// InvokeRequest carries everything an executor backend needs to run one
// turn of a named agent inside its workspace.
type InvokeRequest struct {
	// Workflow is the name of the workflow that owns this turn.
	Workflow string `json:"workflow"`

	// Agent is the declared agent name within the workflow.
	Agent string `json:"agent"`

	// Type selects the backend behavior (e.g. "coder", "architect", "ask").
	Type string `json:"type"`

	// Workspace is the agent's private working directory.
	Workspace string `json:"workspace"`

	// Prompt is the fully rendered instruction for this turn.
	Prompt string `json:"prompt"`

	// Turn is the zero-based turn index within the run.
	Turn int `json:"turn"`
}

// Executor is the capability interface for the external agent backend.
// The backend owns model selection, API communication, and file editing;
// the engine treats it as opaque. Invoke blocks until the turn completes,
// the context is cancelled, or the backend fails; the returned string is
// the agent's raw textual output.
type Executor interface {
	Invoke(ctx context.Context, req InvokeRequest) (string, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req InvokeRequest) (string, error)

// Invoke implements Executor.
func (f ExecutorFunc) Invoke(ctx context.Context, req InvokeRequest) (string, error) {
	return f(ctx, req)
}

// Lifecycle is an optional extension of Executor for backends that perform
// expensive per-agent setup (cold-start initialization) or hold per-agent
// resources that must be released. InitAgent runs exactly once per handle
// construction; TeardownAgent runs when the handle is evicted or the cache
// is closed.
type Lifecycle interface {
	InitAgent(ctx context.Context, key Key) error
	TeardownAgent(key Key) error
}
