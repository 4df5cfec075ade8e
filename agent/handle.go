package agent

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/BaSui01/stateflow/types"
)

// Key identifies one cached agent session. Two workflows never share a key
// because each workflow owns its workspace root exclusively.
type Key struct {
	Agent     string `json:"agent"`
	Type      string `json:"type"`
	Workspace string `json:"workspace"`
}

// String renders the key in "agent:type:workspace" form, used for flight
// grouping and log fields.
func (k Key) String() string {
	return k.Agent + ":" + k.Type + ":" + k.Workspace
}

// Handle is a live agent session bound to an executor backend. Handles are
// shared by every run that addresses the same key within one session and
// live until explicitly invalidated or the cache is closed.
type Handle struct {
	key       Key
	exec      Executor
	createdAt time.Time

	mu          sync.Mutex
	invocations int64
	lastUsed    time.Time
}

func newHandle(key Key, exec Executor) *Handle {
	return &Handle{
		key:       key,
		exec:      exec,
		createdAt: time.Now(),
	}
}

// Key returns the identity of this handle.
func (h *Handle) Key() Key { return h.key }

// CreatedAt returns when this handle was constructed.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// Invocations returns how many turns have been run through this handle.
func (h *Handle) Invocations() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.invocations
}

// LastUsed returns when this handle last ran a turn; zero if never used.
func (h *Handle) LastUsed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

// Validate checks that the handle's underlying workspace still exists.
// A handle that fails validation is stale and must be evicted.
func (h *Handle) Validate() error {
	info, err := os.Stat(h.key.Workspace)
	if err != nil {
		return types.NewErrorf(types.ErrAgentUnavailable,
			"agent workspace missing: %s", h.key.Workspace).WithCause(err)
	}
	if !info.IsDir() {
		return types.NewErrorf(types.ErrAgentUnavailable,
			"agent workspace is not a directory: %s", h.key.Workspace)
	}
	return nil
}

// Invoke runs one turn through the bound executor. The workflow name and
// turn index are recorded in the request for backend-side auditing.
func (h *Handle) Invoke(ctx context.Context, workflow, prompt string, turn int) (string, error) {
	h.mu.Lock()
	h.invocations++
	h.lastUsed = time.Now()
	h.mu.Unlock()

	return h.exec.Invoke(ctx, InvokeRequest{
		Workflow:  workflow,
		Agent:     h.key.Agent,
		Type:      h.key.Type,
		Workspace: h.key.Workspace,
		Prompt:    prompt,
		Turn:      turn,
	})
}
