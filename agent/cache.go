package agent

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/stateflow/types"
)

// Cache is a keyed pool of live agent handles. Construction is expensive
// (cold-start initialization of the backend session), so handles are built
// once per key and reused across turns and across runs for the lifetime of
// the owning session. There is no eviction policy: entries leave the pool
// only through Invalidate, a failed liveness check, or Close.
//
// Concurrent GetOrCreate calls for the same key are coalesced: the first
// caller constructs and publishes the handle, the others wait on that same
// construction and receive the published handle.
type Cache struct {
	exec   Executor
	logger *zap.Logger

	// OnEviction, if set, observes stale-handle evictions. The substitution
	// of a fresh handle for a stale one is non-fatal and invisible to the
	// caller of GetOrCreate; this hook is how it surfaces.
	OnEviction func(key Key, reason string)

	group singleflight.Group

	mu      sync.RWMutex
	handles map[Key]*Handle
	closed  bool

	hits           uint64
	misses         uint64
	staleEvictions uint64
}

// Stats reports cache occupancy and hit counters.
type Stats struct {
	Active         int            `json:"active"`
	Hits           uint64         `json:"hits"`
	Misses         uint64         `json:"misses"`
	StaleEvictions uint64         `json:"stale_evictions"`
	ByAgent        map[string]int `json:"by_agent"`
}

// NewCache creates an agent cache backed by the given executor.
func NewCache(exec Executor, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		exec:    exec,
		logger:  logger.With(zap.String("component", "agent_cache")),
		handles: make(map[Key]*Handle),
	}
}

// GetOrCreate returns the live handle for key, constructing it if absent.
// A cache hit is validated against the underlying workspace; a stale hit is
// evicted and rebuilt transparently.
func (c *Cache) GetOrCreate(ctx context.Context, key Key) (*Handle, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, types.NewError(types.ErrSessionClosed, "agent cache is closed")
	}
	h, ok := c.handles[key]
	c.mu.RUnlock()

	if ok {
		if err := h.Validate(); err == nil {
			c.mu.Lock()
			c.hits++
			c.mu.Unlock()
			c.logger.Debug("reusing cached agent handle", zap.String("key", key.String()))
			return h, nil
		}
		c.evictStale(key, h)
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		// Another waiter on this flight may have already published.
		c.mu.RLock()
		existing, found := c.handles[key]
		c.mu.RUnlock()
		if found {
			return existing, nil
		}
		return c.buildHandle(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// buildHandle performs the cold-start construction for key. It repairs a
// missing workspace directory so that a stale eviction is followed by a
// working replacement rather than a hard failure.
func (c *Cache) buildHandle(ctx context.Context, key Key) (*Handle, error) {
	if err := os.MkdirAll(key.Workspace, 0o755); err != nil {
		return nil, types.NewErrorf(types.ErrAgentUnavailable,
			"failed to prepare agent workspace %s", key.Workspace).WithCause(err)
	}

	if lc, ok := c.exec.(Lifecycle); ok {
		if err := lc.InitAgent(ctx, key); err != nil {
			return nil, types.NewErrorf(types.ErrAgentUnavailable,
				"agent initialization failed for %s", key.String()).WithCause(err)
		}
	}

	h := newHandle(key, c.exec)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.teardown(key)
		return nil, types.NewError(types.ErrSessionClosed, "agent cache is closed")
	}
	c.handles[key] = h
	c.misses++
	c.mu.Unlock()

	c.logger.Info("agent handle created",
		zap.String("agent", key.Agent),
		zap.String("type", key.Type),
		zap.String("workspace", key.Workspace),
	)
	return h, nil
}

// evictStale removes a handle whose workspace vanished. The removal is
// recorded as a non-fatal event; the caller proceeds to rebuild.
func (c *Cache) evictStale(key Key, stale *Handle) {
	c.mu.Lock()
	if current, ok := c.handles[key]; ok && current == stale {
		delete(c.handles, key)
		c.staleEvictions++
	}
	c.mu.Unlock()

	c.teardown(key)
	c.logger.Warn("stale agent handle evicted",
		zap.String("key", key.String()),
		zap.String("reason", "workspace_missing"),
	)
	if c.OnEviction != nil {
		c.OnEviction(key, "workspace_missing")
	}
}

// Invalidate removes the handle for key, releasing backend resources.
// It reports whether a handle was present.
func (c *Cache) Invalidate(key Key) bool {
	c.mu.Lock()
	_, ok := c.handles[key]
	if ok {
		delete(c.handles, key)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	c.teardown(key)
	c.logger.Info("agent handle invalidated", zap.String("key", key.String()))
	return true
}

// InvalidateWorkspace removes every handle whose workspace lives under
// root, returning the number evicted. Session cleanup uses this to release
// all agents of one workflow, whose workspaces share a common root.
func (c *Cache) InvalidateWorkspace(root string) int {
	c.mu.Lock()
	var evicted []Key
	for key := range c.handles {
		if key.Workspace == root || strings.HasPrefix(key.Workspace, root+string(os.PathSeparator)) {
			evicted = append(evicted, key)
		}
	}
	for _, key := range evicted {
		delete(c.handles, key)
	}
	c.mu.Unlock()

	for _, key := range evicted {
		c.teardown(key)
	}
	if len(evicted) > 0 {
		c.logger.Info("agent handles invalidated for workspace",
			zap.String("root", root),
			zap.Int("count", len(evicted)),
		)
	}
	return len(evicted)
}

// ListActive returns the keys of all live handles in deterministic order.
func (c *Cache) ListActive() []Key {
	c.mu.RLock()
	keys := make([]Key, 0, len(c.handles))
	for key := range c.handles {
		keys = append(keys, key)
	}
	c.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// GetStats returns a snapshot of cache counters and occupancy.
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byAgent := make(map[string]int, len(c.handles))
	for key := range c.handles {
		byAgent[key.Agent]++
	}
	return Stats{
		Active:         len(c.handles),
		Hits:           c.hits,
		Misses:         c.misses,
		StaleEvictions: c.staleEvictions,
		ByAgent:        byAgent,
	}
}

// Close releases every handle and rejects further use. Calling Close twice
// is a no-op the second time.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	keys := make([]Key, 0, len(c.handles))
	for key := range c.handles {
		keys = append(keys, key)
	}
	c.handles = make(map[Key]*Handle)
	c.mu.Unlock()

	for _, key := range keys {
		c.teardown(key)
	}
	c.logger.Info("agent cache closed", zap.Int("released", len(keys)))
	return nil
}

func (c *Cache) teardown(key Key) {
	lc, ok := c.exec.(Lifecycle)
	if !ok {
		return
	}
	if err := lc.TeardownAgent(key); err != nil {
		c.logger.Warn("agent teardown failed",
			zap.String("key", key.String()),
			zap.Error(err),
		)
	}
}
