// =============================================================================
// 🤖 Executor 测试替身
// =============================================================================
// 提供工作流测试用的 agent.Executor 假实现：脚本化输出、调用计数、
// 失败注入。所有替身都并发安全。
//
// 使用方法:
//
//	exec := testutil.NewScriptedExecutor().
//	    Script("scribe", testutil.DoneOutput("draft ready"))
// =============================================================================
package testutil

import (
	"context"
	"sync"

	"github.com/BaSui01/stateflow/agent"
	"github.com/BaSui01/stateflow/types"
)

// =============================================================================
// 📜 ScriptedExecutor — 按 Agent 名回放脚本输出
// =============================================================================

// ScriptedExecutor 按 Agent 名回放预先写好的输出序列。脚本耗尽后
// 重复最后一条，未编排脚本的 Agent 返回声明 done 的默认输出。
type ScriptedExecutor struct {
	mu       sync.Mutex
	scripts  map[string][]string
	cursor   map[string]int
	requests []agent.InvokeRequest
}

var _ agent.Executor = (*ScriptedExecutor)(nil)

// NewScriptedExecutor 创建空脚本的执行器
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{
		scripts: make(map[string][]string),
		cursor:  make(map[string]int),
	}
}

// Script 为一个 Agent 追加输出序列，返回自身便于链式调用
func (e *ScriptedExecutor) Script(agentName string, outputs ...string) *ScriptedExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[agentName] = append(e.scripts[agentName], outputs...)
	return e
}

// Invoke 实现 agent.Executor
func (e *ScriptedExecutor) Invoke(ctx context.Context, req agent.InvokeRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)

	script, ok := e.scripts[req.Agent]
	if !ok || len(script) == 0 {
		return DoneOutput("finished " + req.Agent), nil
	}

	i := e.cursor[req.Agent]
	if i >= len(script) {
		i = len(script) - 1
	} else {
		e.cursor[req.Agent]++
	}
	return script[i], nil
}

// Requests 返回到目前为止收到的所有调用请求快照
func (e *ScriptedExecutor) Requests() []agent.InvokeRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]agent.InvokeRequest, len(e.requests))
	copy(out, e.requests)
	return out
}

// Invocations 返回指定 Agent 被调用的次数
func (e *ScriptedExecutor) Invocations(agentName string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, req := range e.requests {
		if req.Agent == agentName {
			n++
		}
	}
	return n
}

// =============================================================================
// 🔢 CountingExecutor — 包装计数
// =============================================================================

// CountingExecutor 包装另一个执行器并统计调用次数
type CountingExecutor struct {
	mu    sync.Mutex
	inner agent.Executor
	count int
}

var _ agent.Executor = (*CountingExecutor)(nil)

// NewCountingExecutor 包装 inner 执行器
func NewCountingExecutor(inner agent.Executor) *CountingExecutor {
	return &CountingExecutor{inner: inner}
}

// Invoke 实现 agent.Executor
func (e *CountingExecutor) Invoke(ctx context.Context, req agent.InvokeRequest) (string, error) {
	e.mu.Lock()
	e.count++
	e.mu.Unlock()
	return e.inner.Invoke(ctx, req)
}

// Count 返回累计调用次数
func (e *CountingExecutor) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// =============================================================================
// 💥 FlakyExecutor — 失败注入
// =============================================================================

// FlakyExecutor 前 failures 次调用返回错误，之后委托给 inner。
// 默认错误分类为瞬态，用于驱动重试路径：瞬时失败后恢复。
type FlakyExecutor struct {
	mu       sync.Mutex
	inner    agent.Executor
	failures int
	calls    int
	err      error
}

var _ agent.Executor = (*FlakyExecutor)(nil)

// NewFlakyExecutor 创建前 failures 次调用都失败的执行器
func NewFlakyExecutor(inner agent.Executor, failures int) *FlakyExecutor {
	return &FlakyExecutor{
		inner:    inner,
		failures: failures,
		err:      types.NewError(types.ErrAgentUnavailable, "injected backend failure"),
	}
}

// WithError 覆盖注入的错误
func (e *FlakyExecutor) WithError(err error) *FlakyExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
	return e
}

// Invoke 实现 agent.Executor
func (e *FlakyExecutor) Invoke(ctx context.Context, req agent.InvokeRequest) (string, error) {
	e.mu.Lock()
	e.calls++
	shouldFail := e.calls <= e.failures
	err := e.err
	e.mu.Unlock()

	if shouldFail {
		return "", err
	}
	return e.inner.Invoke(ctx, req)
}

// Calls 返回包含失败在内的累计调用次数
func (e *FlakyExecutor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
