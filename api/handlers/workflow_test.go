package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/stateflow/agent"
	"github.com/BaSui01/stateflow/retry"
	"github.com/BaSui01/stateflow/session"
	"github.com/BaSui01/stateflow/types"
	"github.com/BaSui01/stateflow/workflow"
	"github.com/BaSui01/stateflow/workflow/persistence"
	"github.com/BaSui01/stateflow/workspace"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

const digestYAML = `
name: digest
max_turns: 4
agents:
  - name: scribe
    type: worker_agent
states:
  - name: compose
    agent: scribe
    is_start: true
    prompt: "compose the digest"
exit_conditions:
  - when: done
    action: force_end
`

const bulletinYAML = `
name: bulletin
max_turns: 4
agents:
  - name: editor
    type: worker_agent
states:
  - name: edit
    agent: editor
    is_start: true
    prompt: "edit the bulletin"
exit_conditions:
  - when: done
    action: force_end
`

// agentOutput 构造带决策块的 Agent 输出
func agentOutput(content string, decisions map[string]any) string {
	data, err := json.Marshal(map[string]any{"content": content, "decisions": decisions})
	if err != nil {
		panic(err)
	}
	return string(data)
}

// doneBackend 每次调用都声明 done 事实，单轮即终止
func doneBackend() agent.Executor {
	return agent.ExecutorFunc(func(_ context.Context, req agent.InvokeRequest) (string, error) {
		return agentOutput("finished "+req.Agent, map[string]any{"done": true}), nil
	})
}

// stallingBackend 阻塞每次调用直到放行，用于制造运行中状态
type stallingBackend struct {
	started chan string
	release chan struct{}
}

func newStallingBackend() *stallingBackend {
	return &stallingBackend{
		started: make(chan string, 8),
		release: make(chan struct{}),
	}
}

func (b *stallingBackend) Invoke(ctx context.Context, req agent.InvokeRequest) (string, error) {
	b.started <- req.Agent
	select {
	case <-b.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return agentOutput("finished "+req.Agent, map[string]any{"done": true}), nil
}

func fastRetry() *retry.Policy {
	return &retry.Policy{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// newWorkflowHandler 启动一个真实会话并返回覆盖它的处理器。
// store 为 nil 时运行持久化关闭，运行记录端点返回 404。
func newWorkflowHandler(t *testing.T, exec agent.Executor, store persistence.RunStore, defs map[string]string) *WorkflowHandler {
	t.Helper()

	defsDir := t.TempDir()
	for filename, body := range defs {
		require.NoError(t, os.WriteFile(filepath.Join(defsDir, filename), []byte(body), 0o644))
	}

	logger := zaptest.NewLogger(t)
	opts := []session.Option{
		session.WithLogger(logger),
		session.WithWorkspace(workspace.Config{BaseDir: t.TempDir()}),
		session.WithRetryPolicy(fastRetry()),
	}
	if store != nil {
		opts = append(opts, session.WithRunStore(store))
	}

	sess, err := session.New(defsDir, exec, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, sess.Close(ctx))
	})

	return NewWorkflowHandler(sess, store, logger)
}

// runRequest 构造带路径参数的运行请求
func runRequest(name string, body []byte) *http.Request {
	var r *http.Request
	if body == nil {
		r = httptest.NewRequest(http.MethodPost, "/api/v1/workflows/"+name+"/run", nil)
	} else {
		r = httptest.NewRequest(http.MethodPost, "/api/v1/workflows/"+name+"/run", bytes.NewReader(body))
	}
	r.SetPathValue("name", name)
	return r
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder, data any) Response {
	t.Helper()
	raw := struct {
		Success   bool            `json:"success"`
		Data      json.RawMessage `json:"data"`
		Error     *ErrorInfo      `json:"error"`
		Timestamp time.Time       `json:"timestamp"`
	}{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&raw))
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return Response{Success: raw.Success, Error: raw.Error, Timestamp: raw.Timestamp}
}

// =============================================================================
// 🧪 WorkflowHandler 测试
// =============================================================================

func TestWorkflowHandler_HandleListWorkflows(t *testing.T) {
	h := newWorkflowHandler(t, doneBackend(), nil, map[string]string{
		"digest.yaml":   digestYAML,
		"bulletin.yaml": bulletinYAML,
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)

	h.HandleListWorkflows(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var list WorkflowListResponse
	resp := decodeEnvelope(t, w, &list)
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"bulletin", "digest"}, list.Workflows)
	assert.Equal(t, 2, list.Count)
}

func TestWorkflowHandler_HandleRunWorkflow(t *testing.T) {
	h := newWorkflowHandler(t, doneBackend(), nil, map[string]string{"digest.yaml": digestYAML})

	// 无请求体：按默认参数运行
	w := httptest.NewRecorder()
	h.HandleRunWorkflow(w, runRequest("digest", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var result workflow.Result
	resp := decodeEnvelope(t, w, &result)
	assert.True(t, resp.Success)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.TotalTurns)
	assert.Equal(t, []string{"scribe"}, result.AgentsUsed)
	assert.Equal(t, workflow.ReasonExitCondition, result.Metadata.TerminationReason)
	require.NotNil(t, result.Metadata.History)
	assert.NotEmpty(t, result.Metadata.History.RunID)
}

func TestWorkflowHandler_RunWithBody(t *testing.T) {
	h := newWorkflowHandler(t, doneBackend(), nil, map[string]string{"digest.yaml": digestYAML})

	body, err := json.Marshal(RunRequest{InitialMessage: "cover the outage postmortem"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.HandleRunWorkflow(w, runRequest("digest", body))

	require.Equal(t, http.StatusOK, w.Code)

	var result workflow.Result
	decodeEnvelope(t, w, &result)
	assert.True(t, result.Success)
}

func TestWorkflowHandler_RunPathFallback(t *testing.T) {
	h := newWorkflowHandler(t, doneBackend(), nil, map[string]string{"digest.yaml": digestYAML})

	// 不经路由器直连时从 URL 前缀提取名称
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/digest/run", nil)
	h.HandleRunWorkflow(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWorkflowHandler_RunUnknownWorkflow(t *testing.T) {
	h := newWorkflowHandler(t, doneBackend(), nil, map[string]string{"digest.yaml": digestYAML})

	w := httptest.NewRecorder()
	h.HandleRunWorkflow(w, runRequest("ghost", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)

	resp := decodeEnvelope(t, w, nil)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrNotFound), resp.Error.Code)
}

func TestWorkflowHandler_RunMissingName(t *testing.T) {
	h := newWorkflowHandler(t, doneBackend(), nil, map[string]string{"digest.yaml": digestYAML})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/unrelated/path", nil)
	h.HandleRunWorkflow(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	resp := decodeEnvelope(t, w, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrInvalidRequest), resp.Error.Code)
}

func TestWorkflowHandler_RunRejectsBadBody(t *testing.T) {
	h := newWorkflowHandler(t, doneBackend(), nil, map[string]string{"digest.yaml": digestYAML})

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed JSON", body: `{"continue":`},
		{name: "unknown field", body: `{"resume": true}`},
		{name: "wrong type", body: `{"continue": "yes"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.HandleRunWorkflow(w, runRequest("digest", []byte(tt.body)))

			assert.Equal(t, http.StatusBadRequest, w.Code)

			resp := decodeEnvelope(t, w, nil)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(types.ErrInvalidRequest), resp.Error.Code)
		})
	}
}

func TestWorkflowHandler_RunConflict(t *testing.T) {
	backend := newStallingBackend()
	h := newWorkflowHandler(t, backend, nil, map[string]string{"digest.yaml": digestYAML})

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		w := httptest.NewRecorder()
		h.HandleRunWorkflow(w, runRequest("digest", nil))
		firstDone <- w
	}()

	select {
	case <-backend.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the executor")
	}

	// 同名工作流运行中，第二个请求拿到 409 冲突哨兵
	w := httptest.NewRecorder()
	h.HandleRunWorkflow(w, runRequest("digest", nil))

	assert.Equal(t, http.StatusConflict, w.Code)

	var sentinel workflow.Result
	resp := decodeEnvelope(t, w, &sentinel)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrWorkflowConflict), resp.Error.Code)
	assert.False(t, sentinel.Success)
	require.NotEmpty(t, sentinel.Metadata.Errors)
	assert.Equal(t, types.ErrWorkflowConflict, sentinel.Metadata.Errors[0].Code)

	close(backend.release)

	select {
	case first := <-firstDone:
		assert.Equal(t, http.StatusOK, first.Code)
		var result workflow.Result
		decodeEnvelope(t, first, &result)
		assert.True(t, result.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("first run never finished")
	}
}

func TestWorkflowHandler_HandleSessionInfo(t *testing.T) {
	h := newWorkflowHandler(t, doneBackend(), nil, map[string]string{"digest.yaml": digestYAML})

	w := httptest.NewRecorder()
	h.HandleRunWorkflow(w, runRequest("digest", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.HandleSessionInfo(w, httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var info session.Info
	resp := decodeEnvelope(t, w, &info)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, info.SessionID)
	assert.Equal(t, uint64(1), info.TotalRuns)
	assert.Equal(t, 0, info.ActiveRuns)
	assert.Equal(t, []string{"digest"}, info.ActiveWorkflows)
}

func TestWorkflowHandler_HandleCleanup(t *testing.T) {
	h := newWorkflowHandler(t, doneBackend(), nil, map[string]string{"digest.yaml": digestYAML})

	w := httptest.NewRecorder()
	h.HandleRunWorkflow(w, runRequest("digest", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/digest/cleanup", nil)
	r.SetPathValue("name", "digest")
	h.HandleCleanup(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var cleaned CleanupResponse
	resp := decodeEnvelope(t, w, &cleaned)
	assert.True(t, resp.Success)
	assert.Equal(t, "digest", cleaned.Workflow)
	assert.True(t, cleaned.Cleaned)
}

func TestWorkflowHandler_CleanupWhileRunning(t *testing.T) {
	backend := newStallingBackend()
	h := newWorkflowHandler(t, backend, nil, map[string]string{"digest.yaml": digestYAML})

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		w := httptest.NewRecorder()
		h.HandleRunWorkflow(w, runRequest("digest", nil))
	}()

	select {
	case <-backend.started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached the executor")
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/digest/cleanup", nil)
	r.SetPathValue("name", "digest")
	h.HandleCleanup(w, r)

	assert.Equal(t, http.StatusConflict, w.Code)

	resp := decodeEnvelope(t, w, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrWorkflowConflict), resp.Error.Code)

	close(backend.release)
	<-firstDone
}

// =============================================================================
// 🧪 运行记录端点测试
// =============================================================================

func TestWorkflowHandler_HandleListRuns(t *testing.T) {
	store := persistence.NewMemoryRunStore(persistence.DefaultConfig())
	h := newWorkflowHandler(t, doneBackend(), store, map[string]string{
		"digest.yaml":   digestYAML,
		"bulletin.yaml": bulletinYAML,
	})

	for _, name := range []string{"digest", "bulletin"} {
		w := httptest.NewRecorder()
		h.HandleRunWorkflow(w, runRequest(name, nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	h.HandleListRuns(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var runs []persistence.RunRecord
	resp := decodeEnvelope(t, w, &runs)
	assert.True(t, resp.Success)
	require.Len(t, runs, 2)
	// 按开始时间倒序
	assert.Equal(t, "bulletin", runs[0].Workflow)
	assert.Equal(t, "digest", runs[1].Workflow)

	// 按工作流过滤
	w = httptest.NewRecorder()
	h.HandleListRuns(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs?workflow=digest", nil))
	require.Equal(t, http.StatusOK, w.Code)
	runs = nil
	decodeEnvelope(t, w, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "digest", runs[0].Workflow)

	// 按成功标记过滤
	w = httptest.NewRecorder()
	h.HandleListRuns(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs?success=false", nil))
	require.Equal(t, http.StatusOK, w.Code)
	runs = nil
	decodeEnvelope(t, w, &runs)
	assert.Empty(t, runs)

	// 分页
	w = httptest.NewRecorder()
	h.HandleListRuns(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=1&offset=1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	runs = nil
	decodeEnvelope(t, w, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "digest", runs[0].Workflow)
}

func TestWorkflowHandler_ListRunsRejectsBadQuery(t *testing.T) {
	store := persistence.NewMemoryRunStore(persistence.DefaultConfig())
	h := newWorkflowHandler(t, doneBackend(), store, map[string]string{"digest.yaml": digestYAML})

	for _, target := range []string{
		"/api/v1/runs?success=maybe",
		"/api/v1/runs?limit=ten",
		"/api/v1/runs?offset=-1",
	} {
		w := httptest.NewRecorder()
		h.HandleListRuns(w, httptest.NewRequest(http.MethodGet, target, nil))

		assert.Equal(t, http.StatusBadRequest, w.Code, "query %s", target)

		resp := decodeEnvelope(t, w, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, string(types.ErrInvalidRequest), resp.Error.Code)
	}
}

func TestWorkflowHandler_HandleGetRun(t *testing.T) {
	store := persistence.NewMemoryRunStore(persistence.DefaultConfig())
	h := newWorkflowHandler(t, doneBackend(), store, map[string]string{"digest.yaml": digestYAML})

	w := httptest.NewRecorder()
	h.HandleRunWorkflow(w, runRequest("digest", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var result workflow.Result
	decodeEnvelope(t, w, &result)
	require.NotNil(t, result.Metadata.History)
	runID := result.Metadata.History.RunID

	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+runID, nil)
	r.SetPathValue("run_id", runID)
	h.HandleGetRun(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var rec persistence.RunRecord
	resp := decodeEnvelope(t, w, &rec)
	assert.True(t, resp.Success)
	assert.Equal(t, runID, rec.RunID)
	assert.Equal(t, "digest", rec.Workflow)
	assert.True(t, rec.Success)
	assert.Equal(t, 1, rec.TotalTurns)
}

func TestWorkflowHandler_GetRunNotFound(t *testing.T) {
	store := persistence.NewMemoryRunStore(persistence.DefaultConfig())
	h := newWorkflowHandler(t, doneBackend(), store, map[string]string{"digest.yaml": digestYAML})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/runs/no-such-run", nil)
	r.SetPathValue("run_id", "no-such-run")
	h.HandleGetRun(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)

	resp := decodeEnvelope(t, w, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrNotFound), resp.Error.Code)
}

func TestWorkflowHandler_RunEndpointsWithoutStore(t *testing.T) {
	h := newWorkflowHandler(t, doneBackend(), nil, map[string]string{"digest.yaml": digestYAML})

	w := httptest.NewRecorder()
	h.HandleListRuns(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/runs/some-id", nil)
	r.SetPathValue("run_id", "some-id")
	h.HandleGetRun(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
