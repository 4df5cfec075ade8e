package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/stateflow/session"
	"github.com/BaSui01/stateflow/types"
	"github.com/BaSui01/stateflow/workflow"
	"github.com/BaSui01/stateflow/workflow/persistence"
	"go.uber.org/zap"
)

// =============================================================================
// 🔄 工作流 Handler
// =============================================================================

// WorkflowHandler 工作流运行处理器，把 HTTP 请求转发给常驻会话
type WorkflowHandler struct {
	session *session.Session
	store   persistence.RunStore // 可为 nil：未启用运行持久化
	logger  *zap.Logger
}

// NewWorkflowHandler 创建工作流处理器
func NewWorkflowHandler(sess *session.Session, store persistence.RunStore, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		session: sess,
		store:   store,
		logger:  logger,
	}
}

// RunRequest 触发一次工作流运行的请求体
type RunRequest struct {
	// 续跑：沿用上一次运行的执行记录与轮次计数
	Continue bool `json:"continue,omitempty"`
	// 注入首轮提示的初始消息，覆盖定义中的 initial_message
	InitialMessage string `json:"initial_message,omitempty"`
}

// CleanupResponse 工作流清理结果
type CleanupResponse struct {
	Workflow string `json:"workflow"`
	Cleaned  bool   `json:"cleaned"`
}

// WorkflowListResponse 工作流列表
type WorkflowListResponse struct {
	Workflows []string `json:"workflows"`
	Count     int      `json:"count"`
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleListWorkflows 列出定义目录中的全部工作流
// @Summary 工作流列表
// @Description 返回定义目录中所有可运行的工作流名称
// @Tags 工作流
// @Produce json
// @Success 200 {object} Response{data=WorkflowListResponse} "工作流列表"
// @Security ApiKeyAuth
// @Router /api/v1/workflows [get]
func (h *WorkflowHandler) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	names, err := h.session.ListWorkflows()
	if err != nil {
		h.writeError(w, err)
		return
	}

	WriteSuccess(w, WorkflowListResponse{
		Workflows: names,
		Count:     len(names),
	})
}

// HandleRunWorkflow 运行指定工作流直到终止
// @Summary 运行工作流
// @Description 按名称运行一个工作流，阻塞至运行终止并返回完整结果
// @Tags 工作流
// @Accept json
// @Produce json
// @Param name path string true "工作流名称"
// @Param request body RunRequest false "运行参数"
// @Success 200 {object} Response{data=workflow.Result} "运行结果（含失败终止）"
// @Failure 404 {object} Response "工作流不存在"
// @Failure 409 {object} Response "同名工作流正在运行"
// @Failure 422 {object} Response "工作流定义无法通过校验"
// @Security ApiKeyAuth
// @Router /api/v1/workflows/{name}/run [post]
func (h *WorkflowHandler) HandleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	name := pathSegment(r, "name", "/api/v1/workflows/")
	if name == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "workflow name is required", h.logger)
		return
	}

	// 请求体可省略，省略时按默认参数运行
	var req RunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}

	result, err := h.session.Run(r.Context(), name, workflow.RunOptions{
		Continue:       req.Continue,
		InitialMessage: req.InitialMessage,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	// 同名工作流正在运行时结果是冲突哨兵而非一次真实运行，用 409 区分
	if entries := result.Metadata.Errors; len(entries) > 0 && entries[0].Code == types.ErrWorkflowConflict {
		WriteJSON(w, http.StatusConflict, Response{
			Success: false,
			Data:    result,
			Error: &ErrorInfo{
				Code:    string(types.ErrWorkflowConflict),
				Message: entries[0].Message,
			},
			Timestamp: time.Now(),
		})
		return
	}

	WriteSuccess(w, result)
}

// HandleSessionInfo 返回会话运行时快照
// @Summary 会话信息
// @Description 返回会话 ID、启动时间、活跃运行与 Agent 缓存统计
// @Tags 工作流
// @Produce json
// @Success 200 {object} Response{data=session.Info} "会话信息"
// @Security ApiKeyAuth
// @Router /api/v1/session [get]
func (h *WorkflowHandler) HandleSessionInfo(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.session.Info())
}

// HandleCleanup 释放一个工作流的缓存实例与 Agent 句柄
// @Summary 清理工作流
// @Description 释放缓存的状态机与 Agent 句柄；磁盘上的工作区保持不变
// @Tags 工作流
// @Produce json
// @Param name path string true "工作流名称"
// @Success 200 {object} Response{data=CleanupResponse} "清理完成"
// @Failure 409 {object} Response "工作流正在运行"
// @Security ApiKeyAuth
// @Router /api/v1/workflows/{name}/cleanup [post]
func (h *WorkflowHandler) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	name := pathSegment(r, "name", "/api/v1/workflows/")
	if name == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "workflow name is required", h.logger)
		return
	}

	if err := h.session.Cleanup(r.Context(), name); err != nil {
		h.writeError(w, err)
		return
	}

	WriteSuccess(w, CleanupResponse{
		Workflow: name,
		Cleaned:  true,
	})
}

// HandleListRuns 按过滤条件列出已保存的运行记录
// @Summary 运行记录列表
// @Description 按工作流名称、成功标记分页列出已保存的运行，按开始时间倒序
// @Tags 运行记录
// @Produce json
// @Param workflow query string false "按工作流名称过滤"
// @Param success query bool false "按成功标记过滤"
// @Param limit query int false "返回条数上限"
// @Param offset query int false "跳过条数"
// @Success 200 {object} Response{data=[]persistence.RunRecord} "运行记录"
// @Failure 404 {object} Response "运行持久化未启用"
// @Security ApiKeyAuth
// @Router /api/v1/runs [get]
func (h *WorkflowHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "run persistence is not enabled", h.logger)
		return
	}

	filter, err := runFilterFromQuery(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	runs, listErr := h.store.ListRuns(r.Context(), filter)
	if listErr != nil {
		h.writeStoreError(w, listErr)
		return
	}

	WriteSuccess(w, runs)
}

// HandleGetRun 按 ID 返回单条运行记录
// @Summary 运行记录详情
// @Description 按运行 ID 返回完整的运行记录，含逐轮历史
// @Tags 运行记录
// @Produce json
// @Param run_id path string true "运行 ID"
// @Success 200 {object} Response{data=persistence.RunRecord} "运行记录"
// @Failure 404 {object} Response "运行不存在"
// @Security ApiKeyAuth
// @Router /api/v1/runs/{run_id} [get]
func (h *WorkflowHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "run persistence is not enabled", h.logger)
		return
	}

	runID := pathSegment(r, "run_id", "/api/v1/runs/")
	if runID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "run ID is required", h.logger)
		return
	}

	rec, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	WriteSuccess(w, rec)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// writeError 把任意错误转成统一错误响应
func (h *WorkflowHandler) writeError(w http.ResponseWriter, err error) {
	if typed, ok := types.AsError(err); ok {
		WriteError(w, typed, h.logger)
		return
	}
	WriteError(w, types.NewError(types.ErrInternalError, err.Error()), h.logger)
}

// writeStoreError 翻译运行存储的哨兵错误
func (h *WorkflowHandler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "run not found", h.logger)
	case errors.Is(err, persistence.ErrStoreClosed):
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrStoreFailure, "run store is closed", h.logger)
	default:
		WriteError(w, types.NewError(types.ErrStoreFailure, "run store query failed").WithCause(err), h.logger)
	}
}

// runFilterFromQuery 从查询参数构造运行记录过滤器
func runFilterFromQuery(r *http.Request) (persistence.Filter, *types.Error) {
	query := r.URL.Query()
	filter := persistence.Filter{
		Workflow: query.Get("workflow"),
	}

	if raw := query.Get("success"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, types.NewErrorf(types.ErrInvalidRequest, "invalid success filter %q", raw).
				WithHTTPStatus(http.StatusBadRequest)
		}
		filter.Success = &v
	}

	for param, field := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := query.Get(param)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return filter, types.NewErrorf(types.ErrInvalidRequest, "invalid %s %q", param, raw).
				WithHTTPStatus(http.StatusBadRequest)
		}
		*field = v
	}

	return filter, nil
}

// pathSegment 从 URL 路径中提取一个参数。
// 优先使用 Go 1.22+ 的 PathValue，退化到前缀裁剪以便无路由器直连。
func pathSegment(r *http.Request, key, prefix string) string {
	if v := r.PathValue(key); v != "" {
		return v
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if rest == r.URL.Path {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
