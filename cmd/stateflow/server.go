package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/BaSui01/stateflow/agent"
	"github.com/BaSui01/stateflow/api/handlers"
	"github.com/BaSui01/stateflow/config"
	"github.com/BaSui01/stateflow/events"
	"github.com/BaSui01/stateflow/internal/database"
	"github.com/BaSui01/stateflow/internal/metrics"
	"github.com/BaSui01/stateflow/internal/server"
	"github.com/BaSui01/stateflow/internal/telemetry"
	"github.com/BaSui01/stateflow/session"
	"github.com/BaSui01/stateflow/workflow"
	"github.com/BaSui01/stateflow/workflow/persistence"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 StateFlow 的主服务器：组装会话、HTTP API、
// 指标服务与定义热重载，并按依赖顺序优雅关闭。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 核心组件
	session *session.Session
	bus     *events.Bus
	store   persistence.RunStore
	pool    *database.PoolManager

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler   *handlers.HealthHandler
	workflowHandler *handlers.WorkflowHandler
	eventsHandler   *handlers.EventsHandler

	// 指标收集器
	metricsCollector *metrics.Collector
	statsLoop        *server.StatsLoop

	// 遥测
	telemetryProviders *telemetry.Providers

	// 定义目录监听
	definitionsWatcher *config.FileWatcher

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化遥测（失败不阻塞启动）
	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("telemetry init failed, continuing without tracing", zap.Error(err))
	} else {
		s.telemetryProviders = providers
	}

	// 2. 初始化指标收集器
	if s.cfg.Metrics.Enabled {
		s.metricsCollector = metrics.NewCollector(s.cfg.Metrics.Namespace, s.logger)
	}

	// 3. 初始化会话（运行归档、事件总线、执行器）
	if err := s.initSession(); err != nil {
		return fmt.Errorf("init session: %w", err)
	}

	// 4. 初始化 Handlers
	s.initHandlers()

	// 5. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}

	// 6. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		// 指标服务不可用不影响主链路
		s.logger.Error("metrics server failed to start, continuing", zap.Error(err))
	}

	// 7. 启动统计同步与定义目录监听
	s.startStatsLoop()
	if err := s.startDefinitionsWatcher(); err != nil {
		s.logger.Warn("definitions watcher failed to start, hot reload disabled", zap.Error(err))
	}

	s.logger.Info("all servers started",
		zap.String("http_addr", s.httpManager.ListenAddr()),
		zap.String("metrics_addr", s.cfg.Metrics.Addr),
		zap.Bool("metrics_enabled", s.cfg.Metrics.Enabled),
		zap.Bool("watch_definitions", s.cfg.Definitions.Watch),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initSession 按配置组装运行归档存储、事件总线、执行器后端与会话。
func (s *Server) initSession() error {
	// 运行归档存储。database 类型走共享连接池，
	// 其余类型由 persistence 工厂直接构建。
	var (
		store persistence.RunStore
		err   error
	)
	if s.cfg.Persistence.Type == persistence.StoreTypeDatabase {
		pool, perr := database.Open(s.cfg.Database.Connection(), s.logger)
		if perr != nil {
			return fmt.Errorf("open database: %w", perr)
		}
		dbStore, serr := persistence.NewDatabaseRunStore(pool.DB())
		if serr != nil {
			_ = pool.Close()
			return fmt.Errorf("create database run store: %w", serr)
		}
		if merr := dbStore.AutoMigrate(); merr != nil {
			_ = pool.Close()
			return fmt.Errorf("migrate run store schema: %w", merr)
		}
		s.pool = pool
		store = dbStore
	} else {
		store, err = persistence.NewRunStore(s.cfg.Persistence)
		if err != nil {
			return fmt.Errorf("create run store: %w", err)
		}
	}

	// 事件总线（可选 Redis 镜像）
	bus, err := events.NewBus(s.cfg.Events, s.logger)
	if err != nil {
		_ = store.Close()
		if s.pool != nil {
			_ = s.pool.Close()
		}
		return fmt.Errorf("create event bus: %w", err)
	}
	s.bus = bus

	if s.metricsCollector != nil {
		s.metricsCollector.ObserveBus(bus)
	}

	// 执行器后端
	exec, err := agent.NewExecutor(s.cfg.Executor, s.logger)
	if err != nil {
		_ = bus.Close()
		_ = store.Close()
		if s.pool != nil {
			_ = s.pool.Close()
		}
		return fmt.Errorf("create executor: %w", err)
	}

	renderer := workflow.NewRenderer(
		workflow.NewTiktokenCounter(s.cfg.Prompt.Model),
		s.cfg.Prompt.MaxTokens,
		s.logger,
	)

	opts := []session.Option{
		session.WithLogger(s.logger),
		session.WithWorkspace(s.cfg.Workspace),
		session.WithRenderer(renderer),
		session.WithRetryPolicy(&s.cfg.Retry),
		session.WithEvents(bus),
		// 存储所有权移交给会话，随会话一起关闭
		session.WithRunStore(store),
		session.WithMaxConcurrentRuns(s.cfg.Session.MaxConcurrentRuns),
		session.WithRunTimeout(s.cfg.Session.RunTimeout),
	}
	if !s.cfg.Session.SaveRuns {
		// 仍保留存储：/runs API 可以查询历史归档
		opts = append(opts, session.WithoutRunSaving())
	}
	if s.pool != nil {
		opts = append(opts, session.WithCloser(s.pool))
	}

	sess, err := session.New(s.cfg.Definitions.Dir, exec, opts...)
	if err != nil {
		_ = bus.Close()
		_ = store.Close()
		if s.pool != nil {
			_ = s.pool.Close()
		}
		return fmt.Errorf("create session: %w", err)
	}
	s.session = sess
	s.store = store

	return nil
}

// initHandlers 构建 API handler。
// Handlers 直接查询存储，会话只负责存储的生命周期。
func (s *Server) initHandlers() {
	s.workflowHandler = handlers.NewWorkflowHandler(s.session, s.store, s.logger)
	s.eventsHandler = handlers.NewEventsHandler(s.bus, s.cfg.CORS.AllowedOrigins, s.logger)

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewRunStoreHealthCheck(s.store.Ping))
	if s.pool != nil {
		s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck(s.pool.Ping))
	}
	if s.cfg.Events.Redis.Enabled {
		s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck(s.bus.Ping))
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查与版本端点
	// ========================================
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 工作流 API 路由
	// ========================================
	mux.HandleFunc("GET /api/v1/workflows", s.workflowHandler.HandleListWorkflows)
	mux.HandleFunc("POST /api/v1/workflows/{name}/run", s.workflowHandler.HandleRunWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{name}/cleanup", s.workflowHandler.HandleCleanup)
	mux.HandleFunc("GET /api/v1/session", s.workflowHandler.HandleSessionInfo)
	mux.HandleFunc("GET /api/v1/runs", s.workflowHandler.HandleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{run_id}", s.workflowHandler.HandleGetRun)

	// WebSocket 事件流
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler.HandleStream)

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
	}
	if s.metricsCollector != nil {
		middlewares = append(middlewares, MetricsMiddleware(s.metricsCollector))
	}
	if s.telemetryProviders != nil && s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	middlewares = append(middlewares, CORS(s.cfg.CORS.AllowedOrigins))

	jwtEnabled := s.cfg.Auth.Enabled && s.cfg.Auth.JWTSecret != ""
	if s.cfg.RateLimit.Enabled {
		rateLimiterCtx, cancel := context.WithCancel(context.Background())
		s.rateLimiterCancel = cancel
		if jwtEnabled {
			// JWT 注入了租户身份，按租户限流
			middlewares = append(middlewares, TenantRateLimiter(rateLimiterCtx, s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst, s.logger))
		} else {
			middlewares = append(middlewares, RateLimiter(rateLimiterCtx, s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst, s.logger))
		}
	}
	if s.cfg.Auth.Enabled {
		if jwtEnabled {
			middlewares = append(middlewares, JWTAuth(s.cfg.Auth.JWTSecret, s.cfg.Auth.JWTIssuer, skipAuthPaths, s.logger))
		} else {
			middlewares = append(middlewares, APIKeyAuth([]string{s.cfg.Auth.APIKey}, skipAuthPaths, s.cfg.Auth.AllowQueryKey, s.logger))
		}
	}

	handler := Chain(mux, middlewares...)

	s.httpManager = server.NewManager(handler, s.cfg.Server, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.String("addr", s.httpManager.ListenAddr()))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 在独立端口暴露 Prometheus 指标。
// 不经过认证与限流中间件：指标端口只应绑定内网。
func (s *Server) startMetricsServer() error {
	if !s.cfg.Metrics.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            s.cfg.Metrics.Addr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		s.metricsManager = nil
		return err
	}

	s.logger.Info("metrics server started", zap.String("addr", s.metricsManager.ListenAddr()))
	return nil
}

// startStatsLoop 周期性把缓存与连接池状态同步到指标。
func (s *Server) startStatsLoop() {
	if s.metricsCollector == nil {
		return
	}

	fns := []server.SyncFunc{
		func() {
			stats := s.session.AgentStats()
			s.metricsCollector.SyncAgentCache("session", stats.Active, stats.Hits, stats.Misses)
		},
	}
	if s.pool != nil {
		driver := s.cfg.Database.Driver
		fns = append(fns, func() {
			ps := s.pool.GetStats()
			s.metricsCollector.SyncDBConnections(driver, ps.OpenConnections, ps.Idle, ps.InUse)
		})
	}

	s.statsLoop = server.NewStatsLoop(30*time.Second, s.logger, fns...)
	s.statsLoop.Start()
}

// startDefinitionsWatcher 监听定义目录，文件变更时失效对应的定义缓存。
func (s *Server) startDefinitionsWatcher() error {
	if !s.cfg.Definitions.Watch {
		return nil
	}

	watcherOpts := []config.WatcherOption{config.WithWatcherLogger(s.logger)}
	if s.cfg.Definitions.PollInterval > 0 {
		watcherOpts = append(watcherOpts, config.WithPollInterval(s.cfg.Definitions.PollInterval))
	}

	watcher, err := config.NewFileWatcher([]string{s.cfg.Definitions.Dir}, watcherOpts...)
	if err != nil {
		return err
	}

	watcher.OnChange(func(event config.FileEvent) {
		name := strings.TrimSuffix(filepath.Base(event.Path), filepath.Ext(event.Path))
		invalidated := s.session.InvalidateDefinition(name)
		s.logger.Info("definition file changed",
			zap.String("path", event.Path),
			zap.String("op", string(event.Op)),
			zap.String("workflow", name),
			zap.Bool("invalidated", invalidated),
		)
	})

	if err := watcher.Start(context.Background()); err != nil {
		return err
	}
	s.definitionsWatcher = watcher

	s.logger.Info("watching definitions directory", zap.String("dir", s.cfg.Definitions.Dir))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// httpManager 监听 SIGINT/SIGTERM 并先关闭自身
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行剩余清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务。
// 顺序：先停新流量入口（监听、限流清理），再关会话（连带存储与连接池），
// 最后关总线与遥测。
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 1. 停止定义目录监听
	if s.definitionsWatcher != nil {
		if err := s.definitionsWatcher.Stop(); err != nil {
			s.logger.Error("definitions watcher shutdown error", zap.Error(err))
		}
	}

	// 2. 停止统计同步
	if s.statsLoop != nil {
		s.statsLoop.Stop()
	}

	// 3. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 4. 关闭 HTTP 服务器（幂等，WaitForShutdown 已关则直接返回）
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 5. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	// 6. 关闭会话：等待在途运行结束，连带关闭存储与连接池
	if s.session != nil {
		if err := s.session.Close(ctx); err != nil {
			s.logger.Error("session shutdown error", zap.Error(err))
		}
	}

	// 7. 关闭事件总线
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Error("event bus shutdown error", zap.Error(err))
		}
	}

	// 8. 关闭遥测
	if s.telemetryProviders != nil {
		if err := s.telemetryProviders.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
