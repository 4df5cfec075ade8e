// =============================================================================
// StateFlow 主入口
// =============================================================================
// 完整服务入口点，包含 HTTP 服务、WebSocket 事件流、健康检查、Prometheus 指标
//
// 使用方法:
//
//	stateflow serve                        # 启动服务
//	stateflow serve --config config.yaml   # 指定配置文件
//	stateflow run digest                   # 本地执行一次工作流
//	stateflow list                         # 列出并校验工作流定义
//	stateflow info                         # 查询运行中服务的会话信息
//	stateflow cleanup digest               # 释放服务端缓存的工作流实例
//	stateflow version                      # 显示版本信息
//	stateflow health                       # 健康检查
//	stateflow migrate up                   # 运行数据库迁移
//	stateflow migrate status               # 查看迁移状态
// =============================================================================

// @title StateFlow API
// @version 1.0.0
// @description StateFlow is a turn-based workflow execution engine that drives
// @description coding agents through declarative YAML state machines.
// @description
// @description ## Features
// @description - Declarative workflow definitions with states, transitions and exit conditions
// @description - Agent handle cache with persistent per-agent workspaces
// @description - Run archival (memory, file, Redis, database backends)
// @description - WebSocket event stream, health monitoring and metrics

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description API key for authentication

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/stateflow/agent"
	"github.com/BaSui01/stateflow/config"
	"github.com/BaSui01/stateflow/session"
	"github.com/BaSui01/stateflow/workflow"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "run":
		runWorkflow(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "info":
		runInfo(os.Args[2:])
	case "cleanup":
		runCleanup(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting StateFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	server := NewServer(cfg, logger)
	if err := server.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	server.WaitForShutdown()

	logger.Info("StateFlow stopped")
}

// =============================================================================
// 🏃 run 命令（本地一次性执行）
// =============================================================================

// runWorkflow 在本地进程内执行一次工作流，不经过 HTTP 服务。
// 适合 CI 流水线和开发调试：退出码即运行结果。
func runWorkflow(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	message := fs.String("message", "", "Override the definition's initial message")
	resume := fs.Bool("continue", false, "Resume from the previous run's state")
	jsonOut := fs.Bool("json", false, "Print the full result as JSON")
	fs.Parse(args)

	name := fs.Arg(0)
	if name == "" {
		fmt.Fprintln(os.Stderr, "Usage: stateflow run [options] <workflow>")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	exec, err := agent.NewExecutor(cfg.Executor, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Executor not usable: %v\n", err)
		os.Exit(1)
	}

	renderer := workflow.NewRenderer(
		workflow.NewTiktokenCounter(cfg.Prompt.Model),
		cfg.Prompt.MaxTokens,
		logger,
	)

	sess, err := session.New(cfg.Definitions.Dir, exec,
		session.WithLogger(logger),
		session.WithWorkspace(cfg.Workspace),
		session.WithRenderer(renderer),
		session.WithRetryPolicy(&cfg.Retry),
		session.WithRunTimeout(cfg.Session.RunTimeout),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session: %v\n", err)
		os.Exit(1)
	}

	// Ctrl-C 中断运行，随后正常走关闭路径
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := sess.Run(ctx, name, workflow.RunOptions{
		Continue:       *resume,
		InitialMessage: *message,
	})

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := sess.Close(closeCtx); cerr != nil {
		logger.Warn("session close failed", zap.Error(cerr))
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		os.Exit(1)
	}

	if *jsonOut {
		out, merr := json.MarshalIndent(result, "", "  ")
		if merr != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode result: %v\n", merr)
			os.Exit(1)
		}
		fmt.Println(string(out))
	} else {
		printRunResult(name, result)
	}

	if !result.Success {
		os.Exit(1)
	}
}

// printRunResult 人类可读的运行摘要
func printRunResult(name string, result *workflow.Result) {
	status := "FAILED"
	if result.Success {
		status = "OK"
	}
	fmt.Printf("Workflow:  %s\n", name)
	fmt.Printf("Status:    %s (%s)\n", status, result.Metadata.TerminationReason)
	fmt.Printf("Turns:     %d\n", result.TotalTurns)
	fmt.Printf("Agents:    %s\n", strings.Join(result.AgentsUsed, ", "))
	fmt.Printf("Duration:  %s\n", result.Metadata.TotalTime.Round(time.Millisecond))
	if result.Metadata.Workspace != "" {
		fmt.Printf("Workspace: %s\n", result.Metadata.Workspace)
	}
	if len(result.Metadata.Errors) > 0 {
		fmt.Printf("Errors:    %d\n", len(result.Metadata.Errors))
	}
	if result.FinalContent != "" {
		fmt.Printf("\n%s\n", result.FinalContent)
	}
}

// =============================================================================
// 📋 list 命令（本地定义校验）
// =============================================================================

// runList 列出定义目录下的所有工作流并逐个校验。
// 任一定义无法加载时退出码为 1，可直接用作 CI 检查。
func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	entries, err := os.ReadDir(cfg.Definitions.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot read definitions directory %s: %v\n", cfg.Definitions.Dir, err)
		os.Exit(1)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if len(files) == 0 {
		fmt.Printf("No workflow definitions in %s\n", cfg.Definitions.Dir)
		return
	}

	invalid := 0
	for _, file := range files {
		path := filepath.Join(cfg.Definitions.Dir, file)
		def, err := workflow.LoadDefinitionFile(path)
		if err != nil {
			invalid++
			fmt.Printf("%-24s INVALID  %v\n", file, err)
			continue
		}
		desc := def.Description
		if desc == "" {
			desc = "-"
		}
		fmt.Printf("%-24s ok       %d states, %d agents, max %d turns  %s\n",
			file, len(def.States), len(def.Agents), def.MaxTurns, desc)
	}

	if invalid > 0 {
		fmt.Fprintf(os.Stderr, "\n%d of %d definitions failed validation\n", invalid, len(files))
		os.Exit(1)
	}
}

// =============================================================================
// 🔍 info / cleanup 命令（访问运行中的服务）
// =============================================================================

func runInfo(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	serverAddr := fs.String("server", "http://localhost:8080", "Server address")
	apiKey := fs.String("api-key", "", "API key for authentication")
	fs.Parse(args)

	body, err := apiGet(*serverAddr+"/api/v1/session", *apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}

	var pretty json.RawMessage = body
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(string(out))
}

func runCleanup(args []string) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	serverAddr := fs.String("server", "http://localhost:8080", "Server address")
	apiKey := fs.String("api-key", "", "API key for authentication")
	fs.Parse(args)

	name := fs.Arg(0)
	if name == "" {
		fmt.Fprintln(os.Stderr, "Usage: stateflow cleanup [options] <workflow>")
		os.Exit(1)
	}

	url := fmt.Sprintf("%s/api/v1/workflows/%s/cleanup", *serverAddr, name)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	if *apiKey != "" {
		req.Header.Set("X-API-Key", *apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		fmt.Printf("Cleaned up workflow %s\n", name)
	case http.StatusConflict:
		fmt.Fprintf(os.Stderr, "Workflow %s has a run in progress, not cleaned\n", name)
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "Cleanup failed: status %d: %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
		os.Exit(1)
	}
}

// apiGet 对服务发起一次带认证头的 GET 请求，校验状态码后返回响应体。
func apiGet(url, apiKey string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("StateFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`StateFlow - Workflow Execution Engine

Usage:
  stateflow <command> [options]

Commands:
  serve     Start the StateFlow server
  run       Execute a workflow locally, once
  list      List and validate workflow definitions
  info      Show session info of a running server
  cleanup   Release a workflow's cached instance on a running server
  migrate   Database migration commands
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve', 'run' and 'list':
  --config <path>   Path to configuration file (YAML)

Options for 'run':
  --message <text>  Override the definition's initial message
  --continue        Resume from the previous run's state
  --json            Print the full result as JSON

Options for 'info' and 'cleanup':
  --server <url>    Server address (default http://localhost:8080)
  --api-key <key>   API key for authentication

Migration subcommands:
  migrate up        Apply all pending migrations
  migrate down      Rollback the last migration
  migrate status    Show migration status
  migrate version   Show current migration version
  migrate goto <v>  Migrate to a specific version
  migrate force <v> Force set migration version
  migrate reset     Rollback all migrations

Examples:
  stateflow serve --config /etc/stateflow/config.yaml
  stateflow run digest --message "summarize the repo"
  stateflow list
  stateflow cleanup digest --server http://localhost:8080
  stateflow migrate up
  stateflow health --addr http://localhost:8080`)
}

// =============================================================================
// 🔧 配置与日志初始化
// =============================================================================

// loadConfig 加载并校验配置，失败直接退出进程。
func loadConfig(configPath string) *config.Config {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	return cfg
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	// 构建配置
	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	var buildOpts []zap.Option
	if cfg.EnableCaller {
		buildOpts = append(buildOpts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		buildOpts = append(buildOpts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	// 构建 logger
	logger, err := zapConfig.Build(buildOpts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
