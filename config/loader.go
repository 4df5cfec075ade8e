// =============================================================================
// 📦 StateFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("stateflow.yaml").
//	    WithEnvPrefix("STATEFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/stateflow/agent"
	"github.com/BaSui01/stateflow/events"
	"github.com/BaSui01/stateflow/internal/database"
	"github.com/BaSui01/stateflow/internal/server"
	"github.com/BaSui01/stateflow/internal/telemetry"
	"github.com/BaSui01/stateflow/retry"
	"github.com/BaSui01/stateflow/workflow/persistence"
	"github.com/BaSui01/stateflow/workspace"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 StateFlow 的完整配置结构。
//
// 子系统自带配置的段（server、workspace、retry、database 连接池、
// persistence、events、telemetry）直接复用对应包的类型，保证一处定义。
type Config struct {
	// Server HTTP 服务器配置
	Server server.Config `yaml:"server" env:"SERVER"`

	// Session 会话级行为配置
	Session SessionConfig `yaml:"session" env:"SESSION"`

	// Definitions 工作流定义目录配置
	Definitions DefinitionsConfig `yaml:"definitions" env:"DEFINITIONS"`

	// Workspace 工作区配置
	Workspace workspace.Config `yaml:"workspace" env:"WORKSPACE"`

	// Prompt 提示词渲染配置
	Prompt PromptConfig `yaml:"prompt" env:"PROMPT"`

	// Executor 执行器后端配置
	Executor agent.ExecutorConfig `yaml:"executor" env:"EXECUTOR"`

	// Retry 执行器调用重试策略
	Retry retry.Policy `yaml:"retry" env:"RETRY"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Persistence 运行归档存储配置
	Persistence persistence.Config `yaml:"persistence" env:"PERSISTENCE"`

	// Events 事件总线配置
	Events events.Config `yaml:"events" env:"EVENTS"`

	// Auth API 认证配置
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// RateLimit API 限流配置
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`

	// CORS 跨域配置
	CORS CORSConfig `yaml:"cors" env:"CORS"`

	// Metrics Prometheus 指标服务配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry telemetry.Config `yaml:"telemetry" env:"TELEMETRY"`
}

// SessionConfig 会话级行为配置
type SessionConfig struct {
	// 运行结束后是否归档到 RunStore
	SaveRuns bool `yaml:"save_runs" env:"SAVE_RUNS"`

	// 同时进行的运行数上限（0 表示不限制）
	MaxConcurrentRuns int `yaml:"max_concurrent_runs" env:"MAX_CONCURRENT_RUNS"`

	// 单次运行的墙钟超时（0 表示不限制）
	RunTimeout time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT"`
}

// DefinitionsConfig 工作流定义目录配置
type DefinitionsConfig struct {
	// 定义文件所在目录
	Dir string `yaml:"dir" env:"DIR"`

	// 是否监听目录变更并热重载定义
	Watch bool `yaml:"watch" env:"WATCH"`

	// 变更轮询间隔
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// PromptConfig 提示词渲染配置
type PromptConfig struct {
	// 用于 token 计数的模型名
	Model string `yaml:"model" env:"MODEL"`

	// 渲染后提示词的 token 预算（0 表示不检查）
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`
}

// DatabaseConfig 数据库配置。
//
// 可以用离散字段描述连接，也可以直接给出 DSN 覆盖拼接结果。
type DatabaseConfig struct {
	// 驱动类型: sqlite / postgres / mysql
	Driver string `yaml:"driver" env:"DRIVER"`

	// 主机地址（postgres / mysql）
	Host string `yaml:"host" env:"HOST"`

	// 端口（0 表示驱动默认端口）
	Port int `yaml:"port" env:"PORT"`

	// 用户名
	User string `yaml:"user" env:"USER"`

	// 密码
	Password string `yaml:"password" env:"PASSWORD"`

	// 数据库名
	Name string `yaml:"name" env:"NAME"`

	// SSL 模式（postgres）
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`

	// 数据库文件路径（sqlite）
	Path string `yaml:"path" env:"PATH"`

	// 完整 DSN，设置后优先于离散字段
	DSN string `yaml:"dsn" env:"DSN"`

	// 连接池配置
	Pool database.PoolConfig `yaml:"pool" env:"POOL"`
}

// AuthConfig API 认证配置
type AuthConfig struct {
	// 是否启用认证
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// 静态 API Key（X-API-Key 头）
	APIKey string `yaml:"api_key" env:"API_KEY"`

	// 是否接受 ?api_key= 查询参数。浏览器 WebSocket 无法携带自定义
	// 请求头，事件流依赖这个开关
	AllowQueryKey bool `yaml:"allow_query_key" env:"ALLOW_QUERY_KEY"`

	// JWT 签名密钥（Bearer token）
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`

	// JWT 签发者
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`

	// JWT 有效期
	JWTExpiry time.Duration `yaml:"jwt_expiry" env:"JWT_EXPIRY"`
}

// RateLimitConfig API 限流配置
type RateLimitConfig struct {
	// 是否启用限流
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// 每秒补充的令牌数
	RPS float64 `yaml:"rps" env:"RPS"`

	// 突发容量
	Burst int `yaml:"burst" env:"BURST"`
}

// CORSConfig 跨域配置。
//
// 允许列表为空时所有跨域请求被拒绝，生产环境需显式开放来源；
// WebSocket 事件流与 HTTP API 共用同一份列表。
type CORSConfig struct {
	// 允许的跨域来源（完整 Origin，如 https://console.example.com）
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

// MetricsConfig Prometheus 指标服务配置。
//
// 指标暴露在独立端口上，认证与限流中间件不覆盖它。
type MetricsConfig struct {
	// 是否启动指标服务器
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// 指标服务器监听地址
	Addr string `yaml:"addr" env:"ADDR"`

	// 指标命名空间前缀
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// defaultConfigPaths 未显式指定配置文件时按序探测的候选路径。
var defaultConfigPaths = []string{
	"stateflow.yaml",
	"config/stateflow.yaml",
}

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
	skipProbe  bool
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "STATEFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
//
// 显式指定的配置文件不存在时返回错误；未指定时按 defaultConfigPaths
// 探测，全部缺失则只用默认值。
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 从文件加载
	if err := l.loadFromFile(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from file: %w", err)
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 内置校验
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 5. 运行自定义验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	path := l.configPath
	if path == "" {
		if l.skipProbe {
			return nil
		}
		for _, candidate := range defaultConfigPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段。
//
// env tag 缺省时退回 yaml 名称的大写形式，子系统自带的配置结构
// 无需重复打标即可被环境变量覆盖。
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !fieldType.IsExported() {
			continue
		}
		key := envKeyFor(fieldType)
		if key == "" {
			continue
		}

		envKey := prefix + "_" + key

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// LookupEnv 区分「未设置」与「显式设为空」，后者允许清空默认值
		envValue, ok := os.LookupEnv(envKey)
		if !ok {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// envKeyFor 计算字段的环境变量名段，返回空串表示跳过该字段。
func envKeyFor(field reflect.StructField) string {
	if tag := field.Tag.Get("env"); tag != "" {
		if tag == "-" {
			return ""
		}
		return tag
	}
	name := field.Tag.Get("yaml")
	if name != "" {
		name, _, _ = strings.Cut(name, ",")
	}
	if name == "-" {
		return ""
	}
	if name == "" {
		name = field.Name
	}
	return strings.ToUpper(name)
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}

	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从默认值和环境变量加载配置，不读取任何文件
func LoadFromEnv() (*Config, error) {
	l := NewLoader()
	l.skipProbe = true
	return l.Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	// 服务器
	if c.Server.Addr == "" {
		fail("server.addr is required")
	}

	// 会话
	if c.Session.MaxConcurrentRuns < 0 {
		fail("session.max_concurrent_runs must not be negative")
	}
	if c.Session.RunTimeout < 0 {
		fail("session.run_timeout must not be negative")
	}

	// 定义目录
	if c.Definitions.Dir == "" {
		fail("definitions.dir is required")
	}
	if c.Definitions.Watch && c.Definitions.PollInterval <= 0 {
		fail("definitions.poll_interval must be positive when watch is enabled")
	}

	// 工作区
	if c.Workspace.BaseDir == "" {
		fail("workspace.base_dir is required")
	}
	if c.Workspace.CollabDirName == "" {
		fail("workspace.collab_dir_name is required")
	}

	// 提示词
	if c.Prompt.Model == "" {
		fail("prompt.model is required")
	}
	if c.Prompt.MaxTokens < 0 {
		fail("prompt.max_tokens must not be negative")
	}

	// 执行器。command/url 在这里不强制：只有 serve/run 需要真实后端，
	// 由 agent.NewExecutor 在构建时检查
	switch c.Executor.Backend {
	case agent.BackendCommand, agent.BackendHTTP:
	case "":
		fail("executor.backend is required")
	default:
		fail("unsupported executor.backend %q", c.Executor.Backend)
	}
	if c.Executor.Timeout < 0 {
		fail("executor.timeout must not be negative")
	}

	// 重试
	if c.Retry.MaxAttempts < 1 {
		fail("retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		fail("retry.multiplier must be at least 1")
	}

	// 数据库
	switch c.Database.Driver {
	case database.DriverSQLite:
		if c.Database.DSN == "" && c.Database.Path == "" {
			fail("database.path is required for sqlite")
		}
	case database.DriverPostgres, database.DriverMySQL:
		if c.Database.DSN == "" {
			if c.Database.Host == "" {
				fail("database.host is required for %s", c.Database.Driver)
			}
			if c.Database.User == "" {
				fail("database.user is required for %s", c.Database.Driver)
			}
			if c.Database.Name == "" {
				fail("database.name is required for %s", c.Database.Driver)
			}
		}
	case "":
		fail("database.driver is required")
	default:
		fail("unsupported database.driver %q", c.Database.Driver)
	}

	// 运行归档
	switch c.Persistence.Type {
	case persistence.StoreTypeMemory, persistence.StoreTypeDatabase:
	case persistence.StoreTypeFile:
		if c.Persistence.BaseDir == "" {
			fail("persistence.base_dir is required for the file store")
		}
	case persistence.StoreTypeRedis:
		if c.Persistence.Redis.Addr == "" {
			fail("persistence.redis.addr is required for the redis store")
		}
	default:
		fail("unsupported persistence.type %q", c.Persistence.Type)
	}
	if c.Persistence.Cleanup.Enabled {
		if c.Persistence.Cleanup.Interval <= 0 {
			fail("persistence.cleanup.interval must be positive")
		}
		if c.Persistence.Cleanup.Retention <= 0 {
			fail("persistence.cleanup.retention must be positive")
		}
	}

	// 事件总线
	if c.Events.BufferSize <= 0 {
		fail("events.buffer_size must be positive")
	}
	if c.Events.Redis.Enabled {
		if c.Events.Redis.Addr == "" {
			fail("events.redis.addr is required when redis mirroring is enabled")
		}
		if c.Events.Redis.Channel == "" {
			fail("events.redis.channel is required when redis mirroring is enabled")
		}
	}

	// 认证
	if c.Auth.Enabled && c.Auth.APIKey == "" && c.Auth.JWTSecret == "" {
		fail("auth.api_key or auth.jwt_secret is required when auth is enabled")
	}
	if c.Auth.JWTSecret != "" && c.Auth.JWTExpiry <= 0 {
		fail("auth.jwt_expiry must be positive")
	}

	// 限流
	if c.RateLimit.Enabled {
		if c.RateLimit.RPS <= 0 {
			fail("rate_limit.rps must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			fail("rate_limit.burst must be positive")
		}
	}

	// 指标
	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			fail("metrics.addr is required when metrics are enabled")
		}
		if c.Metrics.Namespace == "" {
			fail("metrics.namespace is required when metrics are enabled")
		}
	}

	// 日志
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		fail("log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		fail("log.format must be json or console")
	}
	if len(c.Log.OutputPaths) == 0 {
		fail("log.output_paths must not be empty")
	}

	// 遥测
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		fail("telemetry.sample_rate must be between 0 and 1")
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			fail("telemetry.service_name is required when telemetry is enabled")
		}
		if c.Telemetry.OTLPEndpoint == "" {
			fail("telemetry.otlp_endpoint is required when telemetry is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Connection 把数据库段转换为连接配置
func (d DatabaseConfig) Connection() database.Config {
	return database.Config{
		Driver: d.Driver,
		DSN:    d.dsn(),
		Pool:   d.Pool,
	}
}

// dsn 按驱动拼接连接字符串，DSN 字段设置时原样返回
func (d DatabaseConfig) dsn() string {
	if d.DSN != "" {
		return d.DSN
	}
	switch d.Driver {
	case database.DriverPostgres:
		port := d.Port
		if port == 0 {
			port = 5432
		}
		sslMode := d.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		parts := []string{
			"host=" + d.Host,
			fmt.Sprintf("port=%d", port),
			"user=" + d.User,
		}
		if d.Password != "" {
			parts = append(parts, "password="+d.Password)
		}
		parts = append(parts, "dbname="+d.Name, "sslmode="+sslMode)
		return strings.Join(parts, " ")
	case database.DriverMySQL:
		port := d.Port
		if port == 0 {
			port = 3306
		}
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=true&loc=Local",
			d.User, d.Password, d.Host, port, d.Name,
		)
	case database.DriverSQLite, "":
		return d.Path
	default:
		return ""
	}
}
