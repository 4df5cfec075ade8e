// =============================================================================
// 📦 StateFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值；子系统自带默认值的段直接委托对应包
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/stateflow/agent"
	"github.com/BaSui01/stateflow/events"
	"github.com/BaSui01/stateflow/internal/database"
	"github.com/BaSui01/stateflow/internal/server"
	"github.com/BaSui01/stateflow/internal/telemetry"
	"github.com/BaSui01/stateflow/retry"
	"github.com/BaSui01/stateflow/workflow/persistence"
	"github.com/BaSui01/stateflow/workspace"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      server.DefaultConfig(),
		Session:     DefaultSessionConfig(),
		Definitions: DefaultDefinitionsConfig(),
		Workspace:   workspace.DefaultConfig(),
		Prompt:      DefaultPromptConfig(),
		Executor:    agent.DefaultExecutorConfig(),
		Retry:       *retry.DefaultPolicy(),
		Database:    DefaultDatabaseConfig(),
		Persistence: persistence.DefaultConfig(),
		Events:      events.DefaultConfig(),
		Auth:        DefaultAuthConfig(),
		RateLimit:   DefaultRateLimitConfig(),
		CORS:        DefaultCORSConfig(),
		Metrics:     DefaultMetricsConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   telemetry.DefaultConfig(),
	}
}

// DefaultSessionConfig 返回默认会话配置
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SaveRuns:          true,
		MaxConcurrentRuns: 0,
		RunTimeout:        0,
	}
}

// DefaultDefinitionsConfig 返回默认定义目录配置
func DefaultDefinitionsConfig() DefinitionsConfig {
	return DefinitionsConfig{
		Dir:          "./definitions",
		Watch:        false,
		PollInterval: 1 * time.Second,
	}
}

// DefaultPromptConfig 返回默认提示词配置
func DefaultPromptConfig() PromptConfig {
	return PromptConfig{
		Model:     "gpt-4o",
		MaxTokens: 8000,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:  database.DriverSQLite,
		Host:    "localhost",
		User:    "stateflow",
		Name:    "stateflow",
		SSLMode: "disable",
		Path:    "./data/stateflow.db",
		Pool:    database.DefaultPoolConfig(),
	}
}

// DefaultAuthConfig 返回默认认证配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:   false,
		JWTIssuer: "stateflow",
		JWTExpiry: 24 * time.Hour,
	}
}

// DefaultRateLimitConfig 返回默认限流配置
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled: false,
		RPS:     50,
		Burst:   100,
	}
}

// DefaultCORSConfig 返回默认跨域配置（不放行任何来源）
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Addr:      ":9090",
		Namespace: "stateflow",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}
