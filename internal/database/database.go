package database

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// =============================================================================
// 🗄️ 数据库打开与驱动选择
// =============================================================================

// 支持的数据库驱动
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config 数据库配置
type Config struct {
	// 驱动类型：sqlite / postgres / mysql
	Driver string `yaml:"driver" json:"driver"`

	// 数据源名称（sqlite 为文件路径）
	DSN string `yaml:"dsn" json:"dsn"`

	// 连接池配置
	Pool PoolConfig `yaml:"pool" json:"pool"`
}

// DefaultConfig 返回默认数据库配置
func DefaultConfig() Config {
	return Config{
		Driver: DriverSQLite,
		DSN:    "./data/stateflow.db",
		Pool:   DefaultPoolConfig(),
	}
}

// Open 打开数据库并创建连接池管理器
func Open(config Config, logger *zap.Logger) (*PoolManager, error) {
	dialector, err := dialectorFor(config.Driver, config.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if (config.Pool == PoolConfig{}) {
		config.Pool = DefaultPoolConfig()
	}
	// 内存 SQLite 下每个池化连接都会看到独立的空库，必须限制为单连接
	if strings.Contains(config.DSN, ":memory:") {
		config.Pool.MaxOpenConns = 1
		config.Pool.MaxIdleConns = 1
	}

	return NewPoolManager(db, config.Pool, logger)
}

// dialectorFor 根据驱动类型选择 GORM dialector
func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverSQLite, "":
		return sqlite.Open(dsn), nil
	case DriverPostgres:
		return postgres.Open(dsn), nil
	case DriverMySQL:
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}
