package migration

import (
	"fmt"
	"strings"

	"github.com/BaSui01/stateflow/internal/database"
)

// NewMigratorFromDatabaseConfig builds a migrator from the shared database
// configuration used by the connection pool. The gorm-style DSNs for
// postgres and mysql are accepted verbatim by the underlying sql drivers;
// sqlite file paths are wrapped into file: URLs.
func NewMigratorFromDatabaseConfig(cfg database.Config) (*DefaultMigrator, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = database.DriverSQLite
	}

	dbType, err := ParseDatabaseType(driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	var dbURL string
	switch dbType {
	case DatabaseTypeSQLite:
		dbURL = sqliteURL(cfg.DSN)
	case DatabaseTypeMySQL:
		dbURL = mysqlURL(cfg.DSN)
	default:
		dbURL = cfg.DSN
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  dbURL,
	})
}

// NewMigratorFromURL creates a new migrator from a database URL
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}

	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
	})
}

// sqliteURL normalizes a plain sqlite file path into the file: form the
// sqlite3 driver expects. Already-qualified DSNs pass through untouched.
func sqliteURL(dsn string) string {
	if strings.HasPrefix(dsn, "file:") || strings.HasPrefix(dsn, ":memory:") {
		return dsn
	}
	return fmt.Sprintf("file:%s?mode=rwc&_foreign_keys=on", dsn)
}

// mysqlURL ensures multiStatements is enabled so migration files containing
// more than one statement run in a single Exec.
func mysqlURL(dsn string) string {
	if strings.Contains(dsn, "multiStatements=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "multiStatements=true"
}
