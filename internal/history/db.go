// Package history persists the flat reporting tables behind the
// dashboard: one row per workflow, one row per build keyed by
// drv_path, and a link table joining builds to the workflows that
// requested them. The scheduler's DAG itself is never persisted.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type DBDriver string

func (d DBDriver) String() string {
	return string(d)
}

type DatabaseConnectionString string

func (d DatabaseConnectionString) String() string {
	return string(d)
}

const (
	Sqlite   DBDriver = "sqlite3"
	Postgres DBDriver = "postgres"

	DefaultDatabaseMaxIdleConnections = 2
	DefaultDatabaseMaxOpenConnections = 4
)

type DatabaseConfig struct {
	ConnectionString   DatabaseConnectionString
	Driver             DBDriver
	MaxIdleConnections int
	MaxOpenConnections int
}

// DatabaseConfigFromPath derives a DatabaseConfig from the configured
// database.path: a postgres:// URL selects the postgres driver, any
// other value is treated as a sqlite database file location.
func DatabaseConfigFromPath(path string) DatabaseConfig {
	config := DatabaseConfig{
		MaxIdleConnections: DefaultDatabaseMaxIdleConnections,
		MaxOpenConnections: DefaultDatabaseMaxOpenConnections,
	}
	if strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://") {
		config.Driver = Postgres
		config.ConnectionString = DatabaseConnectionString(path)
		return config
	}
	config.Driver = Sqlite
	config.ConnectionString = DatabaseConnectionString(fmt.Sprintf("file:%s?cache=shared", path))
	return config
}

// MigrationRunner interface defines a set of methods for applying database migrations.
type MigrationRunner interface {
	// Up migrates the given database up to the latest version.
	Up(ctx context.Context, driver DBDriver, connectionString DatabaseConnectionString) error
	// Down migrates the given database down to empty.
	Down(ctx context.Context, driver DBDriver, connectionString DatabaseConnectionString) error
}

// DB is a connection pool plus the coarse lock sqlite needs to
// serialize writers. Postgres handles its own concurrency; the lock
// is a no-op there.
type DB struct {
	*sqlx.DB
	Driver           DBDriver
	ConnectionString DatabaseConnectionString
	lock             sync.RWMutex
}

// NewDatabase performs any database-specific init required before returning a new database
// connection pool using the specified DatabaseConfig, as well as a cleanup function to call
// to close the database again. If a MigrationRunner is supplied then an 'Up' migration will
// be performed to ensure the database schema is up to the latest version.
func NewDatabase(ctx context.Context, config DatabaseConfig, migrationRunner MigrationRunner) (*DB, func(), error) {
	switch config.Driver {
	case Sqlite:
		err := sqliteConnectionInit(string(config.ConnectionString))
		if err != nil {
			return nil, nil, err
		}
	case Postgres:
		// no init required
	default:
		return nil, nil, fmt.Errorf("unknown database driver %s", config.Driver)
	}

	sqlxDB, err := sqlx.Open(string(config.Driver), string(config.ConnectionString))
	if err != nil {
		return nil, nil, fmt.Errorf("error opening %s database: %w", config.Driver, err)
	}

	err = sqlxDB.PingContext(ctx)
	if err != nil {
		sqlxDB.Close()
		return nil, nil, fmt.Errorf("error pinging %s database: %w", config.Driver, err)
	}

	if migrationRunner != nil {
		err := migrationRunner.Up(ctx, config.Driver, config.ConnectionString)
		if err != nil {
			sqlxDB.Close()
			return nil, nil, fmt.Errorf("error running %s database migrations: %w", config.Driver, err)
		}
	}

	db := &DB{
		DB:               sqlxDB,
		Driver:           config.Driver,
		ConnectionString: config.ConnectionString,
	}
	db.DB.SetMaxIdleConns(config.MaxIdleConnections)
	db.DB.SetMaxOpenConns(config.MaxOpenConnections)
	cleanup := func() {
		db.Close()
	}
	return db, cleanup, nil
}

// Dialect returns the goqu dialect wrapper matching this database's driver.
func (d *DB) Dialect() goqu.DialectWrapper {
	return goqu.Dialect(string(d.Driver))
}

// Write serializes writers when running on sqlite and calls fn.
func (d *DB) Write(fn func() error) error {
	if d.Driver == Sqlite {
		d.lock.Lock()
		defer d.lock.Unlock()
	}
	return fn()
}

// Read takes a shared lock when running on sqlite and calls fn.
func (d *DB) Read(fn func() error) error {
	if d.Driver == Sqlite {
		d.lock.RLock()
		defer d.lock.RUnlock()
	}
	return fn()
}

// QueryRowContextRW runs a write statement that returns a single row
// (e.g. INSERT ... RETURNING on postgres) under the writer lock.
func (d *DB) QueryRowContextRW(ctx context.Context, query string, args ...interface{}) *sql.Row {
	if d.Driver == Sqlite {
		d.lock.Lock()
		defer d.lock.Unlock()
	}
	return d.DB.QueryRowContext(ctx, query, args...)
}

// sqliteConnectionInit creates the local db file if a file-based
// connection string is used.
// https://github.com/mattn/go-sqlite3/issues/677
// TL;DR: In-memory connection strings contain both a :memory: and a file: directive.
func sqliteConnectionInit(connectionString string) error {
	if strings.Contains(connectionString, ":memory:") {
		return nil
	}

	const sqliteFileKeyword = "file:"
	var databaseFilePath string
	s := strings.Index(connectionString, sqliteFileKeyword)
	if s == -1 {
		return nil
	}
	s += len(sqliteFileKeyword)
	e := strings.Index(connectionString[s:], "?")
	if e == -1 {
		databaseFilePath = connectionString[s:]
	} else {
		databaseFilePath = connectionString[s : s+e]
	}

	dir := filepath.Dir(databaseFilePath)
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return fmt.Errorf("error ensuring database directory %q exists: %w", dir, err)
	}

	file, err := os.OpenFile(databaseFilePath, os.O_RDONLY|os.O_CREATE, 0660)
	if err != nil {
		return fmt.Errorf("error opening or creating database file %q: %w", databaseFilePath, err)
	}

	err = file.Close()
	if err != nil {
		return fmt.Errorf("error closing database file: %w", err)
	}

	return nil
}
