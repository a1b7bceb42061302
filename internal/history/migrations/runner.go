package migrations

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"text/template"

	"github.com/golang-migrate/migrate/v4"
	migrate_database "github.com/golang-migrate/migrate/v4/database"
	migrate_postgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migrate_sqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	migrate_source "github.com/golang-migrate/migrate/v4/source"
	migrate_iofs "github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/psanford/memfs"

	"github.com/icicle-ci/icicle/internal/history"
	"github.com/icicle-ci/icicle/internal/logger"
)

// Runner applies a MigrationSet with golang-migrate. The set's SQL is
// rendered for the target dialect into an in-memory filesystem at
// migration time, so the binary carries no migration files and a
// single set serves both sqlite and postgres.
type Runner struct {
	set MigrationSet
	log logger.Log
}

func NewRunner(set MigrationSet, logFactory logger.Factory) *Runner {
	return &Runner{
		set: set,
		log: logFactory("Migrations"),
	}
}

// NewHistoryRunner returns a Runner for the standard history schema.
func NewHistoryRunner(logFactory logger.Factory) *Runner {
	return NewRunner(HistoryMigrations, logFactory)
}

// Up migrates the database to the latest schema version. A database
// that is already current is not an error.
func (r *Runner) Up(ctx context.Context, driver history.DBDriver, connectionString history.DatabaseConnectionString) error {
	r.log.Info("Applying migrations...")
	return r.apply(driver, connectionString, (*migrate.Migrate).Up)
}

// Down rolls every migration back, leaving an empty schema.
func (r *Runner) Down(ctx context.Context, driver history.DBDriver, connectionString history.DatabaseConnectionString) error {
	r.log.Info("Rolling back all migrations...")
	return r.apply(driver, connectionString, (*migrate.Migrate).Down)
}

// apply opens its own short-lived connection, builds a migrator over
// the rendered set and runs step on it. golang-migrate takes no
// context; its statement timeouts are configured on the database
// driver instead.
func (r *Runner) apply(driver history.DBDriver, connectionString history.DatabaseConnectionString, step func(*migrate.Migrate) error) error {
	source, err := r.renderSource(driver)
	if err != nil {
		return err
	}

	db, err := sql.Open(string(driver), string(connectionString))
	if err != nil {
		return fmt.Errorf("opening %s database for migration: %w", driver, err)
	}

	target, err := migrationTarget(driver, db)
	if err != nil {
		db.Close()
		return err
	}
	migrator, err := migrate.NewWithInstance("iofs", source, string(driver), target)
	if err != nil {
		db.Close()
		return err
	}
	// Closing the migrator closes db with it.
	defer migrator.Close()

	err = step(migrator)
	if errors.Is(err, migrate.ErrNoChange) {
		r.log.Info("Schema already up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("running %s migrations: %w", driver, err)
	}
	r.log.Info("Migrations applied")
	return nil
}

// renderSource expands the set's dialect placeholders and lays the
// result out as {version}_{name}.{up|down}.sql files on an in-memory
// filesystem in the layout golang-migrate's iofs source expects.
func (r *Runner) renderSource(driver history.DBDriver) (migrate_source.Driver, error) {
	dialect, err := GetDialectForDriver(driver)
	if err != nil {
		return nil, err
	}

	fsys := memfs.New()
	if err := fsys.MkdirAll("sql", 0755); err != nil {
		return nil, err
	}
	for _, m := range r.set {
		files := map[string]string{
			fmt.Sprintf("sql/%d_%s.up.sql", m.SequenceNumber, m.Name):   m.UpSQL,
			fmt.Sprintf("sql/%d_%s.down.sql", m.SequenceNumber, m.Name): m.DownSQL,
		}
		for name, body := range files {
			rendered, err := renderSQL(name, body, dialect)
			if err != nil {
				return nil, err
			}
			if err := fsys.WriteFile(name, rendered, 0644); err != nil {
				return nil, fmt.Errorf("writing %s: %w", name, err)
			}
		}
	}

	source, err := migrate_iofs.New(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("indexing rendered migrations: %w", err)
	}
	return source, nil
}

// renderSQL substitutes the dialect's values into one migration body.
func renderSQL(name, body string, dialect *DialectTemplate) ([]byte, error) {
	tmpl, err := template.New(name).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parsing migration %s: %w", name, err)
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, dialect); err != nil {
		return nil, fmt.Errorf("rendering migration %s: %w", name, err)
	}
	return out.Bytes(), nil
}

// migrationTarget wraps an open connection in the golang-migrate
// driver matching our SQL driver.
func migrationTarget(driver history.DBDriver, db *sql.DB) (migrate_database.Driver, error) {
	switch driver {
	case history.Sqlite:
		return migrate_sqlite3.WithInstance(db, &migrate_sqlite3.Config{})
	case history.Postgres:
		// Each migration holds several statements, so multi-statement
		// mode is required.
		return migrate_postgres.WithInstance(db, &migrate_postgres.Config{
			MultiStatementEnabled: true,
		})
	default:
		return nil, fmt.Errorf("no migration support for database driver %s", driver)
	}
}
