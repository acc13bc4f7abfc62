// Package migration creates and upgrades the coordination tables with golang-migrate. The DDL
// of every supported database is embedded under resource/<type>.
package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	dbconfig "github.com/tigerroll/ferry/pkg/batch/adapter/database/config"
	gormadapter "github.com/tigerroll/ferry/pkg/batch/adapter/database/gorm"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// MigrationsTable records the applied schema version.
const MigrationsTable = "ferry_schema_migrations"

//go:embed resource
var resources embed.FS

// Resources returns the embedded migrations of dbType.
func Resources(dbType string) (fs.FS, error) {
	dir := resourceDir(dbType)
	if dir == "" {
		return nil, fmt.Errorf("unsupported database type for migration: %s", dbType)
	}
	return fs.Sub(resources, "resource/"+dir)
}

func resourceDir(dbType string) string {
	switch dbType {
	case "postgres", "redshift":
		return "postgres"
	case "mysql":
		return "mysql"
	case "sqlite":
		return "sqlite"
	default:
		return ""
	}
}

// Migrator applies the embedded migrations to one database. Every command opens a dedicated
// connection, since golang-migrate closes the *sql.DB it was given.
type Migrator struct {
	cfg   dbconfig.DatabaseConfig
	table string
}

// NewMigrator creates a Migrator for the database described by cfg.
func NewMigrator(cfg dbconfig.DatabaseConfig) *Migrator {
	return &Migrator{cfg: cfg, table: MigrationsTable}
}

// Up applies all pending migrations. An up-to-date schema is not an error.
func (m *Migrator) Up(ctx context.Context) error {
	return m.run(ctx, "up", func(mi *migrate.Migrate) error { return mi.Up() })
}

// Down rolls back every applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.run(ctx, "down", func(mi *migrate.Migrate) error { return mi.Down() })
}

// Version returns the applied schema version. ok is false when nothing has been applied.
func (m *Migrator) Version(ctx context.Context) (version uint, dirty bool, ok bool, err error) {
	err = m.run(ctx, "version", func(mi *migrate.Migrate) error {
		v, d, vErr := mi.Version()
		if errors.Is(vErr, migrate.ErrNilVersion) {
			return nil
		}
		if vErr != nil {
			return vErr
		}
		version, dirty, ok = v, d, true
		return nil
	})
	return version, dirty, ok, err
}

func (m *Migrator) run(ctx context.Context, command string, fn func(*migrate.Migrate) error) error {
	logger.Infof("Executing migration '%s' (DB: %s, Table: %s)", command, m.cfg.Type, m.table)

	mi, err := m.instance(ctx)
	if err != nil {
		return exception.NewBatchError("Migrator", "failed to prepare migration", err, exception.Classify(err))
	}
	defer func() {
		if srcErr, dbErr := mi.Close(); srcErr != nil || dbErr != nil {
			logger.Warnf("Migrator: close failed (source: %v, database: %v)", srcErr, dbErr)
		}
	}()

	if err := fn(mi); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		if v, dirty, vErr := mi.Version(); vErr == nil {
			logger.Errorf("Migration '%s' failed at version %d (dirty: %t).", command, v, dirty)
		}
		return exception.NewBatchError("Migrator", fmt.Sprintf("migration '%s' failed on %s", command, m.cfg.Type), err, exception.KindFatal)
	}
	logger.Infof("Migration '%s' completed successfully.", command)
	return nil
}

func (m *Migrator) instance(ctx context.Context) (*migrate.Migrate, error) {
	source, err := Resources(m.cfg.Type)
	if err != nil {
		return nil, err
	}
	sourceDriver, err := iofs.New(source, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create iofs source driver: %w", err)
	}

	sqlDB, err := m.open(ctx)
	if err != nil {
		_ = sourceDriver.Close()
		return nil, err
	}
	dbDriver, err := m.databaseDriver(sqlDB)
	if err != nil {
		_ = sourceDriver.Close()
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	mi, err := migrate.NewWithInstance("iofs", sourceDriver, m.cfg.Type, dbDriver)
	if err != nil {
		_ = sourceDriver.Close()
		_ = dbDriver.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	mi.Log = migrateLogger{}
	return mi, nil
}

// open connects with the registered dialect. MySQL needs multiStatements for multi-statement
// migration files.
func (m *Migrator) open(ctx context.Context) (*sql.DB, error) {
	cfg := m.cfg
	cfg.Pool = dbconfig.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}
	if cfg.Type == "mysql" && !strings.Contains(cfg.Params, "multiStatements") {
		if cfg.Params != "" {
			cfg.Params += "&"
		}
		cfg.Params += "multiStatements=true"
	}
	gdb, err := gormadapter.Open(cfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return sqlDB, nil
}

func (m *Migrator) databaseDriver(sqlDB *sql.DB) (migratedb.Driver, error) {
	switch resourceDir(m.cfg.Type) {
	case "postgres":
		return postgres.WithInstance(sqlDB, &postgres.Config{MigrationsTable: m.table, SchemaName: m.cfg.Schema})
	case "mysql":
		return mysql.WithInstance(sqlDB, &mysql.Config{MigrationsTable: m.table})
	case "sqlite":
		return sqlite.WithInstance(sqlDB, &sqlite.Config{MigrationsTable: m.table})
	default:
		return nil, fmt.Errorf("unsupported database type for migration: %s", m.cfg.Type)
	}
}

// migrateLogger forwards golang-migrate output to the application logger.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	logger.Debugf("migrate: "+strings.TrimRight(format, "\n"), v...)
}

func (migrateLogger) Verbose() bool {
	return logger.GetLogLevel() == logger.LevelDebug
}
