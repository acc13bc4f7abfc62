package migration_test

import (
	"context"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "github.com/tigerroll/ferry/pkg/batch/adapter/database/config"
	gormadapter "github.com/tigerroll/ferry/pkg/batch/adapter/database/gorm"
	_ "github.com/tigerroll/ferry/pkg/batch/adapter/database/gorm/sqlite"
	"github.com/tigerroll/ferry/pkg/batch/infrastructure/migration"
)

var ferryTables = []string{
	"ferry_queue_request",
	"ferry_schedule",
	"ferry_process_log",
	"ferry_job_log",
	"ferry_job_error",
	"ferry_checkpoint",
	"ferry_job_definition",
	"ferry_job_dependency",
}

func sqliteConfig(t *testing.T) dbconfig.DatabaseConfig {
	t.Helper()
	return dbconfig.DatabaseConfig{
		Type:     "sqlite",
		Database: filepath.Join(t.TempDir(), "ferry.db"),
		LogLevel: "SILENT",
	}
}

func tableNames(t *testing.T, cfg dbconfig.DatabaseConfig) []string {
	t.Helper()
	db, err := gormadapter.Open(cfg)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	var names []string
	require.NoError(t, db.Raw("SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'ferry_%'").Scan(&names).Error)
	return names
}

func TestMigrator_UpDown(t *testing.T) {
	ctx := context.Background()
	cfg := sqliteConfig(t)
	m := migration.NewMigrator(cfg)

	_, _, ok, err := m.Version(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fresh database has no version")

	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx), "up on a current schema is a no-op")

	version, dirty, ok, err := m.Version(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), version)

	names := tableNames(t, cfg)
	for _, table := range ferryTables {
		assert.Contains(t, names, table)
	}
	assert.Contains(t, names, migration.MigrationsTable)

	require.NoError(t, m.Down(ctx))
	names = tableNames(t, cfg)
	for _, table := range ferryTables {
		assert.NotContains(t, names, table)
	}
}

func TestMigrator_RunningKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	cfg := sqliteConfig(t)
	require.NoError(t, migration.NewMigrator(cfg).Up(ctx))

	db, err := gormadapter.Open(cfg)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	insert := "INSERT INTO ferry_process_log (session_id, job_key, request_id, status, start_time, running_key) VALUES (?, 'orders', 'r', ?, CURRENT_TIMESTAMP, ?)"
	require.NoError(t, db.Exec(insert, "s1", "PC", nil).Error)
	require.NoError(t, db.Exec(insert, "s2", "PC", nil).Error, "finished entries carry no running key")
	require.NoError(t, db.Exec(insert, "s3", "IP", "orders").Error)
	assert.Error(t, db.Exec(insert, "s4", "IP", "orders").Error, "a second IP entry for the job must be rejected")
}

func TestResources(t *testing.T) {
	for _, dbType := range []string{"postgres", "redshift", "mysql", "sqlite"} {
		src, err := migration.Resources(dbType)
		require.NoError(t, err, dbType)
		entries, err := fs.ReadDir(src, ".")
		require.NoError(t, err, dbType)
		assert.Len(t, entries, 4, dbType)
	}

	_, err := migration.Resources("oracle")
	assert.Error(t, err)
}

func TestMigrator_UnsupportedType(t *testing.T) {
	err := migration.NewMigrator(dbconfig.DatabaseConfig{Type: "oracle"}).Up(context.Background())
	assert.Error(t, err)
}
