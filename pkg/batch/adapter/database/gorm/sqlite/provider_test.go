package sqlite_test

import (
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"

	dbconfig "github.com/tigerroll/ferry/pkg/batch/adapter/database/config"
	"github.com/tigerroll/ferry/pkg/batch/adapter/database/gorm/sqlite"
)

func TestConnectionString(t *testing.T) {
	assert.Equal(t, "/tmp/ferry.db", sqlite.ConnectionString(dbconfig.DatabaseConfig{Database: "/tmp/ferry.db"}))
	assert.Equal(t, "file::memory:?cache=shared", sqlite.ConnectionString(dbconfig.DatabaseConfig{Database: "file::memory:", Params: "cache=shared"}))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, sqlite.IsTransient(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.False(t, sqlite.IsTransient(sqlite3.Error{Code: sqlite3.ErrConstraint}))
}
