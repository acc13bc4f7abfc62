// Package sqlite provides the GORM DBProvider for SQLite.
package sqlite

import (
	"errors"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/fx"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tigerroll/ferry/pkg/batch/adapter/database"
	dbconfig "github.com/tigerroll/ferry/pkg/batch/adapter/database/config"
	gormadapter "github.com/tigerroll/ferry/pkg/batch/adapter/database/gorm"
	"github.com/tigerroll/ferry/pkg/batch/core/config"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
)

// DBType is the `type` value of SQLite connection blocks.
const DBType = "sqlite"

func init() {
	gormadapter.RegisterDialector(DBType, func(cfg dbconfig.DatabaseConfig) (gorm.Dialector, error) {
		if cfg.Database == "" {
			return nil, errors.New("SQLite database path cannot be empty")
		}
		return sqlite.Open(ConnectionString(cfg)), nil
	})
	exception.RegisterTransientDetector(IsTransient)
}

// ConnectionString returns the database path with optional query parameters.
func ConnectionString(c dbconfig.DatabaseConfig) string {
	if c.Params == "" {
		return c.Database
	}
	return c.Database + "?" + c.Params
}

// IsTransient reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func IsTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// NewProvider creates the SQLite DBProvider.
func NewProvider(cfg *config.Config) database.DBProvider {
	return gormadapter.NewBaseProvider(cfg, DBType)
}

// Module exports the SQLite DBProvider into the db_providers group.
var Module = fx.Options(
	fx.Provide(
		fx.Annotate(
			NewProvider,
			fx.ResultTags(`group:"`+database.DBProviderGroup+`"`),
		),
	),
)
