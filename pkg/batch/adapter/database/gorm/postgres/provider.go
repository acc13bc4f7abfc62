// Package postgres provides the GORM DBProvider for PostgreSQL.
package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"go.uber.org/fx"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tigerroll/ferry/pkg/batch/adapter/database"
	dbconfig "github.com/tigerroll/ferry/pkg/batch/adapter/database/config"
	gormadapter "github.com/tigerroll/ferry/pkg/batch/adapter/database/gorm"
	"github.com/tigerroll/ferry/pkg/batch/core/config"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
)

// DBType is the `type` value of PostgreSQL connection blocks.
const DBType = "postgres"

func init() {
	gormadapter.RegisterDialector(DBType, func(cfg dbconfig.DatabaseConfig) (gorm.Dialector, error) {
		return postgres.Open(ConnectionString(cfg)), nil
	})
	exception.RegisterTransientDetector(IsTransient)
}

// ConnectionString generates the key/value DSN understood by both pgx and lib/pq.
func ConnectionString(c dbconfig.DatabaseConfig) string {
	sslmode := c.Sslmode
	if sslmode == "" {
		sslmode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslmode)
	if c.Schema != "" {
		dsn += " search_path=" + c.Schema
	}
	if c.Params != "" {
		dsn += " " + strings.TrimSpace(c.Params)
	}
	return dsn
}

// transientStates are SQLSTATE codes worth retrying: serialization failure, deadlock,
// lock not available, admin shutdown, cannot connect now, too many connections.
var transientStates = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
	"57P01": true,
	"57P03": true,
	"53300": true,
}

// IsTransient reports whether err is a PostgreSQL error that usually clears on retry.
// Both pgx (used through GORM) and lib/pq (used by the native queue store) errors are recognised.
func IsTransient(err error) bool {
	var code string
	var pgErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pgErr):
		code = pgErr.Code
	case errors.As(err, &pqErr):
		code = string(pqErr.Code)
	default:
		return false
	}
	return transientStates[code] || strings.HasPrefix(code, "08")
}

// NewProvider creates the PostgreSQL DBProvider.
func NewProvider(cfg *config.Config) database.DBProvider {
	return gormadapter.NewBaseProvider(cfg, DBType)
}

// Module exports the PostgreSQL DBProvider into the db_providers group.
var Module = fx.Options(
	fx.Provide(
		fx.Annotate(
			NewProvider,
			fx.ResultTags(`group:"`+database.DBProviderGroup+`"`),
		),
	),
)
