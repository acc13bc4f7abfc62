// Package mysql provides the GORM DBProvider for MySQL.
package mysql

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"go.uber.org/fx"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tigerroll/ferry/pkg/batch/adapter/database"
	dbconfig "github.com/tigerroll/ferry/pkg/batch/adapter/database/config"
	gormadapter "github.com/tigerroll/ferry/pkg/batch/adapter/database/gorm"
	"github.com/tigerroll/ferry/pkg/batch/core/config"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
)

// DBType is the `type` value of MySQL connection blocks.
const DBType = "mysql"

func init() {
	gormadapter.RegisterDialector(DBType, func(cfg dbconfig.DatabaseConfig) (gorm.Dialector, error) {
		dsn, err := ConnectionString(cfg)
		if err != nil {
			return nil, err
		}
		return mysql.Open(dsn), nil
	})
	exception.RegisterTransientDetector(IsTransient)
}

// ConnectionString builds the go-sql-driver DSN. Times are parsed into time.Time in UTC.
func ConnectionString(c dbconfig.DatabaseConfig) (string, error) {
	dsnCfg := mysqldriver.NewConfig()
	dsnCfg.User = c.User
	dsnCfg.Passwd = c.Password
	dsnCfg.Net = "tcp"
	dsnCfg.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	dsnCfg.DBName = c.Database
	dsnCfg.ParseTime = true
	dsnCfg.Loc = time.UTC
	dsnCfg.Params = map[string]string{"charset": "utf8mb4"}
	if c.Params != "" {
		extra, err := url.ParseQuery(c.Params)
		if err != nil {
			return "", fmt.Errorf("invalid mysql params '%s': %w", c.Params, err)
		}
		for k := range extra {
			dsnCfg.Params[k] = extra.Get(k)
		}
	}
	return dsnCfg.FormatDSN(), nil
}

// transientNumbers are server error numbers worth retrying: lock wait timeout, deadlock,
// too many connections, server shutdown in progress.
var transientNumbers = map[uint16]bool{
	1205: true,
	1213: true,
	1040: true,
	1053: true,
}

// IsTransient reports whether err is a MySQL error that usually clears on retry.
func IsTransient(err error) bool {
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return transientNumbers[myErr.Number]
	}
	return errors.Is(err, mysqldriver.ErrInvalidConn)
}

// NewProvider creates the MySQL DBProvider.
func NewProvider(cfg *config.Config) database.DBProvider {
	return gormadapter.NewBaseProvider(cfg, DBType)
}

// Module exports the MySQL DBProvider into the db_providers group.
var Module = fx.Options(
	fx.Provide(
		fx.Annotate(
			NewProvider,
			fx.ResultTags(`group:"`+database.DBProviderGroup+`"`),
		),
	),
)
