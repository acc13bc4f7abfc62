package mysql_test

import (
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "github.com/tigerroll/ferry/pkg/batch/adapter/database/config"
	"github.com/tigerroll/ferry/pkg/batch/adapter/database/gorm/mysql"
)

func TestConnectionString(t *testing.T) {
	dsn, err := mysql.ConnectionString(dbconfig.DatabaseConfig{
		Type:     "mysql",
		Host:     "mysql_host",
		Port:     3306,
		Database: "mysql_db",
		User:     "mysql_user",
		Password: "mysql_password",
		Params:   "timeout=5s",
	})
	require.NoError(t, err)

	parsed, err := mysqldriver.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "mysql_user", parsed.User)
	assert.Equal(t, "mysql_password", parsed.Passwd)
	assert.Equal(t, "mysql_host:3306", parsed.Addr)
	assert.Equal(t, "mysql_db", parsed.DBName)
	assert.True(t, parsed.ParseTime)
	assert.Equal(t, "5s", parsed.Timeout.String())

	_, err = mysql.ConnectionString(dbconfig.DatabaseConfig{Params: "%zz"})
	assert.Error(t, err)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, mysql.IsTransient(&mysqldriver.MySQLError{Number: 1213, Message: "Deadlock found"}))
	assert.True(t, mysql.IsTransient(mysqldriver.ErrInvalidConn))
	assert.False(t, mysql.IsTransient(&mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"}))
}
