// Package database defines the database adapter contract used by the coordination stores
// and the built-in payloads.
package database

import (
	"context"
	"database/sql"

	dbconfig "github.com/tigerroll/ferry/pkg/batch/adapter/database/config"
	coreAdapter "github.com/tigerroll/ferry/pkg/batch/core/adapter"
)

// Operations accepted by DBExecutor.ExecuteUpdate.
const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// DBExecutor defines common write and read operations for a database.
// It is implemented by both DBConnection and an open transaction, so stores can run the same
// code inside or outside a transaction.
type DBExecutor interface {
	// ExecuteUpdate performs write operations (CREATE, UPDATE, DELETE).
	// For UPDATE, model may be an entity pointer (primary key applies) or a
	// map[string]interface{} of column assignments, in which case tableName is required.
	// query holds additional equality conditions combined with AND.
	ExecuteUpdate(ctx context.Context, model interface{}, operation string, tableName string, query map[string]interface{}) (rowsAffected int64, err error)

	// ExecuteUpsert performs an INSERT ... ON CONFLICT DO UPDATE (or DO NOTHING when updateColumns is empty).
	ExecuteUpsert(ctx context.Context, model interface{}, tableName string, conflictColumns []string, updateColumns []string) (rowsAffected int64, err error)

	// ExecuteQuery executes a SELECT with equality conditions.
	ExecuteQuery(ctx context.Context, target interface{}, query map[string]interface{}) error

	// ExecuteQueryAdvanced executes a SELECT with optional sorting and limiting.
	ExecuteQueryAdvanced(ctx context.Context, target interface{}, query map[string]interface{}, orderBy string, limit int) error

	// ExecuteRaw runs a raw SELECT and scans the rows into target
	// (a slice of structs or a *[]map[string]interface{}).
	ExecuteRaw(ctx context.Context, target interface{}, statement string, args ...interface{}) error

	// ExecuteStatement runs a raw write statement and returns the affected row count.
	ExecuteStatement(ctx context.Context, statement string, args ...interface{}) (rowsAffected int64, err error)

	// Count counts the number of records matching the query.
	Count(ctx context.Context, model interface{}, query map[string]interface{}) (int64, error)

	// Pluck retrieves the distinct values of a column.
	Pluck(ctx context.Context, model interface{}, column string, target interface{}, query map[string]interface{}) error

	// IsTableNotExistError checks if the given error indicates that a table does not exist.
	IsTableNotExistError(err error) bool
}

// DBConnection represents an abstraction of a database connection.
type DBConnection interface {
	coreAdapter.ResourceConnection
	DBExecutor

	// RefreshConnection pings the connection pool.
	RefreshConnection(ctx context.Context) error
	// Config returns the database configuration associated with this connection.
	Config() dbconfig.DatabaseConfig
	// GetSQLDB returns the underlying *sql.DB connection.
	GetSQLDB() (*sql.DB, error)
}

// DBConnectionResolver resolves a named DBConnection, reconnecting when the pool is unhealthy.
type DBConnectionResolver interface {
	coreAdapter.ResourceConnectionResolver

	ResolveDBConnection(ctx context.Context, name string) (DBConnection, error)
}

// DBProvider provides database connections of one database type.
type DBProvider interface {
	// GetConnection retrieves a database connection with the specified name.
	GetConnection(name string) (DBConnection, error)
	// CloseAll closes all connections managed by this provider.
	CloseAll() error
	// Type returns the database type handled by this provider (e.g., "postgres").
	Type() string
	// ForceReconnect closes and re-establishes an existing connection.
	ForceReconnect(name string) (DBConnection, error)
}

// DBProviderGroup is the Fx value group collecting all DBProvider implementations.
const DBProviderGroup = "db_providers"
