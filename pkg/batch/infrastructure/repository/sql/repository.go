// Package sql implements the coordination store on the GORM database adapter. It runs on
// PostgreSQL, MySQL and SQLite; the tables are created by the embedded migrations.
package sql

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/adapter/database"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
	"github.com/tigerroll/ferry/pkg/batch/core/tx"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
)

// SQLRepository implements repository.Repository.
type SQLRepository struct {
	dbResolver database.DBConnectionResolver
	// TxManager groups writes in InTransaction.
	TxManager tx.TransactionManager
	// dbName is the connection hosting the tables (e.g., "metadata").
	dbName string
	now    func() time.Time
}

var (
	_ repository.Repository = (*SQLRepository)(nil)
	_ repository.Transactor = (*SQLRepository)(nil)
)

// NewSQLRepository creates a repository on the connection called dbName.
func NewSQLRepository(dbResolver database.DBConnectionResolver, txManager tx.TransactionManager, dbName string) *SQLRepository {
	return &SQLRepository{
		dbResolver: dbResolver,
		TxManager:  txManager,
		dbName:     dbName,
		now:        time.Now,
	}
}

// SetClock replaces the time source used for queue timestamps.
func (r *SQLRepository) SetClock(now func() time.Time) {
	r.now = now
}

// getDBConnection resolves the connection on every call so a reconnect is picked up.
func (r *SQLRepository) getDBConnection(ctx context.Context) (database.DBConnection, error) {
	conn, err := r.dbResolver.ResolveDBConnection(ctx, r.dbName)
	if err != nil {
		return nil, exception.NewBatchError("SQLRepository", fmt.Sprintf("failed to resolve DB connection '%s'", r.dbName), err, exception.KindTransient)
	}
	return conn, nil
}

// executor returns the transaction carried by ctx, or the connection.
func (r *SQLRepository) executor(ctx context.Context) (database.DBExecutor, error) {
	if t, ok := tx.FromContext(ctx); ok {
		return t, nil
	}
	return r.getDBConnection(ctx)
}

// InTransaction implements repository.Transactor.
func (r *SQLRepository) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.TxManager == nil {
		return fn(ctx)
	}
	return tx.Run(ctx, r.TxManager, fn)
}

// Close implements repository.Repository. Connections are owned by their provider.
func (r *SQLRepository) Close() error {
	return nil
}

func (r *SQLRepository) timestamp() time.Time {
	return r.now().UTC()
}

// exists reports whether a row of model matches query.
func (r *SQLRepository) exists(ctx context.Context, exec database.DBExecutor, model interface{}, query map[string]interface{}) (bool, error) {
	n, err := exec.Count(ctx, model, query)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func wrap(op, msg string, err error) error {
	return exception.NewBatchError(op, msg, err, exception.Classify(err))
}

// isUniqueViolation recognizes duplicate-key errors of the supported databases.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // SQLite
		strings.Contains(msg, "duplicate key value") || // PostgreSQL
		strings.Contains(msg, "SQLSTATE 23505") || // PostgreSQL (pgx)
		strings.Contains(msg, "Error 1062") // MySQL
}
