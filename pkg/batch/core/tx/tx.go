// Package tx provides an abstraction for transaction management.
// Stores that find a Tx in the context run their statements on it, so a caller can group the
// writes of several stores (e.g., finalizing a process log together with its job log) atomically.
package tx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tigerroll/ferry/pkg/batch/adapter/database"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// Tx represents an ongoing database transaction.
type Tx interface {
	database.DBExecutor

	// Savepoint creates a new savepoint within the current transaction.
	Savepoint(name string) error
	// RollbackToSavepoint rolls back the transaction to the savepoint with the specified name.
	RollbackToSavepoint(name string) error
}

// TransactionManager manages the lifecycle of database transactions (begin, commit, rollback).
type TransactionManager interface {
	// Begin starts a new database transaction.
	Begin(ctx context.Context, opts ...*sql.TxOptions) (Tx, error)
	// Commit commits the specified transaction.
	Commit(tx Tx) error
	// Rollback rolls back the specified transaction.
	Rollback(tx Tx) error
}

// TransactionManagerFactory creates TransactionManager instances bound to one connection.
type TransactionManagerFactory interface {
	NewTransactionManager(conn database.DBConnection) TransactionManager
}

type txKey struct{}

// WithTx returns a context carrying t.
func WithTx(ctx context.Context, t Tx) context.Context {
	return context.WithValue(ctx, txKey{}, t)
}

// FromContext returns the Tx carried by ctx, if any.
func FromContext(ctx context.Context) (Tx, bool) {
	t, ok := ctx.Value(txKey{}).(Tx)
	return t, ok
}

// Executor returns the Tx carried by ctx, or fallback when there is none.
func Executor(ctx context.Context, fallback database.DBExecutor) database.DBExecutor {
	if t, ok := FromContext(ctx); ok {
		return t
	}
	return fallback
}

// Run executes fn inside a transaction. The transaction is committed when fn returns nil and
// rolled back otherwise. A transaction already present in ctx is reused without nesting.
func Run(ctx context.Context, tm TransactionManager, fn func(ctx context.Context) error) (err error) {
	if _, ok := FromContext(ctx); ok {
		return fn(ctx)
	}

	t, err := tm.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			if rbErr := tm.Rollback(t); rbErr != nil {
				logger.Errorf("Rollback after panic failed: %v", rbErr)
			}
			panic(r)
		}
	}()

	if err = fn(WithTx(ctx, t)); err != nil {
		if rbErr := tm.Rollback(t); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
		}
		return err
	}
	if err = tm.Commit(t); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
