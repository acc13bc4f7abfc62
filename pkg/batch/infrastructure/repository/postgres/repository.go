package postgres

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
)

// Repository serves the queue from a QueueStore and every other store from base.
type Repository struct {
	repository.Repository
	queue *QueueStore
	close func() error
}

var (
	_ repository.Repository = (*Repository)(nil)
	_ repository.Transactor = (*Repository)(nil)
)

// NewRepository combines base with the native queue. closeQueue, when non-nil, is called by Close.
func NewRepository(base repository.Repository, queue *QueueStore, closeQueue func() error) *Repository {
	return &Repository{Repository: base, queue: queue, close: closeQueue}
}

// Enqueue implements repository.QueueStore.
func (r *Repository) Enqueue(ctx context.Context, jobKey string, requestType model.RequestType, payload model.Params) (string, error) {
	return r.queue.Enqueue(ctx, jobKey, requestType, payload)
}

// Claim implements repository.QueueStore.
func (r *Repository) Claim(ctx context.Context, workerID string, types ...model.RequestType) (*model.QueueRequest, error) {
	return r.queue.Claim(ctx, workerID, types...)
}

// Complete implements repository.QueueStore.
func (r *Repository) Complete(ctx context.Context, requestID string, result model.Params) error {
	return r.queue.Complete(ctx, requestID, result)
}

// Fail implements repository.QueueStore.
func (r *Repository) Fail(ctx context.Context, requestID string, errMsg string) error {
	return r.queue.Fail(ctx, requestID, errMsg)
}

// Requeue implements repository.QueueStore.
func (r *Repository) Requeue(ctx context.Context, requestID string, availableAt time.Time) error {
	return r.queue.Requeue(ctx, requestID, availableAt)
}

// FindRequest implements repository.QueueStore.
func (r *Repository) FindRequest(ctx context.Context, requestID string) (*model.QueueRequest, error) {
	return r.queue.FindRequest(ctx, requestID)
}

// InTransaction implements repository.Transactor when base does; otherwise fn runs directly.
// Queue calls never join the transaction.
func (r *Repository) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if t, ok := r.Repository.(repository.Transactor); ok {
		return t.InTransaction(ctx, fn)
	}
	return fn(ctx)
}

// Close releases the queue connection and the base repository.
func (r *Repository) Close() error {
	var errs *multierror.Error
	if r.close != nil {
		if err := r.close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := r.Repository.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
