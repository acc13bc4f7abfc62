// Package postgres implements the request queue natively on PostgreSQL. A claim is a single
// UPDATE over a FOR UPDATE SKIP LOCKED subquery, so concurrent pollers never wait on each other
// and never see the same row.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/serialization"
)

// Connection is the subset of sqlx used by the store. Both *sqlx.DB and *sqlx.Tx satisfy it.
type Connection interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

const requestColumns = `request_id, job_key, request_type, payload, status, requested_at, available_at,
	claimed_at, claimed_by, completed_at, result_payload, error_message`

type requestRow struct {
	RequestID     string     `db:"request_id"`
	JobKey        string     `db:"job_key"`
	RequestType   string     `db:"request_type"`
	Payload       []byte     `db:"payload"`
	Status        string     `db:"status"`
	RequestedAt   time.Time  `db:"requested_at"`
	AvailableAt   time.Time  `db:"available_at"`
	ClaimedAt     *time.Time `db:"claimed_at"`
	ClaimedBy     string     `db:"claimed_by"`
	CompletedAt   *time.Time `db:"completed_at"`
	ResultPayload []byte     `db:"result_payload"`
	ErrorMessage  string     `db:"error_message"`
}

func (r *requestRow) toDomain() (*model.QueueRequest, error) {
	var payload, result map[string]interface{}
	if err := serialization.UnmarshalParams(r.Payload, &payload); err != nil {
		return nil, err
	}
	if err := serialization.UnmarshalParams(r.ResultPayload, &result); err != nil {
		return nil, err
	}
	return &model.QueueRequest{
		RequestID:     r.RequestID,
		JobKey:        r.JobKey,
		RequestType:   model.RequestType(r.RequestType),
		Payload:       payload,
		Status:        model.RequestStatus(r.Status),
		RequestedAt:   r.RequestedAt,
		AvailableAt:   r.AvailableAt,
		ClaimedAt:     r.ClaimedAt,
		ClaimedBy:     r.ClaimedBy,
		CompletedAt:   r.CompletedAt,
		ResultPayload: result,
		ErrorMessage:  r.ErrorMessage,
	}, nil
}

// QueueStore implements repository.QueueStore on ferry_queue_request.
type QueueStore struct {
	db  Connection
	now func() time.Time
}

var _ repository.QueueStore = (*QueueStore)(nil)

// NewQueueStore creates a store on db.
func NewQueueStore(db Connection) *QueueStore {
	return &QueueStore{db: db, now: time.Now}
}

// Open connects with lib/pq and returns the store with its close function.
func Open(ctx context.Context, dsn string) (*QueueStore, func() error, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, nil, exception.NewBatchError("PostgresQueue", "failed to connect", err, exception.Classify(err))
	}
	return NewQueueStore(db), db.Close, nil
}

// SetClock replaces the time source.
func (s *QueueStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *QueueStore) timestamp() time.Time {
	return s.now().UTC()
}

// Enqueue implements repository.QueueStore.
func (s *QueueStore) Enqueue(ctx context.Context, jobKey string, requestType model.RequestType, payload model.Params) (string, error) {
	req := model.NewQueueRequest(jobKey, requestType, payload)
	now := s.timestamp()
	data, err := serialization.MarshalParams(req.Payload, nil)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ferry_queue_request (request_id, job_key, request_type, payload, status, requested_at, available_at, result_payload)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $6, '{}'::jsonb)`,
		req.RequestID, jobKey, string(requestType), string(data), string(model.RequestStatusNew), now,
	)
	if err != nil {
		return "", wrap("Enqueue", fmt.Sprintf("failed to enqueue %s request for '%s'", requestType, jobKey), err)
	}
	return req.RequestID, nil
}

const claimAny = `UPDATE ferry_queue_request
SET status = 'CLAIMED', claimed_at = $1, claimed_by = $2, version = version + 1
WHERE request_id = (
	SELECT request_id FROM ferry_queue_request
	WHERE status = 'NEW' AND available_at <= $1
	ORDER BY requested_at, request_id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + requestColumns

const claimTyped = `UPDATE ferry_queue_request
SET status = 'CLAIMED', claimed_at = $1, claimed_by = $2, version = version + 1
WHERE request_id = (
	SELECT request_id FROM ferry_queue_request
	WHERE status = 'NEW' AND available_at <= $1 AND request_type = ANY($3)
	ORDER BY requested_at, request_id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + requestColumns

// Claim implements repository.QueueStore.
func (s *QueueStore) Claim(ctx context.Context, workerID string, types ...model.RequestType) (*model.QueueRequest, error) {
	now := s.timestamp()
	var (
		row requestRow
		err error
	)
	if len(types) == 0 {
		err = s.db.GetContext(ctx, &row, claimAny, now, workerID)
	} else {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		err = s.db.GetContext(ctx, &row, claimTyped, now, workerID, pq.Array(names))
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("Claim", "failed to claim a request", err)
	}
	return row.toDomain()
}

// Complete implements repository.QueueStore.
func (s *QueueStore) Complete(ctx context.Context, requestID string, result model.Params) error {
	data, err := serialization.MarshalParams(result, nil)
	if err != nil {
		return err
	}
	return s.transition(ctx, "Complete", requestID,
		`UPDATE ferry_queue_request SET status = 'DONE', completed_at = $2, result_payload = $3::jsonb
		WHERE request_id = $1 AND status = 'CLAIMED'`,
		requestID, s.timestamp(), string(data))
}

// Fail implements repository.QueueStore.
func (s *QueueStore) Fail(ctx context.Context, requestID string, errMsg string) error {
	return s.transition(ctx, "Fail", requestID,
		`UPDATE ferry_queue_request SET status = 'FAILED', completed_at = $2, error_message = $3
		WHERE request_id = $1 AND status = 'CLAIMED'`,
		requestID, s.timestamp(), errMsg)
}

// Requeue implements repository.QueueStore.
func (s *QueueStore) Requeue(ctx context.Context, requestID string, availableAt time.Time) error {
	return s.transition(ctx, "Requeue", requestID,
		`UPDATE ferry_queue_request SET status = 'NEW', available_at = $2, claimed_at = NULL, claimed_by = ''
		WHERE request_id = $1 AND status = 'CLAIMED'`,
		requestID, availableAt.UTC())
}

// transition runs a guarded update. A request that exists but is not CLAIMED is left as is.
func (s *QueueStore) transition(ctx context.Context, op, requestID, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrap(op, fmt.Sprintf("failed to update request %s", requestID), err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	var found bool
	if err := s.db.GetContext(ctx, &found, `SELECT EXISTS (SELECT 1 FROM ferry_queue_request WHERE request_id = $1)`, requestID); err != nil {
		return wrap(op, fmt.Sprintf("failed to look up request %s", requestID), err)
	}
	if !found {
		return fmt.Errorf("%s: %w", requestID, repository.ErrRequestNotFound)
	}
	return nil
}

// FindRequest implements repository.QueueStore.
func (s *QueueStore) FindRequest(ctx context.Context, requestID string) (*model.QueueRequest, error) {
	var row requestRow
	err := s.db.GetContext(ctx, &row, `SELECT `+requestColumns+` FROM ferry_queue_request WHERE request_id = $1`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", requestID, repository.ErrRequestNotFound)
	}
	if err != nil {
		return nil, wrap("FindRequest", fmt.Sprintf("failed to read request %s", requestID), err)
	}
	return row.toDomain()
}

func wrap(op, msg string, err error) error {
	return exception.NewBatchError("PostgresQueue."+op, msg, err, exception.Classify(err))
}
