package postgres_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
	"github.com/tigerroll/ferry/pkg/batch/infrastructure/repository/inmemory"
	"github.com/tigerroll/ferry/pkg/batch/infrastructure/repository/postgres"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
)

var fixedNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

var rowColumns = []string{
	"request_id", "job_key", "request_type", "payload", "status", "requested_at",
	"available_at", "claimed_at", "claimed_by", "completed_at", "result_payload", "error_message",
}

var claimClause = regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")

func newMockStore(t *testing.T) (*postgres.QueueStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := postgres.NewQueueStore(sqlx.NewDb(db, "postgres"))
	store.SetClock(func() time.Time { return fixedNow })
	return store, mock
}

func TestQueueStore_Enqueue(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ferry_queue_request")).
		WithArgs(sqlmock.AnyArg(), "orders", "IMMEDIATE", `{"a":1}`, "NEW", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := store.Enqueue(context.Background(), "orders", model.RequestImmediate, model.Params{"a": 1})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueStore_Claim(t *testing.T) {
	store, mock := newMockStore(t)
	claimedAt := fixedNow
	mock.ExpectQuery(claimClause).
		WithArgs(fixedNow, "w1").
		WillReturnRows(sqlmock.NewRows(rowColumns).AddRow(
			"r1", "orders", "IMMEDIATE", []byte(`{"a":1}`), "CLAIMED", fixedNow, fixedNow,
			claimedAt, "w1", nil, []byte(`{}`), ""))

	req, err := store.Claim(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "r1", req.RequestID)
	assert.Equal(t, model.RequestStatusClaimed, req.Status)
	assert.Equal(t, "w1", req.ClaimedBy)
	assert.Equal(t, float64(1), req.Payload["a"])
	assert.Empty(t, req.ResultPayload)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueStore_ClaimNothingAvailable(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(claimClause + ".*").
		WithArgs(fixedNow, "w1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(rowColumns))

	req, err := store.Claim(context.Background(), "w1", model.ControlRequestTypes...)
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueStore_ClaimErrorIsClassified(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(claimClause).WillReturnError(assert.AnError)

	_, err := store.Claim(context.Background(), "w1")
	require.Error(t, err)
	var be *exception.BatchError
	require.ErrorAs(t, err, &be)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestQueueStore_Transitions(t *testing.T) {
	exists := regexp.QuoteMeta("SELECT EXISTS")

	t.Run("complete claimed request", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta("SET status = 'DONE'")).
			WithArgs("r1", fixedNow, `{"rows":3}`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, store.Complete(context.Background(), "r1", model.Params{"rows": 3}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fail terminal request is a no-op", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta("SET status = 'FAILED'")).
			WithArgs("r1", fixedNow, "boom").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(exists).WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		require.NoError(t, store.Fail(context.Background(), "r1", "boom"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("requeue missing request", func(t *testing.T) {
		store, mock := newMockStore(t)
		at := fixedNow.Add(time.Minute)
		mock.ExpectExec(regexp.QuoteMeta("SET status = 'NEW'")).
			WithArgs("missing", at).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(exists).WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		err := store.Requeue(context.Background(), "missing", at)
		assert.ErrorIs(t, err, repository.ErrRequestNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestQueueStore_FindRequestNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM ferry_queue_request WHERE request_id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(rowColumns))

	_, err := store.FindRequest(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrRequestNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_RoutesQueueCalls(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)
	base := inmemory.NewInMemoryRepository()
	closed := false
	repo := postgres.NewRepository(base, store, func() error { closed = true; return nil })

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ferry_queue_request")).WillReturnResult(sqlmock.NewResult(0, 1))
	_, err := repo.Enqueue(ctx, "orders", model.RequestImmediate, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	require.NoError(t, repo.SaveJob(ctx, &model.JobDefinition{JobKey: "orders", PayloadType: "sqlcopy"}))
	job, err := base.FindJob(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "sqlcopy", job.PayloadType)

	called := false
	require.NoError(t, repo.InTransaction(ctx, func(context.Context) error { called = true; return nil }))
	assert.True(t, called)

	require.NoError(t, repo.Close())
	assert.True(t, closed)
}
