package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	dbconfig "github.com/tigerroll/ferry/pkg/batch/adapter/database/config"
	pgadapter "github.com/tigerroll/ferry/pkg/batch/adapter/database/gorm/postgres"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/infrastructure/migration"
	"github.com/tigerroll/ferry/pkg/batch/infrastructure/repository/postgres"
)

// startPostgres runs a disposable PostgreSQL container with the ferry schema applied.
func startPostgres(t *testing.T) dbconfig.DatabaseConfig {
	t.Helper()
	if os.Getenv("FERRY_INTEGRATION") != "1" {
		t.Skip("set FERRY_INTEGRATION=1 to run PostgreSQL integration tests")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "ferry",
				"POSTGRES_PASSWORD": "ferry",
				"POSTGRES_DB":       "ferry",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := dbconfig.DatabaseConfig{
		Type:     pgadapter.DBType,
		Host:     host,
		Port:     port.Int(),
		Database: "ferry",
		User:     "ferry",
		Password: "ferry",
		LogLevel: "SILENT",
	}
	require.NoError(t, migration.NewMigrator(cfg).Up(ctx))
	return cfg
}

func TestQueueStore_PostgresConcurrentClaims(t *testing.T) {
	cfg := startPostgres(t)
	ctx := context.Background()

	store, closeStore, err := postgres.Open(ctx, pgadapter.ConnectionString(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeStore() })

	const requests = 20
	for i := 0; i < requests; i++ {
		_, err := store.Enqueue(ctx, "orders", model.RequestImmediate, model.Params{"n": i})
		require.NoError(t, err)
	}
	stop, err := store.Enqueue(ctx, "orders", model.RequestStop, nil)
	require.NoError(t, err)

	control, err := store.Claim(ctx, "poller", model.ControlRequestTypes...)
	require.NoError(t, err)
	require.NotNil(t, control)
	assert.Equal(t, stop, control.RequestID)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]string{}
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				req, err := store.Claim(ctx, worker, model.WorkRequestTypes...)
				if !assert.NoError(t, err) || req == nil {
					return
				}
				mu.Lock()
				_, dup := claimed[req.RequestID]
				claimed[req.RequestID] = worker
				mu.Unlock()
				assert.False(t, dup, "request %s claimed twice", req.RequestID)
				assert.NoError(t, store.Complete(ctx, req.RequestID, model.Params{"by": worker}))
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()
	assert.Len(t, claimed, requests)

	for id, worker := range claimed {
		req, err := store.FindRequest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.RequestStatusDone, req.Status)
		assert.Equal(t, worker, req.ResultPayload["by"])
	}
}

func TestQueueStore_PostgresRequeue(t *testing.T) {
	cfg := startPostgres(t)
	ctx := context.Background()

	store, closeStore, err := postgres.Open(ctx, pgadapter.ConnectionString(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeStore() })

	id, err := store.Enqueue(ctx, "orders", model.RequestHistory, model.Params{"from": "2025-01-01"})
	require.NoError(t, err)
	req, err := store.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, req)

	require.NoError(t, store.Requeue(ctx, id, time.Now().Add(time.Hour)))
	req, err = store.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, req, "re-queued request is not available before its time")

	found, err := store.FindRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusNew, found.Status)
	assert.Empty(t, found.ClaimedBy)
	assert.Equal(t, "2025-01-01", found.Payload["from"])
}
