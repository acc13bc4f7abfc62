package sql_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "github.com/tigerroll/ferry/pkg/batch/adapter/database/config"
	gormadapter "github.com/tigerroll/ferry/pkg/batch/adapter/database/gorm"
	_ "github.com/tigerroll/ferry/pkg/batch/adapter/database/gorm/sqlite"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
	"github.com/tigerroll/ferry/pkg/batch/infrastructure/migration"
	sqlrepo "github.com/tigerroll/ferry/pkg/batch/infrastructure/repository/sql"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
)

const testDBName = "metadata"

// testClock hands out strictly increasing timestamps so insertion order is deterministic.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// setupSQLiteRepository migrates a fresh SQLite file and returns a repository on it.
func setupSQLiteRepository(t *testing.T) (*sqlrepo.SQLRepository, *testClock) {
	t.Helper()
	cfg := dbconfig.DatabaseConfig{
		Type:     "sqlite",
		Database: filepath.Join(t.TempDir(), "metadata.db"),
		LogLevel: "SILENT",
		Pool:     dbconfig.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1},
	}
	require.NoError(t, migration.NewMigrator(cfg).Up(context.Background()))

	gormDB, err := gormadapter.Open(cfg)
	require.NoError(t, err)
	conn, err := gormadapter.NewGormDBAdapter(gormDB, cfg, testDBName)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	resolver := gormadapter.StaticResolver{testDBName: conn}
	repo := sqlrepo.NewSQLRepository(resolver, gormadapter.NewGormTransactionManager(resolver, testDBName), testDBName)
	clock := &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	repo.SetClock(clock.Now)
	return repo, clock
}

func TestSQLRepository_ClaimOrderAndTypes(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupSQLiteRepository(t)

	first, err := repo.Enqueue(ctx, "a", model.RequestImmediate, model.Params{"n": 1})
	require.NoError(t, err)
	stop, _ := repo.Enqueue(ctx, "a", model.RequestStop, nil)
	second, _ := repo.Enqueue(ctx, "b", model.RequestHistory, nil)

	req, err := repo.Claim(ctx, "w1", model.ControlRequestTypes...)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, stop, req.RequestID)
	assert.Equal(t, model.RequestStatusClaimed, req.Status)
	assert.Equal(t, "w1", req.ClaimedBy)
	require.NotNil(t, req.ClaimedAt)

	req, err = repo.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, first, req.RequestID)
	assert.Equal(t, float64(1), req.Payload["n"])

	req, _ = repo.Claim(ctx, "w1", model.WorkRequestTypes...)
	assert.Equal(t, second, req.RequestID)

	req, err = repo.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestSQLRepository_ClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupSQLiteRepository(t)
	for i := 0; i < 4; i++ {
		_, err := repo.Enqueue(ctx, "orders", model.RequestImmediate, nil)
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := repo.Claim(ctx, "worker")
			assert.NoError(t, err)
			if req != nil {
				mu.Lock()
				claimed[req.RequestID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 4)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "request %s claimed more than once", id)
	}
}

func TestSQLRepository_CompleteAndFail(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupSQLiteRepository(t)
	id, _ := repo.Enqueue(ctx, "a", model.RequestImmediate, nil)
	_, err := repo.Claim(ctx, "w")
	require.NoError(t, err)

	require.NoError(t, repo.Complete(ctx, id, model.Params{"rows": 10}))
	require.NoError(t, repo.Fail(ctx, id, "late failure"), "terminal requests ignore further transitions")

	req, err := repo.FindRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusDone, req.Status)
	assert.Equal(t, float64(10), req.ResultPayload["rows"])
	assert.Empty(t, req.ErrorMessage)
	require.NotNil(t, req.CompletedAt)

	failed, _ := repo.Enqueue(ctx, "a", model.RequestImmediate, nil)
	_, _ = repo.Claim(ctx, "w")
	require.NoError(t, repo.Fail(ctx, failed, "boom"))
	req, _ = repo.FindRequest(ctx, failed)
	assert.Equal(t, model.RequestStatusFailed, req.Status)
	assert.Equal(t, "boom", req.ErrorMessage)

	assert.ErrorIs(t, repo.Complete(ctx, "missing", nil), repository.ErrRequestNotFound)
	_, err = repo.FindRequest(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrRequestNotFound)
}

func TestSQLRepository_RequeueDelaysClaim(t *testing.T) {
	ctx := context.Background()
	repo, clock := setupSQLiteRepository(t)

	id, _ := repo.Enqueue(ctx, "a", model.RequestImmediate, nil)
	claimed, err := repo.Claim(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, repo.Requeue(ctx, id, claimed.ClaimedAt.Add(15*time.Second)))

	req, err := repo.FindRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusNew, req.Status)
	assert.Nil(t, req.ClaimedAt)
	assert.Empty(t, req.ClaimedBy)

	req, _ = repo.Claim(ctx, "w")
	assert.Nil(t, req)

	clock.Advance(15 * time.Second)
	req, err = repo.Claim(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, id, req.RequestID)
	assert.Equal(t, "w2", req.ClaimedBy)

	assert.ErrorIs(t, repo.Requeue(ctx, "missing", time.Now()), repository.ErrRequestNotFound)
}

func TestSQLRepository_SingleInProgressPerJobKey(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupSQLiteRepository(t)

	first := model.NewProcessLogEntry("orders", "r1")
	require.NoError(t, repo.StartProcess(ctx, first))
	err := repo.StartProcess(ctx, model.NewProcessLogEntry("orders", "r2"))
	assert.ErrorIs(t, err, repository.ErrJobAlreadyRunning)
	require.NoError(t, repo.StartProcess(ctx, model.NewProcessLogEntry("invoices", "r3")))

	running, err := repo.FindRunning(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Equal(t, first.SessionID, running.SessionID)

	require.NoError(t, repo.UpdateCheckpointValue(ctx, first.SessionID, "42"))
	require.NoError(t, repo.FinishProcess(ctx, first.SessionID, model.ProcessCompleted, time.Now(), ""))
	running, err = repo.FindRunning(ctx, "orders")
	require.NoError(t, err)
	assert.Nil(t, running)

	done, err := repo.FindProcess(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessCompleted, done.Status)
	assert.Equal(t, "42", done.CheckpointValue)
	require.NotNil(t, done.EndTime)

	require.NoError(t, repo.StartProcess(ctx, model.NewProcessLogEntry("orders", "r4")))

	assert.ErrorIs(t, repo.FinishProcess(ctx, "missing", model.ProcessFailed, time.Now(), "x"), repository.ErrProcessNotFound)
	_, err = repo.FindProcess(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrProcessNotFound)
}

func TestSQLRepository_JobLogsAndErrors(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupSQLiteRepository(t)

	require.NoError(t, repo.AppendJobLog(ctx, &model.JobLogEntry{
		SessionID: "s1", JobKey: "orders", RunStatus: model.RunSuccess,
		SourceRows: 10, TargetRows: 9, ErrorRows: 1, BatchNumber: 2,
	}))
	require.NoError(t, repo.AppendJobError(ctx, model.NewJobErrorEntry("s1", "orders", "ROW", "bad row", `{"id":3}`)))
	require.NoError(t, repo.AppendJobError(ctx, model.NewJobErrorEntry("s2", "orders", "FATAL", "other", "")))

	logs, err := repo.ListJobLogs(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.NotEmpty(t, logs[0].ID)
	assert.Equal(t, int64(9), logs[0].TargetRows)
	assert.Equal(t, int64(2), logs[0].BatchNumber)

	errs, err := repo.ListJobErrors(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "ROW", errs[0].ErrorCode)
	assert.Equal(t, `{"id":3}`, errs[0].RowContext)
}

func TestSQLRepository_Schedules(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupSQLiteRepository(t)

	s := model.NewScheduleDefinition("orders", model.FrequencyDaily)
	s.FreqHour, s.FreqMinute = 2, 30
	require.NoError(t, repo.SaveSchedule(ctx, s))
	other := model.NewScheduleDefinition("billing", model.FrequencyWeekly)
	require.NoError(t, repo.SaveSchedule(ctx, other))

	all, err := repo.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "billing", all[0].JobKey)

	next := time.Date(2025, 3, 2, 2, 30, 0, 0, time.UTC)
	require.NoError(t, repo.UpdateScheduleRun(ctx, s.ID, nil, &next))
	fired := time.Date(2025, 3, 1, 2, 30, 0, 0, time.UTC)
	require.NoError(t, repo.UpdateScheduleRun(ctx, s.ID, &fired, &next))

	require.NoError(t, repo.SetScheduleEnabled(ctx, "billing", false))
	require.NoError(t, repo.SetScheduleEnabled(ctx, "billing", false), "toggling to the current value is not an error")
	enabled, err := repo.ListEnabledSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, s.ID, enabled[0].ID)
	assert.Equal(t, 30, enabled[0].FreqMinute)
	require.NotNil(t, enabled[0].NextRun)
	assert.True(t, next.Equal(*enabled[0].NextRun))
	require.NotNil(t, enabled[0].LastRun)
	assert.True(t, fired.Equal(*enabled[0].LastRun))

	s.FreqHour = 4
	require.NoError(t, repo.SaveSchedule(ctx, s), "saving an existing id replaces it")
	all, _ = repo.ListSchedules(ctx)
	assert.Len(t, all, 2)

	assert.ErrorIs(t, repo.SetScheduleEnabled(ctx, "nope", true), repository.ErrScheduleNotFound)
	assert.ErrorIs(t, repo.UpdateScheduleRun(ctx, "nope", nil, &next), repository.ErrScheduleNotFound)
}

func TestSQLRepository_Checkpoints(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupSQLiteRepository(t)

	_, err := repo.LoadCheckpoint(ctx, "orders")
	assert.ErrorIs(t, err, repository.ErrCheckpointNotFound)

	rec := &model.CheckpointRecord{JobKey: "orders", Strategy: model.CheckpointKey, Column: "id", LastValue: "10"}
	require.NoError(t, repo.SaveCheckpoint(ctx, rec))
	rec.LastValue = "20"
	require.NoError(t, repo.SaveCheckpoint(ctx, rec))

	got, err := repo.LoadCheckpoint(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "20", got.LastValue)
	assert.Equal(t, "id", got.Column)
	assert.Equal(t, model.CheckpointKey, got.Strategy)

	require.NoError(t, repo.DeleteCheckpoint(ctx, "orders"))
	require.NoError(t, repo.DeleteCheckpoint(ctx, "orders"))
	_, err = repo.LoadCheckpoint(ctx, "orders")
	assert.ErrorIs(t, err, repository.ErrCheckpointNotFound)
}

func TestSQLRepository_JobsAndDependencies(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupSQLiteRepository(t)

	_, err := repo.FindJob(ctx, "orders")
	assert.ErrorIs(t, err, exception.ErrJobNotFound)

	job := &model.JobDefinition{
		JobKey: "orders", PayloadType: "sqlcopy", SourceRef: "src", TargetRef: "dst",
		Params: model.Params{"table": "orders"}, CheckpointStrategy: model.CheckpointKey,
		CheckpointColumn: "id", Enabled: true,
	}
	require.NoError(t, repo.SaveJob(ctx, job))
	job.Enabled = false
	require.NoError(t, repo.SaveJob(ctx, job))
	require.NoError(t, repo.SaveJob(ctx, &model.JobDefinition{JobKey: "billing", PayloadType: "sqlcopy", Enabled: true}))

	got, err := repo.FindJob(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "orders", got.Params["table"])
	assert.Equal(t, model.CheckpointKey, got.CheckpointStrategy)

	jobs, err := repo.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "billing", jobs[0].JobKey)

	require.NoError(t, repo.SaveDependency(ctx, model.JobDependency{ParentKey: "orders", ChildKey: "invoices"}))
	require.NoError(t, repo.SaveDependency(ctx, model.JobDependency{ParentKey: "orders", ChildKey: "billing"}))
	require.NoError(t, repo.SaveDependency(ctx, model.JobDependency{ParentKey: "orders", ChildKey: "billing"}))

	deps, err := repo.ListDependencies(ctx)
	require.NoError(t, err)
	assert.Len(t, deps, 2)
	children, err := repo.ListChildren(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "invoices"}, children)
}

func TestSQLRepository_InTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupSQLiteRepository(t)

	err := repo.InTransaction(ctx, func(ctx context.Context) error {
		if err := repo.AppendJobLog(ctx, &model.JobLogEntry{SessionID: "s1", JobKey: "orders", RunStatus: model.RunFailed}); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	logs, err := repo.ListJobLogs(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, logs)

	require.NoError(t, repo.InTransaction(ctx, func(ctx context.Context) error {
		return repo.AppendJobLog(ctx, &model.JobLogEntry{SessionID: "s1", JobKey: "orders", RunStatus: model.RunSuccess})
	}))
	logs, _ = repo.ListJobLogs(ctx, "s1")
	assert.Len(t, logs, 1)
}

func TestSQLRepository_ProcessLease(t *testing.T) {
	ctx := context.Background()
	repo, clock := setupSQLiteRepository(t)

	started := clock.Now()
	alive := model.NewProcessLogEntry("orders", "r1")
	alive.StartTime, alive.HeartbeatAt, alive.WorkerID = started, started, "w1"
	require.NoError(t, repo.StartProcess(ctx, alive))
	dead := model.NewProcessLogEntry("invoices", "r2")
	dead.StartTime, dead.HeartbeatAt, dead.WorkerID = started, started, "w2"
	require.NoError(t, repo.StartProcess(ctx, dead))

	clock.Advance(5 * time.Minute)
	held, err := repo.TouchProcess(ctx, alive.SessionID, clock.Now())
	require.NoError(t, err)
	assert.True(t, held)

	cutoff := clock.Now().Add(-3 * time.Minute)
	stale, err := repo.ListStaleProcesses(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, dead.SessionID, stale[0].SessionID)
	assert.Equal(t, "w2", stale[0].WorkerID)

	abandoned, err := repo.AbandonProcess(ctx, alive.SessionID, cutoff, clock.Now(), "abandoned")
	require.NoError(t, err)
	assert.False(t, abandoned, "a renewed entry is not abandoned")
	abandoned, err = repo.AbandonProcess(ctx, dead.SessionID, cutoff, clock.Now(), "abandoned")
	require.NoError(t, err)
	assert.True(t, abandoned)

	entry, err := repo.FindProcess(ctx, dead.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessFailed, entry.Status)
	assert.Equal(t, "abandoned", entry.ErrorText)
	running, err := repo.FindRunning(ctx, "invoices")
	require.NoError(t, err)
	assert.Nil(t, running, "abandoning releases the job key")
	require.NoError(t, repo.StartProcess(ctx, model.NewProcessLogEntry("invoices", "r3")))

	// The late finish of the dead worker keeps the abandonment.
	require.NoError(t, repo.FinishProcess(ctx, dead.SessionID, model.ProcessCompleted, clock.Now(), ""))
	entry, err = repo.FindProcess(ctx, dead.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessFailed, entry.Status)
	held, err = repo.TouchProcess(ctx, dead.SessionID, clock.Now())
	require.NoError(t, err)
	assert.False(t, held)
}

func TestSQLRepository_ListOrphanedClaims(t *testing.T) {
	ctx := context.Background()
	repo, clock := setupSQLiteRepository(t)

	orphanID, err := repo.Enqueue(ctx, "orders", model.RequestImmediate, nil)
	require.NoError(t, err)
	startedID, err := repo.Enqueue(ctx, "invoices", model.RequestImmediate, nil)
	require.NoError(t, err)
	_, err = repo.Enqueue(ctx, "billing", model.RequestImmediate, nil)
	require.NoError(t, err)

	orphan, err := repo.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, orphanID, orphan.RequestID)
	started, err := repo.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, startedID, started.RequestID)
	entry := model.NewProcessLogEntry("invoices", startedID)
	entry.StartTime = clock.Now()
	require.NoError(t, repo.StartProcess(ctx, entry))

	clock.Advance(5 * time.Minute)
	_, err = repo.Claim(ctx, "w1")
	require.NoError(t, err)

	orphans, err := repo.ListOrphanedClaims(ctx, clock.Now().Add(-3*time.Minute))
	require.NoError(t, err)
	require.Len(t, orphans, 1, "recent claims and started runs are not orphans")
	assert.Equal(t, orphanID, orphans[0].RequestID)
	assert.Equal(t, "w1", orphans[0].ClaimedBy)
}

func TestSQLRepository_AdvanceScheduleRunIsGuarded(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupSQLiteRepository(t)
	s := model.NewScheduleDefinition("orders", model.FrequencyDaily)
	require.NoError(t, repo.SaveSchedule(ctx, s))

	first := time.Date(2025, 3, 1, 2, 30, 0, 0, time.UTC)
	second := first.Add(24 * time.Hour)
	advanced, err := repo.AdvanceScheduleRun(ctx, s.ID, &second, nil, &first)
	require.NoError(t, err)
	assert.False(t, advanced, "next_run is still unset")
	advanced, err = repo.AdvanceScheduleRun(ctx, s.ID, nil, nil, &first)
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = repo.AdvanceScheduleRun(ctx, s.ID, &first, &first, &second)
	require.NoError(t, err)
	assert.True(t, advanced)
	advanced, err = repo.AdvanceScheduleRun(ctx, s.ID, &first, &first, &second)
	require.NoError(t, err)
	assert.False(t, advanced, "a second writer with the same expectation loses")

	stored, err := repo.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.NotNil(t, stored[0].NextRun)
	assert.True(t, second.Equal(*stored[0].NextRun))
	require.NotNil(t, stored[0].LastRun)
	assert.True(t, first.Equal(*stored[0].LastRun))

	_, err = repo.AdvanceScheduleRun(ctx, "nope", nil, nil, &first)
	assert.ErrorIs(t, err, repository.ErrScheduleNotFound)
}
