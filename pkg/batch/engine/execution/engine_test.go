package execution_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/ferry/pkg/batch/core/application/port"
	"github.com/tigerroll/ferry/pkg/batch/core/config"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/metrics"
	"github.com/tigerroll/ferry/pkg/batch/core/payload"
	"github.com/tigerroll/ferry/pkg/batch/engine/checkpoint"
	"github.com/tigerroll/ferry/pkg/batch/engine/dependency"
	"github.com/tigerroll/ferry/pkg/batch/engine/execution"
	"github.com/tigerroll/ferry/pkg/batch/engine/parallel"
	"github.com/tigerroll/ferry/pkg/batch/engine/retry"
	"github.com/tigerroll/ferry/pkg/batch/infrastructure/repository/inmemory"
)

type runFunc func(ctx context.Context, conns payload.Connections, params model.Params, cp payload.Checkpoint) (payload.Counts, error)

func (f runFunc) Run(ctx context.Context, conns payload.Connections, params model.Params, cp payload.Checkpoint) (payload.Counts, error) {
	return f(ctx, conns, params, cp)
}

type connectionFunc func(ctx context.Context, def *model.JobDefinition) (payload.Connections, error)

func (f connectionFunc) Open(ctx context.Context, def *model.JobDefinition) (payload.Connections, error) {
	return f(ctx, def)
}

type syncerFunc func(ctx context.Context) (int, error)

func (f syncerFunc) Sync(ctx context.Context) (int, error) { return f(ctx) }

// blockingSource is partitionable into three offset chunks. The first fetch blocks until
// release is closed.
type blockingSource struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSource) Run(context.Context, payload.Connections, model.Params, payload.Checkpoint) (payload.Counts, error) {
	return payload.Counts{}, errors.New("sequential path not expected")
}

func (s *blockingSource) EstimateRows(context.Context, payload.Connections, model.Params, payload.Checkpoint) (int64, error) {
	return 30, nil
}

func (s *blockingSource) OrderingColumn(model.Params) string { return "" }
func (s *blockingSource) SupportsOffset() bool               { return true }

func (s *blockingSource) KeyRange(context.Context, payload.Connections, model.Params, payload.Checkpoint) (int64, int64, bool, error) {
	return 0, 0, false, nil
}

func (s *blockingSource) FetchChunk(ctx context.Context, _ payload.Connections, _ model.Params, _ payload.Checkpoint, plan model.ChunkPlan) ([]payload.Row, error) {
	s.once.Do(func() {
		close(s.started)
		<-s.release
	})
	return make([]payload.Row, plan.Limit), nil
}

func (s *blockingSource) LoadChunk(_ context.Context, _ payload.Connections, _ model.Params, rows []payload.Row) (int64, error) {
	return int64(len(rows)), nil
}

type fixture struct {
	repo        *inmemory.InMemoryRepository
	registry    *payload.Registry
	checkpoints *checkpoint.Manager
	engine      *execution.Engine
}

func newFixture(t *testing.T, onConflict string, syncer execution.ScheduleSyncer, listeners ...port.RunListener) *fixture {
	t.Helper()
	repo := inmemory.NewInMemoryRepository()
	registry := payload.NewRegistry()
	checkpoints := checkpoint.NewManager(repo, repo)
	processor := parallel.NewProcessor(parallel.Options{
		Enabled:   true,
		ChunkSize: 10,
		MinRows:   20,
		Workers:   1,
		PoolSize:  1,
	}, retry.NewPolicyFromConfig(config.RetryConfig{}), nil, metrics.NewNoOpMetricRecorder(), metrics.NewNoOpTracer())

	engine := execution.NewEngine(execution.Options{
		WorkerID:     "test-worker",
		MaxWorkers:   2,
		OnConflict:   onConflict,
		PollInterval: time.Minute,
		MaskedKeys:   []string{"password"},
	}, execution.Dependencies{
		Repository:   repo,
		Payloads:     registry,
		Checkpoints:  checkpoints,
		Processor:    processor,
		Resolver:     dependency.NewResolver(repo, repo),
		Synchronizer: syncer,
		Connections: connectionFunc(func(context.Context, *model.JobDefinition) (payload.Connections, error) {
			return payload.Connections{}, nil
		}),
		Listeners: listeners,
	})

	require.NoError(t, repo.SaveJob(context.Background(), &model.JobDefinition{
		JobKey:             "orders",
		PayloadType:        "fake",
		Params:             model.Params{"table": "orders", "password": "hunter2"},
		CheckpointStrategy: model.CheckpointKey,
		CheckpointColumn:   "id",
		Enabled:            true,
	}))
	return &fixture{repo: repo, registry: registry, checkpoints: checkpoints, engine: engine}
}

func (f *fixture) register(p payload.Payload) {
	f.registry.Register("fake", func(*model.JobDefinition) (payload.Payload, error) { return p, nil })
}

func (f *fixture) claim(t *testing.T, jobKey string, requestType model.RequestType, body model.Params) *model.QueueRequest {
	t.Helper()
	ctx := context.Background()
	_, err := f.repo.Enqueue(ctx, jobKey, requestType, body)
	require.NoError(t, err)
	req, err := f.repo.Claim(ctx, "test-worker", requestType)
	require.NoError(t, err)
	require.NotNil(t, req)
	return req
}

func (f *fixture) request(t *testing.T, id string) *model.QueueRequest {
	t.Helper()
	req, err := f.repo.FindRequest(context.Background(), id)
	require.NoError(t, err)
	return req
}

func (f *fixture) process(t *testing.T, req *model.QueueRequest) *model.ProcessLogEntry {
	t.Helper()
	session := req.ResultPayload.GetString("session_id", "")
	require.NotEmpty(t, session)
	entry, err := f.repo.FindProcess(context.Background(), session)
	require.NoError(t, err)
	return entry
}

func TestExecute_SuccessClearsCheckpointAndEnqueuesChildren(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.OnConflictRequeue, nil)
	require.NoError(t, f.repo.SaveDependency(ctx, model.JobDependency{ParentKey: "orders", ChildKey: "invoices"}))
	f.register(runFunc(func(ctx context.Context, _ payload.Connections, params model.Params, cp payload.Checkpoint) (payload.Counts, error) {
		assert.Equal(t, "orders", params.GetString("table", ""))
		assert.Equal(t, model.CheckpointKey, cp.Strategy())
		require.NoError(t, cp.Advance(ctx, "42"))
		return payload.Counts{SourceRows: 10, TargetRows: 10}, nil
	}))

	req := f.claim(t, "orders", model.RequestImmediate, nil)
	f.engine.Execute(ctx, req)

	done := f.request(t, req.RequestID)
	assert.Equal(t, model.RequestStatusDone, done.Status)
	assert.Equal(t, "PC", done.ResultPayload.GetString("status", ""))

	entry := f.process(t, done)
	assert.Equal(t, model.ProcessCompleted, entry.Status)
	assert.Equal(t, "42", entry.CheckpointValue)
	require.NotNil(t, entry.EndTime)

	logs, err := f.repo.ListJobLogs(ctx, entry.SessionID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.RunSuccess, logs[0].RunStatus)
	assert.Equal(t, int64(10), logs[0].TargetRows)
	assert.Equal(t, int64(1), logs[0].BatchNumber)

	_, ok, err := f.checkpoints.Load(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, ok, "a clean pass clears the checkpoint")

	child, err := f.repo.Claim(ctx, "w", model.RequestImmediate)
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.Equal(t, "invoices", child.JobKey)
	assert.Equal(t, "orders", child.Payload.GetString(dependency.ParamTriggeredBy, ""))
	assert.Equal(t, entry.SessionID, child.Payload.GetString(dependency.ParamParentSession, ""))
}

func TestExecute_PayloadErrorKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.OnConflictRequeue, nil)
	require.NoError(t, f.repo.SaveDependency(ctx, model.JobDependency{ParentKey: "orders", ChildKey: "invoices"}))
	f.register(runFunc(func(ctx context.Context, _ payload.Connections, _ model.Params, cp payload.Checkpoint) (payload.Counts, error) {
		require.NoError(t, cp.Advance(ctx, "7"))
		return payload.Counts{}, errors.New("relation \"orders\" does not exist")
	}))

	req := f.claim(t, "orders", model.RequestImmediate, nil)
	f.engine.Execute(ctx, req)

	failed := f.request(t, req.RequestID)
	assert.Equal(t, model.RequestStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "does not exist")

	running, err := f.repo.FindRunning(ctx, "orders")
	require.NoError(t, err)
	assert.Nil(t, running)

	v, ok, err := f.checkpoints.Load(ctx, "orders")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "7", v)

	child, err := f.repo.Claim(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, child, "children only follow a completed run")
}

func TestExecute_ErrorsAreLogged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.OnConflictRequeue, nil)
	var session string
	f.register(runFunc(func(ctx context.Context, _ payload.Connections, _ model.Params, _ payload.Checkpoint) (payload.Counts, error) {
		running, err := f.repo.FindRunning(ctx, "orders")
		require.NoError(t, err)
		require.NotNil(t, running)
		session = running.SessionID
		return payload.Counts{}, errors.New("boom")
	}))

	req := f.claim(t, "orders", model.RequestImmediate, nil)
	f.engine.Execute(ctx, req)

	entry, err := f.repo.FindProcess(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessFailed, entry.Status)
	assert.Equal(t, "boom", entry.ErrorText)

	errs, err := f.repo.ListJobErrors(ctx, session)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "PERMANENT", errs[0].ErrorCode)
	assert.Equal(t, "boom", errs[0].Message)
}

func TestExecute_HistoryIgnoresCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.OnConflictRequeue, nil)
	_, err := f.checkpoints.Advance(ctx, "orders", model.CheckpointKey, "id", "100")
	require.NoError(t, err)
	f.register(runFunc(func(ctx context.Context, _ payload.Connections, params model.Params, cp payload.Checkpoint) (payload.Counts, error) {
		assert.Equal(t, model.CheckpointNone, cp.Strategy())
		assert.Empty(t, cp.LastValue())
		assert.Equal(t, "2025-01-01", params.GetString("from", ""))
		assert.Equal(t, "orders", params.GetString("table", ""))
		return payload.Counts{SourceRows: 5, TargetRows: 5}, nil
	}))

	req := f.claim(t, "orders", model.RequestHistory, model.Params{"from": "2025-01-01"})
	f.engine.Execute(ctx, req)

	assert.Equal(t, model.RequestStatusDone, f.request(t, req.RequestID).Status)
	v, ok, err := f.checkpoints.Load(ctx, "orders")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "100", v)
}

func TestExecute_PartialRunCompletesWithRowErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.OnConflictRequeue, nil)
	f.register(runFunc(func(context.Context, payload.Connections, model.Params, payload.Checkpoint) (payload.Counts, error) {
		return payload.Counts{SourceRows: 10, TargetRows: 8, ErrorRows: 2}, nil
	}))
	_, err := f.checkpoints.Advance(ctx, "orders", model.CheckpointKey, "id", "9")
	require.NoError(t, err)

	req := f.claim(t, "orders", model.RequestImmediate, nil)
	f.engine.Execute(ctx, req)

	done := f.request(t, req.RequestID)
	assert.Equal(t, model.RequestStatusDone, done.Status)
	assert.Equal(t, "PARTIAL", done.ResultPayload.GetString("run_status", ""))
	assert.Equal(t, model.ProcessCompleted, f.process(t, done).Status)

	_, ok, err := f.checkpoints.Load(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, ok, "row failures keep the checkpoint")
}

type recordingListener struct {
	before  []string
	reports []*model.RunReport
}

func (l *recordingListener) BeforeRun(_ context.Context, def *model.JobDefinition, sessionID string) {
	l.before = append(l.before, def.JobKey+"/"+sessionID)
}

func (l *recordingListener) AfterRun(_ context.Context, report *model.RunReport) {
	l.reports = append(l.reports, report)
}

func TestExecute_NotifiesListeners(t *testing.T) {
	ctx := context.Background()
	listener := &recordingListener{}
	f := newFixture(t, config.OnConflictRequeue, nil, listener)
	f.register(runFunc(func(context.Context, payload.Connections, model.Params, payload.Checkpoint) (payload.Counts, error) {
		return payload.Counts{SourceRows: 10, TargetRows: 8, ErrorRows: 2}, nil
	}))

	req := f.claim(t, "orders", model.RequestHistory, nil)
	f.engine.Execute(ctx, req)

	entry := f.process(t, f.request(t, req.RequestID))
	assert.Equal(t, []string{"orders/" + entry.SessionID}, listener.before)
	require.Len(t, listener.reports, 1)
	report := listener.reports[0]
	assert.Equal(t, req.RequestID, report.RequestID)
	assert.Equal(t, model.RequestHistory, report.RequestType)
	assert.Equal(t, "test-worker", report.WorkerID)
	assert.Equal(t, model.ProcessCompleted, report.Status)
	assert.Equal(t, model.RunPartial, report.RunStatus)
	assert.Equal(t, int64(2), report.RowsFailed)
	assert.False(t, report.EndTime.Before(report.StartTime))

	// Rejected requests never start a run.
	other := f.claim(t, "missing", model.RequestImmediate, nil)
	f.engine.Execute(ctx, other)
	assert.Len(t, listener.before, 1)
	assert.Len(t, listener.reports, 1)
}

func TestExecute_UnknownOrDisabledJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.OnConflictRequeue, nil)
	require.NoError(t, f.repo.SaveJob(ctx, &model.JobDefinition{JobKey: "paused", PayloadType: "fake"}))

	for _, key := range []string{"ghost", "paused"} {
		req := f.claim(t, key, model.RequestImmediate, nil)
		f.engine.Execute(ctx, req)

		assert.Equal(t, model.RequestStatusFailed, f.request(t, req.RequestID).Status, key)
		errs, err := f.repo.ListJobErrors(ctx, req.RequestID)
		require.NoError(t, err)
		require.Len(t, errs, 1, key)
		assert.Equal(t, "FATAL", errs[0].ErrorCode)
	}
}

func TestExecute_UnknownPayloadTypeFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.OnConflictRequeue, nil)

	req := f.claim(t, "orders", model.RequestImmediate, nil)
	f.engine.Execute(ctx, req)

	failed := f.request(t, req.RequestID)
	assert.Equal(t, model.RequestStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "no payload registered")
}

func TestExecute_ConflictPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("requeue", func(t *testing.T) {
		f := newFixture(t, config.OnConflictRequeue, nil)
		f.register(runFunc(func(context.Context, payload.Connections, model.Params, payload.Checkpoint) (payload.Counts, error) {
			t.Fatal("payload must not run while the job key is held")
			return payload.Counts{}, nil
		}))
		require.NoError(t, f.repo.StartProcess(ctx, model.NewProcessLogEntry("orders", "elsewhere")))

		req := f.claim(t, "orders", model.RequestImmediate, nil)
		before := time.Now()
		f.engine.Execute(ctx, req)

		again := f.request(t, req.RequestID)
		assert.Equal(t, model.RequestStatusNew, again.Status)
		assert.True(t, again.AvailableAt.After(before.Add(30*time.Second)))
	})

	t.Run("reject", func(t *testing.T) {
		f := newFixture(t, config.OnConflictReject, nil)
		f.register(runFunc(func(context.Context, payload.Connections, model.Params, payload.Checkpoint) (payload.Counts, error) {
			return payload.Counts{}, nil
		}))
		require.NoError(t, f.repo.StartProcess(ctx, model.NewProcessLogEntry("orders", "elsewhere")))

		req := f.claim(t, "orders", model.RequestImmediate, nil)
		f.engine.Execute(ctx, req)

		failed := f.request(t, req.RequestID)
		assert.Equal(t, model.RequestStatusFailed, failed.Status)
		assert.Contains(t, failed.ErrorMessage, "already running")
	})
}

func TestPoll_StopHaltsAtChunkBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.OnConflictRequeue, nil)
	src := &blockingSource{started: make(chan struct{}), release: make(chan struct{})}
	f.register(src)
	require.NoError(t, f.repo.SaveJob(ctx, &model.JobDefinition{
		JobKey:             "orders",
		PayloadType:        "fake",
		CheckpointStrategy: model.CheckpointNone,
		Enabled:            true,
	}))

	runID, err := f.repo.Enqueue(ctx, "orders", model.RequestImmediate, nil)
	require.NoError(t, err)
	require.NoError(t, f.engine.Poll(ctx))
	<-src.started
	assert.Equal(t, []string{"orders"}, f.engine.Running())

	stopID, err := f.repo.Enqueue(ctx, "orders", model.RequestStop, nil)
	require.NoError(t, err)
	require.NoError(t, f.engine.Poll(ctx))
	close(src.release)
	f.engine.Wait()

	stop := f.request(t, stopID)
	assert.Equal(t, model.RequestStatusDone, stop.Status)
	assert.Equal(t, true, stop.ResultPayload["stopped"])

	run := f.request(t, runID)
	assert.Equal(t, model.RequestStatusDone, run.Status)
	assert.Equal(t, "ST", run.ResultPayload.GetString("status", ""))
	assert.Equal(t, model.ProcessStopped, f.process(t, run).Status)
	assert.Empty(t, f.engine.Running())
}

func TestPoll_StopForIdleJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.OnConflictRequeue, nil)

	id, err := f.repo.Enqueue(ctx, "orders", model.RequestStop, nil)
	require.NoError(t, err)
	require.NoError(t, f.engine.Poll(ctx))

	req := f.request(t, id)
	assert.Equal(t, model.RequestStatusDone, req.Status)
	assert.Equal(t, false, req.ResultPayload["stopped"])
}

func TestPoll_StopForJobOnAnotherWorkerIsRequeued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.OnConflictRequeue, nil)
	require.NoError(t, f.repo.StartProcess(ctx, model.NewProcessLogEntry("orders", "elsewhere")))

	id, err := f.repo.Enqueue(ctx, "orders", model.RequestStop, nil)
	require.NoError(t, err)
	require.NoError(t, f.engine.Poll(ctx))

	req := f.request(t, id)
	assert.Equal(t, model.RequestStatusNew, req.Status)
	assert.True(t, req.AvailableAt.After(time.Now()))
}

func TestPoll_RefreshSchedule(t *testing.T) {
	ctx := context.Background()
	calls := 0
	f := newFixture(t, config.OnConflictRequeue, syncerFunc(func(context.Context) (int, error) {
		calls++
		return 2, nil
	}))

	id, err := f.repo.Enqueue(ctx, "", model.RequestRefreshSchedule, nil)
	require.NoError(t, err)
	require.NoError(t, f.engine.Poll(ctx))

	req := f.request(t, id)
	assert.Equal(t, model.RequestStatusDone, req.Status)
	assert.Equal(t, int64(2), req.ResultPayload.GetInt64("enqueued", 0))
	assert.Equal(t, 1, calls)
}

func TestPoll_RespectsMaxWorkers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.OnConflictRequeue, nil)
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	f.register(runFunc(func(context.Context, payload.Connections, model.Params, payload.Checkpoint) (payload.Counts, error) {
		started.Done()
		<-release
		return payload.Counts{}, nil
	}))
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, f.repo.SaveJob(ctx, &model.JobDefinition{JobKey: key, PayloadType: "fake", Enabled: true}))
		_, err := f.repo.Enqueue(ctx, key, model.RequestImmediate, nil)
		require.NoError(t, err)
	}

	require.NoError(t, f.engine.Poll(ctx))
	started.Wait()
	assert.Len(t, f.engine.Running(), 2)

	pending, err := f.repo.Claim(ctx, "other", model.WorkRequestTypes...)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "c", pending.JobKey)

	close(release)
	f.engine.Wait()
}
