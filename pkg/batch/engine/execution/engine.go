// Package execution claims queue requests and drives each job run through its lifecycle:
// CLAIMED → IP → {PC, FL, ST}. The engine owns the job-key mutex and the stop flags of the
// runs it hosts; every other piece of state lives in the coordination store.
package execution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/tigerroll/ferry/pkg/batch/core/application/port"
	"github.com/tigerroll/ferry/pkg/batch/core/config"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
	"github.com/tigerroll/ferry/pkg/batch/core/metrics"
	"github.com/tigerroll/ferry/pkg/batch/core/payload"
	"github.com/tigerroll/ferry/pkg/batch/engine/checkpoint"
	"github.com/tigerroll/ferry/pkg/batch/engine/dependency"
	"github.com/tigerroll/ferry/pkg/batch/engine/parallel"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
	"github.com/tigerroll/ferry/pkg/batch/support/util/serialization"
)

const (
	// maxRowErrors caps the JobErrorEntry rows written for row-level failures of one run.
	maxRowErrors = 100
	// rowContextLimit truncates the rendered row of a JobErrorEntry.
	rowContextLimit = 2000
	// stopRetryWindow is how long a STOP for a job running on another worker keeps being
	// re-queued before it is completed as not stopped.
	stopRetryWindow = 10 * time.Minute
)

// Options configure an Engine.
type Options struct {
	// WorkerID is recorded as claimed_by.
	WorkerID string
	// MaxWorkers bounds concurrent runs.
	MaxWorkers int
	// OnConflict is config.OnConflictRequeue or config.OnConflictReject.
	OnConflict string
	// PollInterval delays re-queued requests.
	PollInterval time.Duration
	// MaskedKeys are the param keys masked in logs and error rows.
	MaskedKeys []string
	// Lease is how long an IP entry survives without a heartbeat before Recover settles it.
	Lease time.Duration
}

// OptionsFromConfig reads the scheduler and batch sections. An empty worker id is generated
// from the host name.
func OptionsFromConfig(cfg *config.Config) Options {
	workerID := cfg.Ferry.Scheduler.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "ferry"
		}
		workerID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	return Options{
		WorkerID:     workerID,
		MaxWorkers:   cfg.Ferry.Batch.MaxWorkers,
		OnConflict:   cfg.Ferry.Scheduler.OnConflict,
		PollInterval: cfg.Ferry.Scheduler.PollInterval(),
		MaskedKeys:   cfg.Ferry.Security.MaskedParameterKeys,
		Lease:        cfg.Ferry.Scheduler.Lease(),
	}
}

// ScheduleSyncer runs one schedule synchronization cycle.
type ScheduleSyncer interface {
	Sync(ctx context.Context) (int, error)
}

// Dependencies are the collaborators of an Engine.
type Dependencies struct {
	Repository   repository.Repository
	Payloads     *payload.Registry
	Checkpoints  *checkpoint.Manager
	Processor    *parallel.Processor
	Resolver     *dependency.Resolver
	Synchronizer ScheduleSyncer
	Connections  ConnectionFactory
	Recorder     metrics.MetricRecorder
	Tracer       metrics.Tracer
	Listeners    []port.RunListener
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine claims requests from the queue and executes them on a bounded set of workers.
type Engine struct {
	opts         Options
	repo         repository.Repository
	payloads     *payload.Registry
	checkpoints  *checkpoint.Manager
	processor    *parallel.Processor
	resolver     *dependency.Resolver
	synchronizer ScheduleSyncer
	connections  ConnectionFactory
	recorder     metrics.MetricRecorder
	tracer       metrics.Tracer
	listeners    []port.RunListener
	now          func() time.Time

	running *runRegistry
	slots   chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates an Engine.
func NewEngine(opts Options, deps Dependencies) *Engine {
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	if opts.OnConflict == "" {
		opts.OnConflict = config.OnConflictRequeue
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 3 * time.Minute
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.NewNoOpMetricRecorder()
	}
	if deps.Tracer == nil {
		deps.Tracer = metrics.NewNoOpTracer()
	}
	return &Engine{
		opts:         opts,
		repo:         deps.Repository,
		payloads:     deps.Payloads,
		checkpoints:  deps.Checkpoints,
		processor:    deps.Processor,
		resolver:     deps.Resolver,
		synchronizer: deps.Synchronizer,
		connections:  deps.Connections,
		recorder:     deps.Recorder,
		tracer:       deps.Tracer,
		listeners:    deps.Listeners,
		now:          deps.Now,
		running:      newRunRegistry(),
		slots:        make(chan struct{}, opts.MaxWorkers),
	}
}

// WorkerID returns the claimant id of the engine.
func (e *Engine) WorkerID() string {
	return e.opts.WorkerID
}

// Running returns the job keys currently executing on this engine.
func (e *Engine) Running() []string {
	return e.running.keys()
}

// Poll handles every pending control request, then claims work requests while a worker slot
// is free. Work requests run asynchronously; Wait blocks until they finish.
func (e *Engine) Poll(ctx context.Context) error {
	if err := e.drainControl(ctx); err != nil {
		return err
	}
	for {
		select {
		case e.slots <- struct{}{}:
		default:
			return nil
		}
		req, err := e.repo.Claim(ctx, e.opts.WorkerID, model.WorkRequestTypes...)
		if err != nil || req == nil {
			<-e.slots
			if err != nil {
				return exception.NewBatchError("Poller", "failed to claim a work request", err, exception.Classify(err))
			}
			return nil
		}
		e.recorder.RecordQueueClaim(ctx, req.RequestType)
		logger.Infof("Poller: claimed %s request %s for '%s'.", req.RequestType, req.RequestID, req.JobKey)

		e.wg.Add(1)
		go func(req *model.QueueRequest) {
			defer e.wg.Done()
			defer func() { <-e.slots }()
			e.Execute(ctx, req)
		}(req)
	}
}

// Wait blocks until every run started by Poll has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) drainControl(ctx context.Context) error {
	for {
		req, err := e.repo.Claim(ctx, e.opts.WorkerID, model.ControlRequestTypes...)
		if err != nil {
			return exception.NewBatchError("Poller", "failed to claim a control request", err, exception.Classify(err))
		}
		if req == nil {
			return nil
		}
		e.recorder.RecordQueueClaim(ctx, req.RequestType)
		e.handleControl(ctx, req)
	}
}

func (e *Engine) handleControl(ctx context.Context, req *model.QueueRequest) {
	switch req.RequestType {
	case model.RequestStop:
		e.handleStop(ctx, req)
	case model.RequestRefreshSchedule:
		if e.synchronizer == nil {
			e.failRequest(ctx, req, "no schedule synchronizer configured")
			return
		}
		n, err := e.synchronizer.Sync(ctx)
		if err != nil {
			e.failRequest(ctx, req, err.Error())
			return
		}
		e.completeRequest(ctx, req, model.Params{"enqueued": n})
	default:
		e.failRequest(ctx, req, fmt.Sprintf("unsupported control request type '%s'", req.RequestType))
	}
}

// handleStop raises the stop flag of a local run. A job running on another worker gets the
// request back in the queue so that worker can claim it.
func (e *Engine) handleStop(ctx context.Context, req *model.QueueRequest) {
	if e.running.requestStop(req.JobKey) {
		logger.Infof("Poller: STOP requested for '%s', the run halts at the next chunk boundary.", req.JobKey)
		e.completeRequest(ctx, req, model.Params{"stopped": true})
		return
	}
	ip, err := e.repo.FindRunning(ctx, req.JobKey)
	if err != nil {
		logger.Warnf("Poller: failed to look up running entry of '%s': %v", req.JobKey, err)
	}
	if ip != nil && e.now().Sub(req.RequestedAt) < stopRetryWindow {
		logger.Infof("Poller: '%s' runs on another worker (session %s), re-queueing STOP.", req.JobKey, ip.SessionID)
		if err := e.repo.Requeue(ctx, req.RequestID, e.now().Add(e.opts.PollInterval)); err != nil {
			logger.Errorf("Poller: failed to re-queue STOP request %s: %v", req.RequestID, err)
		}
		return
	}
	logger.Infof("Poller: STOP for '%s' ignored, the job is not running.", req.JobKey)
	e.completeRequest(ctx, req, model.Params{"stopped": false})
}

// Execute runs one claimed work request to a terminal state. Failures are recorded in the
// logs and on the request; nothing is returned to the caller.
func (e *Engine) Execute(ctx context.Context, req *model.QueueRequest) {
	book := context.WithoutCancel(ctx)

	def, err := e.repo.FindJob(ctx, req.JobKey)
	if err != nil {
		e.reject(book, req, exception.NewBatchError("Engine", fmt.Sprintf("job '%s' cannot be loaded", req.JobKey), err, exception.KindFatal))
		return
	}
	if !def.Enabled {
		e.reject(book, req, exception.NewBatchErrorf("Engine", exception.KindFatal, "job '%s' is disabled", req.JobKey))
		return
	}

	run, ok := e.running.acquire(req.JobKey)
	if !ok {
		e.conflict(book, req, "")
		return
	}
	defer e.running.release(req.JobKey)

	entry := model.NewProcessLogEntry(req.JobKey, req.RequestID)
	entry.StartTime = e.now().UTC()
	entry.HeartbeatAt = entry.StartTime
	entry.WorkerID = e.opts.WorkerID
	if err := e.repo.StartProcess(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrJobAlreadyRunning) {
			e.conflict(book, req, "another worker")
			return
		}
		e.reject(book, req, exception.NewBatchError("Engine", "failed to insert the process log entry", err, exception.Classify(err)))
		return
	}
	run.setSession(entry.SessionID)
	for _, l := range e.listeners {
		l.BeforeRun(book, def, entry.SessionID)
	}
	out := e.run(ctx, req, def, entry, run)
	out.leaseLost = run.leaseLost()
	e.finish(book, req, def, entry, out)
}

// runOutcome carries what finish needs beyond the aggregate result.
type runOutcome struct {
	result     model.AggregateResult
	strategy   model.CheckpointStrategy
	history    bool
	rowErrors  []*model.JobErrorEntry
	rowDropped int
	// leaseLost is set when another worker settled the run and its request.
	leaseLost bool
}

func (e *Engine) run(ctx context.Context, req *model.QueueRequest, def *model.JobDefinition, entry *model.ProcessLogEntry, run *activeRun) runOutcome {
	out := runOutcome{history: req.RequestType == model.RequestHistory, strategy: model.CheckpointNone}
	params := def.Params.Merge(req.Payload)

	runCtx, end := e.tracer.StartRunSpan(ctx, def.JobKey, entry.SessionID)
	defer end()
	e.recorder.RecordRunStart(runCtx, def.JobKey)

	cp, err := e.checkpoints.Open(runCtx, def, entry.SessionID, out.history)
	if err != nil {
		out.result = model.AggregateResult{Status: model.RunFailed, Err: err}
		return out
	}
	out.strategy = cp.Strategy()

	p, err := e.payloads.Resolve(def)
	if err != nil {
		out.result = model.AggregateResult{Status: model.RunFailed, Err: err}
		return out
	}

	logger.Infof("Engine: starting '%s' (session %s, %s request %s, checkpoint %s from '%s'), params: %v",
		def.JobKey, entry.SessionID, req.RequestType, req.RequestID, cp.Strategy(), cp.StartValue(),
		serialization.MaskParams(params, e.opts.MaskedKeys))

	var mu sync.Mutex
	onRowError := func(chunkID int, row payload.Row, rowErr error) {
		mu.Lock()
		defer mu.Unlock()
		if len(out.rowErrors) >= maxRowErrors {
			out.rowDropped++
			return
		}
		out.rowErrors = append(out.rowErrors, model.NewJobErrorEntry(entry.SessionID, def.JobKey, "ROW",
			fmt.Sprintf("chunk %d: %v", chunkID, rowErr),
			serialization.RowContext(row, e.opts.MaskedKeys, rowContextLimit)))
	}

	out.result = e.processor.Execute(runCtx, parallel.Run{
		JobKey:     def.JobKey,
		Payload:    p,
		Params:     params,
		Checkpoint: cp,
		Open: func(ctx context.Context) (payload.Connections, error) {
			return e.connections.Open(ctx, def)
		},
		Stop:       run.Stopped,
		OnRowError: onRowError,
	})
	if out.result.Err != nil {
		e.tracer.RecordError(runCtx, "Engine", out.result.Err)
	}
	return out
}

// finish writes the logs, settles the checkpoint and the request, and triggers children.
func (e *Engine) finish(ctx context.Context, req *model.QueueRequest, def *model.JobDefinition, entry *model.ProcessLogEntry, out runOutcome) {
	result := out.result
	status := result.Status.ProcessStatus()
	errText := ""
	if result.Err != nil && status != model.ProcessStopped {
		errText = result.Err.Error()
	}
	end := e.now().UTC()

	var errs *multierror.Error
	if err := e.writeLogs(ctx, def, entry, out, status, end, errText); err != nil {
		errs = multierror.Append(errs, err)
	}
	if out.rowDropped > 0 {
		logger.Warnf("Engine: '%s' session %s had %d more row failures that were not logged.", def.JobKey, entry.SessionID, out.rowDropped)
	}
	if out.leaseLost {
		// The request is back in the queue and may already be claimed by another worker.
		logger.Errorf("Engine: '%s' session %s ended after losing its lease, request %s left to its new claimant.",
			def.JobKey, entry.SessionID, req.RequestID)
		if err := errs.ErrorOrNil(); err != nil {
			logger.Errorf("Engine: bookkeeping of '%s' session %s incomplete: %v", def.JobKey, entry.SessionID, err)
		}
		return
	}

	// A clean full pass starts the next run from the beginning.
	if result.Status == model.RunSuccess && !out.history && out.strategy != model.CheckpointNone {
		if err := e.checkpoints.Clear(ctx, def.JobKey); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("clear checkpoint: %w", err))
		}
	}

	summary := model.Params{
		"session_id":     entry.SessionID,
		"status":         string(status),
		"run_status":     string(result.Status),
		"rows_processed": result.RowsProcessed,
		"rows_succeeded": result.RowsSucceeded,
		"rows_failed":    result.RowsFailed,
		"chunks_total":   result.ChunksTotal,
		"chunks_failed":  result.ChunksFailed,
	}
	if status == model.ProcessFailed {
		e.failRequest(ctx, req, errText)
	} else {
		e.completeRequest(ctx, req, summary)
	}

	if status == model.ProcessCompleted && e.resolver != nil {
		if _, err := e.resolver.EnqueueChildren(ctx, def.JobKey, entry.SessionID); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("enqueue children: %w", err))
		}
	}

	elapsed := end.Sub(entry.StartTime)
	e.recorder.RecordRunEnd(ctx, def.JobKey, status, result.Status, elapsed)
	logger.Infof("Engine: '%s' session %s finished %s (%s): %d processed, %d succeeded, %d failed, %d/%d chunks failed, %s.",
		def.JobKey, entry.SessionID, status, result.Status, result.RowsProcessed, result.RowsSucceeded,
		result.RowsFailed, result.ChunksFailed, result.ChunksTotal, elapsed.Round(time.Millisecond))
	if err := errs.ErrorOrNil(); err != nil {
		logger.Errorf("Engine: bookkeeping of '%s' session %s incomplete: %v", def.JobKey, entry.SessionID, err)
	}

	e.notify(ctx, &model.RunReport{
		JobKey:        def.JobKey,
		SessionID:     entry.SessionID,
		RequestID:     req.RequestID,
		RequestType:   req.RequestType,
		WorkerID:      e.opts.WorkerID,
		Status:        status,
		RunStatus:     result.Status,
		StartTime:     entry.StartTime,
		EndTime:       end,
		RowsProcessed: result.RowsProcessed,
		RowsSucceeded: result.RowsSucceeded,
		RowsFailed:    result.RowsFailed,
		ChunksTotal:   result.ChunksTotal,
		ChunksFailed:  result.ChunksFailed,
		Error:         errText,
	})
}

func (e *Engine) notify(ctx context.Context, report *model.RunReport) {
	for _, l := range e.listeners {
		l.AfterRun(ctx, report)
	}
}

// writeLogs finalizes the process log entry and appends the job and error logs. A repository
// that supports transactions writes them atomically; when that fails they are written one by
// one so the entry does not stay IP.
func (e *Engine) writeLogs(ctx context.Context, def *model.JobDefinition, entry *model.ProcessLogEntry, out runOutcome, status model.ProcessStatus, end time.Time, errText string) error {
	write := func(ctx context.Context) error {
		result := out.result
		var errs *multierror.Error
		if err := e.repo.FinishProcess(ctx, entry.SessionID, status, end, errText); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("finish process: %w", err))
		}
		if err := e.repo.AppendJobLog(ctx, &model.JobLogEntry{
			ID:          uuid.New().String(),
			SessionID:   entry.SessionID,
			JobKey:      def.JobKey,
			RunStatus:   result.Status,
			SourceRows:  result.RowsProcessed,
			TargetRows:  result.RowsSucceeded,
			ErrorRows:   result.RowsFailed,
			BatchNumber: int64(result.ChunksProcessed),
			CreatedAt:   end,
		}); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("append job log: %w", err))
		}
		for _, cause := range flatten(result.Err) {
			if status == model.ProcessStopped && exception.IsCancellation(cause) {
				continue
			}
			code := exception.Classify(cause).String()
			if err := e.repo.AppendJobError(ctx, model.NewJobErrorEntry(entry.SessionID, def.JobKey, code, cause.Error(), "")); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("append job error: %w", err))
			}
		}
		for _, rowErr := range out.rowErrors {
			if err := e.repo.AppendJobError(ctx, rowErr); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("append row error: %w", err))
			}
		}
		return errs.ErrorOrNil()
	}

	t, ok := e.repo.(repository.Transactor)
	if !ok {
		return write(ctx)
	}
	err := t.InTransaction(ctx, write)
	if err == nil {
		return nil
	}
	logger.Warnf("Engine: transactional log write of session %s failed, writing entries individually: %v", entry.SessionID, err)
	return write(ctx)
}

// reject fails a request that never reached IP. The request id stands in for the session id
// of the error entry.
func (e *Engine) reject(ctx context.Context, req *model.QueueRequest, cause error) {
	logger.Errorf("Engine: request %s for '%s' rejected: %v", req.RequestID, req.JobKey, cause)
	entry := model.NewJobErrorEntry(req.RequestID, req.JobKey, exception.Classify(cause).String(), cause.Error(), "")
	if err := e.repo.AppendJobError(ctx, entry); err != nil {
		logger.Errorf("Engine: failed to record rejection of request %s: %v", req.RequestID, err)
	}
	e.failRequest(ctx, req, cause.Error())
}

// conflict applies the configured policy to a request whose job key is already running.
func (e *Engine) conflict(ctx context.Context, req *model.QueueRequest, where string) {
	if where == "" {
		where = "this worker"
	}
	if e.opts.OnConflict == config.OnConflictReject {
		e.reject(ctx, req, exception.NewBatchError("Engine",
			fmt.Sprintf("job '%s' is already running on %s", req.JobKey, where), exception.ErrClaimRace, exception.KindFatal))
		return
	}
	at := e.now().Add(e.opts.PollInterval)
	logger.Infof("Engine: '%s' is already running on %s, request %s re-queued until %s.", req.JobKey, where, req.RequestID, at.Format(time.RFC3339))
	if err := e.repo.Requeue(ctx, req.RequestID, at); err != nil {
		logger.Errorf("Engine: failed to re-queue request %s: %v", req.RequestID, err)
	}
}

func (e *Engine) completeRequest(ctx context.Context, req *model.QueueRequest, result model.Params) {
	if err := e.repo.Complete(ctx, req.RequestID, result); err != nil {
		logger.Errorf("Engine: failed to complete request %s: %v", req.RequestID, err)
	}
}

func (e *Engine) failRequest(ctx context.Context, req *model.QueueRequest, msg string) {
	if err := e.repo.Fail(ctx, req.RequestID, msg); err != nil {
		logger.Errorf("Engine: failed to mark request %s as failed: %v", req.RequestID, err)
	}
}

// flatten expands a multierror into its causes.
func flatten(err error) []error {
	if err == nil {
		return nil
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		return merr.Errors
	}
	return []error{err}
}
