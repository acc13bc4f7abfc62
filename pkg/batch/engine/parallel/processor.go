package parallel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tigerroll/ferry/pkg/batch/core/config"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/metrics"
	"github.com/tigerroll/ferry/pkg/batch/core/payload"
	"github.com/tigerroll/ferry/pkg/batch/engine/checkpoint"
	"github.com/tigerroll/ferry/pkg/batch/engine/retry"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// Options are the tuning knobs of the Processor.
type Options struct {
	Enabled         bool
	ChunkSize       int64
	MinRows         int64
	Workers         int
	PoolSize        int
	ProgressEnabled bool
}

// OptionsFromConfig reads `batch.*`.
func OptionsFromConfig(cfg config.BatchConfig) Options {
	return Options{
		Enabled:         cfg.ParallelEnabled,
		ChunkSize:       int64(cfg.ChunkSize),
		MinRows:         cfg.ParallelMinRows,
		Workers:         cfg.ChunkWorkers,
		PoolSize:        cfg.PoolSize,
		ProgressEnabled: cfg.ProgressEnabled,
	}
}

// StopFunc reports whether an external STOP was requested for the run.
type StopFunc func() bool

// Run describes one job run handed to the Processor.
type Run struct {
	JobKey     string
	Payload    payload.Payload
	Params     model.Params
	Checkpoint payload.Checkpoint
	// Open returns the connections of the run. Every chunk worker calls it once.
	Open       ConnectionOpener
	Stop       StopFunc
	OnProgress ProgressCallback
	OnRowError RowErrorHandler
}

// Processor executes a run, delegating to chunked parallel execution when the payload is
// partitionable and the estimate reaches the threshold.
type Processor struct {
	opts     Options
	policy   retry.RetryPolicy
	sleep    retry.Sleeper
	recorder metrics.MetricRecorder
	tracer   metrics.Tracer
}

// NewProcessor creates a Processor. A nil sleeper means retry.ContextSleep.
func NewProcessor(opts Options, policy retry.RetryPolicy, sleep retry.Sleeper, recorder metrics.MetricRecorder, tracer metrics.Tracer) *Processor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PoolSize < 1 {
		opts.PoolSize = opts.Workers
	}
	if opts.ChunkSize < 1 {
		opts.ChunkSize = 50000
	}
	if sleep == nil {
		sleep = retry.ContextSleep
	}
	return &Processor{opts: opts, policy: policy, sleep: sleep, recorder: recorder, tracer: tracer}
}

// Execute runs r to completion. Chunk-level errors are reported through the result, never
// returned synchronously.
func (p *Processor) Execute(ctx context.Context, r Run) model.AggregateResult {
	start := time.Now()
	result := p.execute(ctx, r)
	result.Elapsed = time.Since(start)
	return result
}

func (p *Processor) execute(ctx context.Context, r Run) model.AggregateResult {
	if r.Stop != nil && r.Stop() {
		logger.Infof("ParallelProcessor: '%s' stopped before start.", r.JobKey)
		return model.AggregateResult{Status: model.RunStopped}
	}

	pool := NewConnectionPool(p.opts.PoolSize, r.Open)
	lease, err := pool.Acquire(ctx)
	if err != nil {
		return failedResult(exception.NewBatchError("ParallelProcessor", "failed to acquire connections", err, exception.Classify(err)))
	}

	part, ok := r.Payload.(payload.Partitionable)
	if !ok || !p.opts.Enabled {
		defer lease.Release()
		return p.sequential(ctx, r, lease.Connections)
	}

	plans, estimate, err := p.plan(ctx, r, part, lease.Connections)
	if err != nil {
		lease.Release()
		return failedResult(err)
	}
	if plans == nil {
		defer lease.Release()
		return p.sequential(ctx, r, lease.Connections)
	}
	lease.Release()

	logger.Infof("ParallelProcessor: '%s' estimated %d rows, %d chunks (%s), %d workers.",
		r.JobKey, estimate, len(plans), plans[0].Mode, p.workers(pool))
	return p.parallel(ctx, r, part, pool, plans, estimate)
}

// plan returns nil plans when the run should stay sequential.
func (p *Processor) plan(ctx context.Context, r Run, part payload.Partitionable, conns payload.Connections) ([]model.ChunkPlan, int64, error) {
	estimate, err := part.EstimateRows(ctx, conns, r.Params, r.Checkpoint)
	if err != nil {
		return nil, 0, exception.NewBatchError("ParallelProcessor", "failed to estimate source rows", err, exception.Classify(err))
	}
	if estimate < p.opts.MinRows || estimate <= 0 {
		logger.Debugf("ParallelProcessor: '%s' estimate %d below threshold %d, running sequentially.", r.JobKey, estimate, p.opts.MinRows)
		return nil, estimate, nil
	}

	manager := NewChunkManager(p.opts.ChunkSize)
	column := part.OrderingColumn(r.Params)
	keyRanges := column != ""
	switch r.Checkpoint.Strategy() {
	case model.CheckpointKey:
		// Chunk positions must be values of the checkpoint column. The payload computes its key
		// range on its own ordering column, so a different one falls back to offset chunks.
		if column != "" && column != r.Checkpoint.Column() {
			logger.Warnf("ParallelProcessor: '%s' orders by '%s' but checkpoints on '%s', planning offset chunks.",
				r.JobKey, column, r.Checkpoint.Column())
			keyRanges = false
		} else {
			keyRanges = true
		}
		column = r.Checkpoint.Column()
	case model.CheckpointCursorSkip:
		// CURSOR_SKIP positions are row counts, which only offset plans can advance.
		keyRanges = false
	}
	if keyRanges && column != "" {
		minKey, maxKey, ok, err := part.KeyRange(ctx, conns, r.Params, r.Checkpoint)
		if err != nil {
			return nil, 0, exception.NewBatchError("ParallelProcessor", "failed to read key range", err, exception.Classify(err))
		}
		if ok {
			plans, err := manager.KeyRangePlans(column, estimate, minKey, maxKey)
			if err != nil {
				return nil, 0, exception.NewBatchError("ParallelProcessor", "failed to plan key ranges", err, exception.KindPermanent)
			}
			return plans, estimate, nil
		}
	}
	if part.SupportsOffset() {
		return manager.OffsetPlans(column, estimate, r.Checkpoint.SkipRows()), estimate, nil
	}
	logger.Infof("ParallelProcessor: '%s' source cannot be partitioned, running sequentially.", r.JobKey)
	return nil, estimate, nil
}

func (p *Processor) workers(pool *ConnectionPool) int {
	if p.opts.Workers > pool.Size() {
		return pool.Size()
	}
	return p.opts.Workers
}

// sequential runs the payload in one pass and maps its counts to an AggregateResult.
func (p *Processor) sequential(ctx context.Context, r Run, conns payload.Connections) model.AggregateResult {
	counts, err := r.Payload.Run(ctx, conns, r.Params, r.Checkpoint)
	if err == nil && (counts.SourceRows < 0 || counts.TargetRows < 0 || counts.ErrorRows < 0) {
		err = exception.NewBatchError("ParallelProcessor", fmt.Sprintf("payload returned negative counts %+v", counts), exception.ErrPayloadContract, exception.KindFatal)
	}
	result := model.AggregateResult{
		EstimatedRows:   counts.SourceRows,
		RowsProcessed:   counts.SourceRows,
		RowsSucceeded:   counts.TargetRows,
		RowsFailed:      counts.ErrorRows,
		ChunksTotal:     1,
		ChunksProcessed: 1,
	}
	p.recorder.RecordRows(ctx, r.JobKey, counts.TargetRows, counts.ErrorRows)
	if err != nil {
		result.ChunksFailed = 1
		result.Err = err
		if exception.IsCancellation(err) {
			result.Status = model.RunStopped
		} else {
			result.Status = model.RunFailed
		}
		return result
	}
	result.Status = statusOf(result, false)
	return result
}

// parallel submits plans to a bounded worker pool and aggregates their results.
func (p *Processor) parallel(ctx context.Context, r Run, part payload.Partitionable, pool *ConnectionPool, plans []model.ChunkPlan, estimate int64) model.AggregateResult {
	var callback ProgressCallback
	if p.opts.ProgressEnabled {
		callback = func(pr Progress) {
			p.recorder.RecordProgress(ctx, r.JobKey, pr.Percent)
			logger.Infof("ParallelProcessor: '%s' %.1f%% (%d/%d chunks, %d rows, ETA %s)",
				r.JobKey, pr.Percent, pr.ChunksDone, pr.ChunksTotal, pr.RowsProcessed, pr.EstimatedRemain.Round(time.Second))
			if r.OnProgress != nil {
				r.OnProgress(pr)
			}
		}
	}
	tracker := NewProgressTracker(r.JobKey, len(plans), estimate, callback)
	mark := newWatermark(r.Checkpoint, plans)

	processor := &ChunkProcessor{
		jobKey:     r.JobKey,
		payload:    part,
		params:     r.Params,
		checkpoint: checkpoint.Snapshot(r.Checkpoint),
		policy:     p.policy,
		sleep:      p.sleep,
		recorder:   p.recorder,
		tracer:     p.tracer,
		onRowError: r.OnRowError,
	}

	var (
		mu      sync.Mutex
		results = make([]*model.ChunkResult, len(plans))
		stopped bool
		aborted error
	)
	halted := func() bool {
		mu.Lock()
		defer mu.Unlock()
		if aborted != nil || stopped {
			return true
		}
		if ctx.Err() != nil || (r.Stop != nil && r.Stop()) {
			stopped = true
			return true
		}
		return false
	}

	queue := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < p.workers(pool); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				if halted() {
					continue
				}
				plan := plans[idx]
				res := p.runChunk(ctx, pool, processor, plan)

				mu.Lock()
				results[idx] = &res
				if res.Err != nil && exception.IsFatal(res.Err) && aborted == nil {
					aborted = res.Err
				}
				mu.Unlock()

				p.recorder.RecordChunk(ctx, r.JobKey, res)
				p.recorder.RecordRows(ctx, r.JobKey, res.RowsSucceeded, res.RowsFailed)
				tracker.Record(res)
				mark.complete(ctx, idx, res)
			}
		}()
	}
	for idx := range plans {
		queue <- idx
	}
	close(queue)
	wg.Wait()

	return aggregate(plans, results, estimate, stopped, aborted)
}

func (p *Processor) runChunk(ctx context.Context, pool *ConnectionPool, processor *ChunkProcessor, plan model.ChunkPlan) model.ChunkResult {
	lease, err := pool.Acquire(ctx)
	if err != nil {
		return model.ChunkResult{
			ChunkID:       plan.ChunkID,
			RowsProcessed: plan.Rows,
			RowsFailed:    plan.Rows,
			Err:           exception.NewBatchError("ChunkProcessor", fmt.Sprintf("chunk %d could not acquire connections", plan.ChunkID), err, exception.Classify(err)),
		}
	}
	defer lease.Release()
	return processor.Process(ctx, lease.Connections, plan)
}

// aggregate reduces the chunk results. Chunks never started because of a stop or an abort
// are not counted as processed.
func aggregate(plans []model.ChunkPlan, results []*model.ChunkResult, estimate int64, stopped bool, aborted error) model.AggregateResult {
	agg := model.AggregateResult{EstimatedRows: estimate, ChunksTotal: len(plans)}
	var errs *multierror.Error
	for _, res := range results {
		if res == nil {
			continue
		}
		agg.ChunksProcessed++
		agg.RowsProcessed += res.RowsProcessed
		agg.RowsSucceeded += res.RowsSucceeded
		agg.RowsFailed += res.RowsFailed
		if res.Err != nil {
			agg.ChunksFailed++
			errs = multierror.Append(errs, res.Err)
		}
	}
	agg.Err = errs.ErrorOrNil()

	switch {
	case aborted != nil:
		agg.Status = model.RunFailed
		if agg.Err == nil {
			agg.Err = aborted
		}
	case stopped && agg.ChunksProcessed < agg.ChunksTotal:
		agg.Status = model.RunStopped
	default:
		agg.Status = statusOf(agg, true)
	}
	return agg
}

// statusOf derives SUCCESS, PARTIAL or FAILED from the counters of a finished run.
func statusOf(agg model.AggregateResult, chunked bool) model.RunStatus {
	switch {
	case agg.ChunksFailed == 0 && agg.RowsFailed == 0:
		return model.RunSuccess
	case chunked && agg.ChunksTotal > 0 && agg.ChunksFailed == agg.ChunksTotal:
		return model.RunFailed
	case agg.RowsSucceeded == 0:
		return model.RunFailed
	default:
		return model.RunPartial
	}
}

func failedResult(err error) model.AggregateResult {
	status := model.RunFailed
	if errors.Is(err, context.Canceled) {
		status = model.RunStopped
	}
	return model.AggregateResult{Status: status, Err: err}
}
