package parallel

import (
	"context"
	"fmt"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/metrics"
	"github.com/tigerroll/ferry/pkg/batch/core/payload"
	"github.com/tigerroll/ferry/pkg/batch/engine/checkpoint"
	"github.com/tigerroll/ferry/pkg/batch/engine/retry"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// RowErrorHandler is told about every row whose transformation failed.
type RowErrorHandler func(chunkID int, row payload.Row, err error)

// ChunkProcessor executes one chunk end to end: fetch, optional transform, load. The whole
// cycle is retried on transient errors, so transforms must be pure and idempotent.
type ChunkProcessor struct {
	jobKey     string
	payload    payload.Partitionable
	params     model.Params
	checkpoint payload.Checkpoint
	policy     retry.RetryPolicy
	sleep      retry.Sleeper
	recorder   metrics.MetricRecorder
	tracer     metrics.Tracer
	onRowError RowErrorHandler
}

// Process runs plan on conns and returns its result. Errors are captured in the result,
// never returned.
func (p *ChunkProcessor) Process(ctx context.Context, conns payload.Connections, plan model.ChunkPlan) model.ChunkResult {
	start := time.Now()
	ctx, finish := p.tracer.StartChunkSpan(ctx, p.jobKey, plan.ChunkID)
	defer finish()

	handler := retry.NewHandler(p.policy, p.sleep)
	handler.OnRetry = func(attempt int, delay time.Duration, err error) {
		p.recorder.RecordChunkRetry(ctx, p.jobKey, attempt, delay)
		p.tracer.RecordEvent(ctx, "chunk.retry", map[string]interface{}{
			"chunk_id": plan.ChunkID,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
	}

	var result model.ChunkResult
	outcome, err := handler.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := p.attempt(ctx, conns, plan)
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	result.ChunkID = plan.ChunkID
	result.Attempts = outcome.Attempts
	result.RetryDelays = outcome.Delays
	result.Duration = time.Since(start)
	if err != nil {
		kind := exception.Classify(err)
		result.Err = exception.NewBatchError("ChunkProcessor", fmt.Sprintf("chunk %d failed after %d attempt(s)", plan.ChunkID, outcome.Attempts), err, kind)
		result.RowsProcessed = plan.Rows
		result.RowsSucceeded = 0
		result.RowsFailed = plan.Rows
		result.LastKey = ""
		p.tracer.RecordError(ctx, "ChunkProcessor", err)
		logger.Errorf("ChunkProcessor: '%s' chunk %d failed (%s): %v", p.jobKey, plan.ChunkID, kind, err)
	}
	return result
}

// attempt performs one fetch/transform/load cycle.
func (p *ChunkProcessor) attempt(ctx context.Context, conns payload.Connections, plan model.ChunkPlan) (model.ChunkResult, error) {
	rows, err := p.payload.FetchChunk(ctx, conns, p.params, p.checkpoint, plan)
	if err != nil {
		return model.ChunkResult{}, err
	}

	var failed int64
	good := rows
	if t, ok := p.payload.(payload.Transformer); ok {
		good = make([]payload.Row, 0, len(rows))
		for _, row := range rows {
			out, terr := t.Transform(row)
			if terr != nil {
				failed++
				if p.onRowError != nil {
					p.onRowError(plan.ChunkID, row, terr)
				}
				continue
			}
			good = append(good, out)
		}
	}

	var loaded int64
	if len(good) > 0 {
		loaded, err = p.payload.LoadChunk(ctx, conns, p.params, good)
		if err != nil {
			return model.ChunkResult{}, err
		}
	}
	if loaded < 0 || loaded > int64(len(good)) {
		return model.ChunkResult{}, exception.NewBatchError("ChunkProcessor",
			fmt.Sprintf("LoadChunk reported %d rows for %d input rows", loaded, len(good)), exception.ErrPayloadContract, exception.KindFatal)
	}
	failed += int64(len(good)) - loaded

	return model.ChunkResult{
		RowsProcessed: int64(len(rows)),
		RowsSucceeded: loaded,
		RowsFailed:    failed,
		LastKey:       checkpoint.MaxKey(good, plan.Column),
	}, nil
}
