package parallel

import (
	"context"
	"strconv"
	"sync"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/payload"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// watermark advances the checkpoint over the longest contiguous prefix of successful chunks,
// so completion out of chunk order never moves it past an unfinished or failed chunk.
type watermark struct {
	cp    payload.Checkpoint
	plans []model.ChunkPlan

	mu      sync.Mutex
	done    []*model.ChunkResult
	next    int
	lastKey string
}

func newWatermark(cp payload.Checkpoint, plans []model.ChunkPlan) *watermark {
	return &watermark{cp: cp, plans: plans, done: make([]*model.ChunkResult, len(plans))}
}

func (w *watermark) complete(ctx context.Context, idx int, res model.ChunkResult) {
	if w.cp == nil || w.cp.Strategy() == model.CheckpointNone {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.done[idx] = &res
	value := ""
	for w.next < len(w.done) && w.done[w.next] != nil && !w.done[w.next].Failed() {
		if v := w.valueAfter(w.next); v != "" {
			value = v
		}
		w.next++
	}
	if value == "" {
		return
	}
	if err := w.cp.Advance(ctx, value); err != nil {
		logger.Warnf("ParallelProcessor: failed to advance checkpoint to %s: %v", value, err)
	}
}

// valueAfter returns the checkpoint value covering every row up to and including chunk idx.
func (w *watermark) valueAfter(idx int) string {
	plan, res := w.plans[idx], w.done[idx]
	switch w.cp.Strategy() {
	case model.CheckpointKey:
		if plan.Column != w.cp.Column() {
			return ""
		}
		if plan.Mode == model.PlanKeyRange {
			return strconv.FormatInt(plan.Upper-1, 10)
		}
		if res.LastKey != "" {
			w.lastKey = res.LastKey
		}
		return w.lastKey
	case model.CheckpointCursorSkip:
		return strconv.FormatInt(plan.Offset+res.RowsProcessed, 10)
	}
	return ""
}
