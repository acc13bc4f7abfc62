package parallel

import (
	"sync"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
)

// Progress is a snapshot of a running job.
type Progress struct {
	JobKey          string
	ChunksTotal     int
	ChunksDone      int
	ChunksFailed    int
	EstimatedRows   int64
	RowsProcessed   int64
	RowsSucceeded   int64
	RowsFailed      int64
	Percent         float64
	Elapsed         time.Duration
	EstimatedRemain time.Duration
}

// ProgressCallback receives a snapshot after each chunk.
type ProgressCallback func(Progress)

// ProgressTracker accumulates ChunkResults in completion order.
type ProgressTracker struct {
	mu       sync.Mutex
	state    Progress
	started  time.Time
	now      func() time.Time
	callback ProgressCallback
}

// NewProgressTracker creates a tracker for chunksTotal chunks covering estimatedRows rows.
func NewProgressTracker(jobKey string, chunksTotal int, estimatedRows int64, callback ProgressCallback) *ProgressTracker {
	return newProgressTracker(jobKey, chunksTotal, estimatedRows, callback, time.Now)
}

func newProgressTracker(jobKey string, chunksTotal int, estimatedRows int64, callback ProgressCallback, now func() time.Time) *ProgressTracker {
	return &ProgressTracker{
		state: Progress{
			JobKey:        jobKey,
			ChunksTotal:   chunksTotal,
			EstimatedRows: estimatedRows,
		},
		started:  now(),
		now:      now,
		callback: callback,
	}
}

// Record adds one chunk result and notifies the callback.
func (t *ProgressTracker) Record(r model.ChunkResult) Progress {
	t.mu.Lock()
	t.state.ChunksDone++
	if r.Failed() {
		t.state.ChunksFailed++
	}
	t.state.RowsProcessed += r.RowsProcessed
	t.state.RowsSucceeded += r.RowsSucceeded
	t.state.RowsFailed += r.RowsFailed
	t.state.Elapsed = t.now().Sub(t.started)
	if t.state.ChunksTotal > 0 {
		t.state.Percent = float64(t.state.ChunksDone) / float64(t.state.ChunksTotal) * 100
	}
	t.state.EstimatedRemain = 0
	if t.state.ChunksDone > 0 && t.state.ChunksDone < t.state.ChunksTotal {
		perChunk := t.state.Elapsed / time.Duration(t.state.ChunksDone)
		t.state.EstimatedRemain = perChunk * time.Duration(t.state.ChunksTotal-t.state.ChunksDone)
	}
	snapshot := t.state
	t.mu.Unlock()

	if t.callback != nil {
		t.callback(snapshot)
	}
	return snapshot
}

// Snapshot returns the current state.
func (t *ProgressTracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
