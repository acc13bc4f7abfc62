package model

import "time"

// PlanMode is the partitioning scheme of a ChunkPlan.
type PlanMode string

const (
	PlanKeyRange PlanMode = "KEY_RANGE"
	PlanOffset   PlanMode = "OFFSET"
)

// ChunkPlan is one partition of the source rowset. Key-range plans cover [Lower, Upper) on
// Column; offset plans cover Limit rows starting at Offset in Column order.
type ChunkPlan struct {
	ChunkID int
	Mode    PlanMode
	Column  string
	Lower   int64
	Upper   int64
	Offset  int64
	Limit   int64
	// Rows is the planned row count taken from the pre-run estimate.
	Rows int64
}

// ChunkResult is the outcome of one chunk.
type ChunkResult struct {
	ChunkID       int
	RowsProcessed int64
	RowsSucceeded int64
	RowsFailed    int64
	Attempts      int
	RetryDelays   []time.Duration
	// LastKey is the highest ordering value loaded by the chunk, used to advance KEY checkpoints.
	LastKey  string
	Duration time.Duration
	Err      error
}

// Failed reports whether the chunk ended with an error.
func (r ChunkResult) Failed() bool {
	return r.Err != nil
}

// RunStatus is the outcome of a whole run.
type RunStatus string

const (
	RunSuccess RunStatus = "SUCCESS"
	RunPartial RunStatus = "PARTIAL"
	RunFailed  RunStatus = "FAILED"
	RunStopped RunStatus = "STOPPED"
)

// String returns the string representation of the RunStatus.
func (s RunStatus) String() string {
	return string(s)
}

// ProcessStatus maps a run outcome to the status of its ProcessLogEntry. PARTIAL completes
// the run; the row failures are visible through the job log.
func (s RunStatus) ProcessStatus() ProcessStatus {
	switch s {
	case RunSuccess, RunPartial:
		return ProcessCompleted
	case RunStopped:
		return ProcessStopped
	default:
		return ProcessFailed
	}
}

// AggregateResult is the whole-run outcome reduced from all ChunkResults.
type AggregateResult struct {
	Status          RunStatus
	EstimatedRows   int64
	RowsProcessed   int64
	RowsSucceeded   int64
	RowsFailed      int64
	ChunksTotal     int
	ChunksProcessed int
	ChunksFailed    int
	Elapsed         time.Duration
	// Err aggregates the chunk errors and, for FAILED runs, the fatal cause.
	Err error
}
