package model

import "time"

// RunReport summarizes a finished run for listeners and notifiers.
type RunReport struct {
	JobKey      string        `json:"job_key"`
	SessionID   string        `json:"session_id"`
	RequestID   string        `json:"request_id"`
	RequestType RequestType   `json:"request_type"`
	WorkerID    string        `json:"worker_id"`
	Status      ProcessStatus `json:"status"`
	RunStatus   RunStatus     `json:"run_status"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`

	RowsProcessed int64 `json:"rows_processed"`
	RowsSucceeded int64 `json:"rows_succeeded"`
	RowsFailed    int64 `json:"rows_failed"`
	ChunksTotal   int   `json:"chunks_total"`
	ChunksFailed  int   `json:"chunks_failed"`

	// Error is the run error; empty for successful and stopped runs.
	Error string `json:"error,omitempty"`
}

// Duration returns the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}
