package model

import (
	"time"

	"github.com/google/uuid"
)

// ProcessStatus is the status code of a ProcessLogEntry.
type ProcessStatus string

const (
	ProcessInProgress ProcessStatus = "IP"
	ProcessCompleted  ProcessStatus = "PC"
	ProcessFailed     ProcessStatus = "FL"
	ProcessStopped    ProcessStatus = "ST"
)

// String returns the string representation of the ProcessStatus.
func (s ProcessStatus) String() string {
	return string(s)
}

// IsFinished reports whether s is a terminal status.
func (s ProcessStatus) IsFinished() bool {
	switch s {
	case ProcessCompleted, ProcessFailed, ProcessStopped:
		return true
	default:
		return false
	}
}

// ProcessLogEntry records one execution attempt of a job. SessionID identifies the run in
// every log line and child record.
type ProcessLogEntry struct {
	SessionID string
	JobKey    string
	RequestID string
	Status    ProcessStatus
	StartTime time.Time
	EndTime   *time.Time
	// WorkerID is the engine hosting the run.
	WorkerID string
	// HeartbeatAt is renewed by the hosting worker while the entry is IP. An IP entry whose
	// heartbeat is older than the lease belongs to a worker that died.
	HeartbeatAt time.Time
	// CheckpointValue mirrors the latest advanced checkpoint of the run.
	CheckpointValue string
	ErrorText       string
}

// NewProcessLogEntry creates an IP entry with a fresh session id.
func NewProcessLogEntry(jobKey, requestID string) *ProcessLogEntry {
	now := time.Now().UTC()
	return &ProcessLogEntry{
		SessionID:   uuid.New().String(),
		JobKey:      jobKey,
		RequestID:   requestID,
		Status:      ProcessInProgress,
		StartTime:   now,
		HeartbeatAt: now,
	}
}

// JobLogEntry is the row-count summary of a finished attempt.
type JobLogEntry struct {
	ID          string
	SessionID   string
	JobKey      string
	RunStatus   RunStatus
	SourceRows  int64
	TargetRows  int64
	ErrorRows   int64
	BatchNumber int64 // chunks processed, or 1 for a sequential run
	CreatedAt   time.Time
}

// JobErrorEntry is a captured failure.
type JobErrorEntry struct {
	ID         string
	SessionID  string
	JobKey     string
	ErrorCode  string
	Message    string
	RowContext string
	CreatedAt  time.Time
}

// NewJobErrorEntry creates an error entry with a fresh id.
func NewJobErrorEntry(sessionID, jobKey, code, message, rowContext string) *JobErrorEntry {
	return &JobErrorEntry{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		JobKey:     jobKey,
		ErrorCode:  code,
		Message:    message,
		RowContext: rowContext,
		CreatedAt:  time.Now().UTC(),
	}
}
