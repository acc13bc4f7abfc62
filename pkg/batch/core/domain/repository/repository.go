// Package repository defines the persistence contracts of the coordination store.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
)

var (
	// ErrRequestNotFound is returned when a queue request id does not exist.
	ErrRequestNotFound = errors.New("queue request not found")
	// ErrScheduleNotFound is returned when no schedule exists for a job key.
	ErrScheduleNotFound = errors.New("schedule not found")
	// ErrCheckpointNotFound is returned when a job has no checkpoint.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrProcessNotFound is returned when a session id does not exist.
	ErrProcessNotFound = errors.New("process log entry not found")
	// ErrJobAlreadyRunning is returned by StartProcess when the job key already has an IP entry.
	ErrJobAlreadyRunning = errors.New("job already running")
	// ErrDependencyCycle is returned when a dependency edge would close a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")
)

func init() {
	exception.RegisterErrorType("ErrRequestNotFound", ErrRequestNotFound)
	exception.RegisterErrorType("ErrScheduleNotFound", ErrScheduleNotFound)
	exception.RegisterErrorType("ErrCheckpointNotFound", ErrCheckpointNotFound)
	exception.RegisterErrorType("ErrProcessNotFound", ErrProcessNotFound)
	exception.RegisterErrorType("ErrJobAlreadyRunning", ErrJobAlreadyRunning)
	exception.RegisterErrorType("ErrDependencyCycle", ErrDependencyCycle)
}

// QueueStore is the durable table of execution requests.
type QueueStore interface {
	// Enqueue inserts a NEW request and returns its id.
	Enqueue(ctx context.Context, jobKey string, requestType model.RequestType, payload model.Params) (string, error)

	// Claim atomically moves the oldest available NEW request of one of types to CLAIMED for
	// workerID. No types means any type. It returns nil, nil when nothing is available.
	Claim(ctx context.Context, workerID string, types ...model.RequestType) (*model.QueueRequest, error)

	// Complete moves a CLAIMED request to DONE. Calling it on a terminal request is a no-op.
	Complete(ctx context.Context, requestID string, result model.Params) error

	// Fail moves a CLAIMED request to FAILED. Calling it on a terminal request is a no-op.
	Fail(ctx context.Context, requestID string, errMsg string) error

	// Requeue moves a CLAIMED request back to NEW, claimable again after availableAt.
	Requeue(ctx context.Context, requestID string, availableAt time.Time) error

	// FindRequest returns the request with the given id.
	FindRequest(ctx context.Context, requestID string) (*model.QueueRequest, error)
}

// ScheduleStore persists schedule definitions.
type ScheduleStore interface {
	// SaveSchedule inserts or replaces the schedule with the same id.
	SaveSchedule(ctx context.Context, s *model.ScheduleDefinition) error

	// ListSchedules returns every schedule, enabled or not, ordered by job key.
	ListSchedules(ctx context.Context) ([]*model.ScheduleDefinition, error)

	// ListEnabledSchedules returns the enabled schedules.
	ListEnabledSchedules(ctx context.Context) ([]*model.ScheduleDefinition, error)

	// UpdateScheduleRun records the last fire time and the next computed fire time.
	UpdateScheduleRun(ctx context.Context, scheduleID string, lastRun, nextRun *time.Time) error

	// AdvanceScheduleRun is UpdateScheduleRun guarded by the current next fire time: it writes
	// only while next_run still equals expected (nil meaning unset) and reports whether it did.
	// Concurrent synchronizers use it to fire each due time once.
	AdvanceScheduleRun(ctx context.Context, scheduleID string, expected, lastRun, nextRun *time.Time) (bool, error)

	// SetScheduleEnabled toggles every schedule of jobKey. ErrScheduleNotFound when it has none.
	SetScheduleEnabled(ctx context.Context, jobKey string, enabled bool) error
}

// ExecutionLogStore persists the process, job and error logs.
type ExecutionLogStore interface {
	// StartProcess inserts an IP entry. It fails with ErrJobAlreadyRunning when another IP
	// entry exists for the same job key.
	StartProcess(ctx context.Context, entry *model.ProcessLogEntry) error

	// FinishProcess finalizes an IP entry with a terminal status. An entry that is no longer IP
	// keeps its status; ErrProcessNotFound when the session does not exist.
	FinishProcess(ctx context.Context, sessionID string, status model.ProcessStatus, endTime time.Time, errText string) error

	// UpdateCheckpointValue mirrors the current checkpoint into the entry.
	UpdateCheckpointValue(ctx context.Context, sessionID string, value string) error

	// FindRunning returns the IP entry of jobKey, or nil when the job is not running.
	FindRunning(ctx context.Context, jobKey string) (*model.ProcessLogEntry, error)

	// FindProcess returns the entry of sessionID.
	FindProcess(ctx context.Context, sessionID string) (*model.ProcessLogEntry, error)

	// TouchProcess renews the heartbeat of an IP entry. It reports false when the entry is no
	// longer IP, i.e. the run lost its lease.
	TouchProcess(ctx context.Context, sessionID string, at time.Time) (bool, error)

	// ListStaleProcesses returns the IP entries whose heartbeat is older than cutoff.
	ListStaleProcesses(ctx context.Context, cutoff time.Time) ([]*model.ProcessLogEntry, error)

	// AbandonProcess finalizes a stale IP entry as FL and releases its job key. It reports false
	// when the entry was renewed or finished since it was listed.
	AbandonProcess(ctx context.Context, sessionID string, cutoff, endTime time.Time, errText string) (bool, error)

	// ListOrphanedClaims returns CLAIMED requests claimed before cutoff that no process entry
	// refers to, i.e. the claimant died before starting the run.
	ListOrphanedClaims(ctx context.Context, cutoff time.Time) ([]*model.QueueRequest, error)

	// AppendJobLog writes the row-count summary of a run.
	AppendJobLog(ctx context.Context, entry *model.JobLogEntry) error

	// AppendJobError writes a captured failure.
	AppendJobError(ctx context.Context, entry *model.JobErrorEntry) error

	// ListJobLogs returns the summaries of sessionID.
	ListJobLogs(ctx context.Context, sessionID string) ([]*model.JobLogEntry, error)

	// ListJobErrors returns the failures captured for sessionID.
	ListJobErrors(ctx context.Context, sessionID string) ([]*model.JobErrorEntry, error)
}

// CheckpointStore persists checkpoint records. Ordering rules live in the checkpoint manager.
type CheckpointStore interface {
	// LoadCheckpoint returns ErrCheckpointNotFound when the job has no record.
	LoadCheckpoint(ctx context.Context, jobKey string) (*model.CheckpointRecord, error)
	// SaveCheckpoint inserts or replaces the record of the job.
	SaveCheckpoint(ctx context.Context, record *model.CheckpointRecord) error
	// DeleteCheckpoint removes the record. Deleting a missing record is not an error.
	DeleteCheckpoint(ctx context.Context, jobKey string) error
}

// JobStore persists job definitions and dependency edges.
type JobStore interface {
	// SaveJob inserts or replaces the definition with the same job key.
	SaveJob(ctx context.Context, job *model.JobDefinition) error
	// FindJob returns exception.ErrJobNotFound when the key is unknown.
	FindJob(ctx context.Context, jobKey string) (*model.JobDefinition, error)
	// ListJobs returns every definition ordered by job key.
	ListJobs(ctx context.Context) ([]*model.JobDefinition, error)

	// SaveDependency inserts an edge. Existing edges are left unchanged.
	SaveDependency(ctx context.Context, dep model.JobDependency) error
	// ListDependencies returns every edge.
	ListDependencies(ctx context.Context) ([]model.JobDependency, error)
	// ListChildren returns the child keys of parentKey.
	ListChildren(ctx context.Context, parentKey string) ([]string, error)
}

// Repository bundles every store backed by one coordination database.
type Repository interface {
	QueueStore
	ScheduleStore
	ExecutionLogStore
	CheckpointStore
	JobStore

	// Close releases resources held by the repository.
	Close() error
}

// Transactor is implemented by repositories that can group several writes atomically. Store
// calls made with the context passed to fn join the transaction.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
