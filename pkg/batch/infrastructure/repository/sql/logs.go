package sql

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tigerroll/ferry/pkg/batch/adapter/database"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// StartProcess implements repository.ExecutionLogStore. The unique running_key index rejects a
// second IP entry for the same job key.
func (r *SQLRepository) StartProcess(ctx context.Context, entry *model.ProcessLogEntry) error {
	const op = "SQLRepository.StartProcess"
	exec, err := r.executor(ctx)
	if err != nil {
		return err
	}
	entity := fromDomainProcess(entry)
	if _, err := exec.ExecuteUpdate(ctx, entity, database.OpCreate, "", nil); err != nil {
		if isUniqueViolation(err) {
			running, findErr := r.FindRunning(ctx, entry.JobKey)
			if findErr == nil && running != nil {
				return fmt.Errorf("job '%s' is running in session %s: %w", entry.JobKey, running.SessionID, repository.ErrJobAlreadyRunning)
			}
		}
		return wrap(op, fmt.Sprintf("failed to start session %s of '%s'", entry.SessionID, entry.JobKey), err)
	}
	return nil
}

// FinishProcess implements repository.ExecutionLogStore.
func (r *SQLRepository) FinishProcess(ctx context.Context, sessionID string, status model.ProcessStatus, endTime time.Time, errText string) error {
	const op = "SQLRepository.FinishProcess"
	exec, err := r.executor(ctx)
	if err != nil {
		return err
	}
	values := map[string]interface{}{
		"status":     string(status),
		"end_time":   endTime.UTC(),
		"error_text": errText,
	}
	if status.IsFinished() {
		values["running_key"] = nil
	}
	rows, err := exec.ExecuteUpdate(ctx, values, database.OpUpdate, TableProcessLog, map[string]interface{}{
		"session_id": sessionID,
		"status":     string(model.ProcessInProgress),
	})
	if err != nil {
		return wrap(op, fmt.Sprintf("failed to finish session %s", sessionID), err)
	}
	if rows == 0 {
		if err := r.requireRow(ctx, exec, &ProcessLogEntity{}, map[string]interface{}{"session_id": sessionID}, sessionID, repository.ErrProcessNotFound); err != nil {
			return err
		}
		logger.Warnf("SQLRepository: session %s was already finalized, %s ignored.", sessionID, status)
	}
	return nil
}

// UpdateCheckpointValue implements repository.ExecutionLogStore.
func (r *SQLRepository) UpdateCheckpointValue(ctx context.Context, sessionID string, value string) error {
	exec, err := r.executor(ctx)
	if err != nil {
		return err
	}
	rows, err := exec.ExecuteUpdate(ctx, map[string]interface{}{"checkpoint_value": value},
		database.OpUpdate, TableProcessLog, map[string]interface{}{"session_id": sessionID})
	if err != nil {
		return wrap("SQLRepository.UpdateCheckpointValue", fmt.Sprintf("failed to mirror checkpoint of session %s", sessionID), err)
	}
	if rows == 0 {
		return r.requireRow(ctx, exec, &ProcessLogEntity{}, map[string]interface{}{"session_id": sessionID}, sessionID, repository.ErrProcessNotFound)
	}
	return nil
}

// TouchProcess implements repository.ExecutionLogStore.
func (r *SQLRepository) TouchProcess(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	exec, err := r.executor(ctx)
	if err != nil {
		return false, err
	}
	query := map[string]interface{}{"session_id": sessionID, "status": string(model.ProcessInProgress)}
	rows, err := exec.ExecuteUpdate(ctx, map[string]interface{}{"heartbeat_at": at.UTC()},
		database.OpUpdate, TableProcessLog, query)
	if err != nil {
		return false, wrap("SQLRepository.TouchProcess", fmt.Sprintf("failed to renew heartbeat of session %s", sessionID), err)
	}
	if rows > 0 {
		return true, nil
	}
	// MySQL reports zero rows when the value did not change.
	held, err := r.exists(ctx, exec, &ProcessLogEntity{}, query)
	if err != nil {
		return false, wrap("SQLRepository.TouchProcess", fmt.Sprintf("failed to look up session %s", sessionID), err)
	}
	return held, nil
}

// ListStaleProcesses implements repository.ExecutionLogStore.
func (r *SQLRepository) ListStaleProcesses(ctx context.Context, cutoff time.Time) ([]*model.ProcessLogEntry, error) {
	exec, err := r.executor(ctx)
	if err != nil {
		return nil, err
	}
	var entities []ProcessLogEntity
	statement := "SELECT * FROM " + TableProcessLog + " WHERE status = ? AND heartbeat_at < ? ORDER BY heartbeat_at, session_id"
	if err := exec.ExecuteRaw(ctx, &entities, statement, string(model.ProcessInProgress), cutoff.UTC()); err != nil {
		return nil, wrap("SQLRepository.ListStaleProcesses", "failed to list stale sessions", err)
	}
	result := make([]*model.ProcessLogEntry, 0, len(entities))
	for i := range entities {
		result = append(result, toDomainProcess(&entities[i]))
	}
	return result, nil
}

// AbandonProcess implements repository.ExecutionLogStore. The heartbeat condition is repeated
// in the update so an entry renewed after it was listed is left alone.
func (r *SQLRepository) AbandonProcess(ctx context.Context, sessionID string, cutoff, endTime time.Time, errText string) (bool, error) {
	exec, err := r.executor(ctx)
	if err != nil {
		return false, err
	}
	statement := "UPDATE " + TableProcessLog + " SET status = ?, end_time = ?, error_text = ?, running_key = NULL" +
		" WHERE session_id = ? AND status = ? AND heartbeat_at < ?"
	rows, err := exec.ExecuteStatement(ctx, statement, string(model.ProcessFailed), endTime.UTC(), errText,
		sessionID, string(model.ProcessInProgress), cutoff.UTC())
	if err != nil {
		return false, wrap("SQLRepository.AbandonProcess", fmt.Sprintf("failed to abandon session %s", sessionID), err)
	}
	return rows > 0, nil
}

// ListOrphanedClaims implements repository.ExecutionLogStore. A process entry belongs to the
// current claim when it started at or after claimed_at.
func (r *SQLRepository) ListOrphanedClaims(ctx context.Context, cutoff time.Time) ([]*model.QueueRequest, error) {
	exec, err := r.executor(ctx)
	if err != nil {
		return nil, err
	}
	statement := "SELECT q.* FROM " + TableQueueRequest + " q WHERE q.status = ? AND q.claimed_at < ?" +
		" AND NOT EXISTS (SELECT 1 FROM " + TableProcessLog + " p WHERE p.request_id = q.request_id AND p.start_time >= q.claimed_at)" +
		" ORDER BY q.claimed_at, q.request_id"
	var entities []QueueRequestEntity
	if err := exec.ExecuteRaw(ctx, &entities, statement, string(model.RequestStatusClaimed), cutoff.UTC()); err != nil {
		return nil, wrap("SQLRepository.ListOrphanedClaims", "failed to list orphaned claims", err)
	}
	result := make([]*model.QueueRequest, 0, len(entities))
	for i := range entities {
		req, err := toDomainQueueRequest(&entities[i])
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, nil
}

// FindRunning implements repository.ExecutionLogStore.
func (r *SQLRepository) FindRunning(ctx context.Context, jobKey string) (*model.ProcessLogEntry, error) {
	exec, err := r.executor(ctx)
	if err != nil {
		return nil, err
	}
	var entities []ProcessLogEntity
	if err := exec.ExecuteQueryAdvanced(ctx, &entities, map[string]interface{}{"running_key": jobKey}, "", 1); err != nil {
		return nil, wrap("SQLRepository.FindRunning", fmt.Sprintf("failed to look up running session of '%s'", jobKey), err)
	}
	if len(entities) == 0 {
		return nil, nil
	}
	return toDomainProcess(&entities[0]), nil
}

// FindProcess implements repository.ExecutionLogStore.
func (r *SQLRepository) FindProcess(ctx context.Context, sessionID string) (*model.ProcessLogEntry, error) {
	exec, err := r.executor(ctx)
	if err != nil {
		return nil, err
	}
	var entities []ProcessLogEntity
	if err := exec.ExecuteQuery(ctx, &entities, map[string]interface{}{"session_id": sessionID}); err != nil {
		return nil, wrap("SQLRepository.FindProcess", fmt.Sprintf("failed to read session %s", sessionID), err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("%s: %w", sessionID, repository.ErrProcessNotFound)
	}
	return toDomainProcess(&entities[0]), nil
}

// AppendJobLog implements repository.ExecutionLogStore.
func (r *SQLRepository) AppendJobLog(ctx context.Context, entry *model.JobLogEntry) error {
	exec, err := r.executor(ctx)
	if err != nil {
		return err
	}
	entity := fromDomainJobLog(entry)
	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = r.timestamp()
	}
	if _, err := exec.ExecuteUpdate(ctx, entity, database.OpCreate, "", nil); err != nil {
		return wrap("SQLRepository.AppendJobLog", fmt.Sprintf("failed to write job log of session %s", entry.SessionID), err)
	}
	return nil
}

// AppendJobError implements repository.ExecutionLogStore.
func (r *SQLRepository) AppendJobError(ctx context.Context, entry *model.JobErrorEntry) error {
	exec, err := r.executor(ctx)
	if err != nil {
		return err
	}
	entity := fromDomainJobError(entry)
	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = r.timestamp()
	}
	if _, err := exec.ExecuteUpdate(ctx, entity, database.OpCreate, "", nil); err != nil {
		return wrap("SQLRepository.AppendJobError", fmt.Sprintf("failed to write job error of session %s", entry.SessionID), err)
	}
	return nil
}

// ListJobLogs implements repository.ExecutionLogStore.
func (r *SQLRepository) ListJobLogs(ctx context.Context, sessionID string) ([]*model.JobLogEntry, error) {
	exec, err := r.executor(ctx)
	if err != nil {
		return nil, err
	}
	var entities []JobLogEntity
	if err := exec.ExecuteQueryAdvanced(ctx, &entities, map[string]interface{}{"session_id": sessionID}, "created_at, id", 0); err != nil {
		return nil, wrap("SQLRepository.ListJobLogs", fmt.Sprintf("failed to list job logs of session %s", sessionID), err)
	}
	result := make([]*model.JobLogEntry, 0, len(entities))
	for i := range entities {
		result = append(result, toDomainJobLog(&entities[i]))
	}
	return result, nil
}

// ListJobErrors implements repository.ExecutionLogStore.
func (r *SQLRepository) ListJobErrors(ctx context.Context, sessionID string) ([]*model.JobErrorEntry, error) {
	exec, err := r.executor(ctx)
	if err != nil {
		return nil, err
	}
	var entities []JobErrorEntity
	if err := exec.ExecuteQueryAdvanced(ctx, &entities, map[string]interface{}{"session_id": sessionID}, "created_at, id", 0); err != nil {
		return nil, wrap("SQLRepository.ListJobErrors", fmt.Sprintf("failed to list job errors of session %s", sessionID), err)
	}
	result := make([]*model.JobErrorEntry, 0, len(entities))
	for i := range entities {
		result = append(result, toDomainJobError(&entities[i]))
	}
	return result, nil
}
