package sql

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/adapter/database"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

const (
	// claimBatch is the number of candidates read per claim round.
	claimBatch = 8
	// claimRounds bounds the rounds of one Claim when every candidate is lost to other workers.
	claimRounds = 3
)

// Enqueue implements repository.QueueStore.
func (r *SQLRepository) Enqueue(ctx context.Context, jobKey string, requestType model.RequestType, payload model.Params) (string, error) {
	const op = "SQLRepository.Enqueue"
	req := model.NewQueueRequest(jobKey, requestType, payload)
	req.RequestedAt = r.timestamp()
	req.AvailableAt = req.RequestedAt

	entity, err := fromDomainQueueRequest(req)
	if err != nil {
		return "", err
	}
	exec, err := r.executor(ctx)
	if err != nil {
		return "", err
	}
	if _, err := exec.ExecuteUpdate(ctx, entity, database.OpCreate, "", nil); err != nil {
		return "", wrap(op, fmt.Sprintf("failed to enqueue %s request for '%s'", requestType, jobKey), err)
	}
	return req.RequestID, nil
}

// Claim implements repository.QueueStore. Candidates are read in requested_at order and each
// is taken with a conditional update on (status, version); a candidate another worker took
// first is skipped.
func (r *SQLRepository) Claim(ctx context.Context, workerID string, types ...model.RequestType) (*model.QueueRequest, error) {
	const op = "SQLRepository.Claim"
	exec, err := r.executor(ctx)
	if err != nil {
		return nil, err
	}

	for round := 0; round < claimRounds; round++ {
		now := r.timestamp()
		statement, args := claimCandidatesQuery(now, types)
		var candidates []QueueRequestEntity
		if err := exec.ExecuteRaw(ctx, &candidates, statement, args...); err != nil {
			return nil, wrap(op, "failed to read claim candidates", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		for i := range candidates {
			c := &candidates[i]
			err := r.tryClaim(ctx, exec, c, workerID, now)
			if exception.IsOptimisticLockingFailure(err) {
				logger.Debugf("SQLRepository: request %s was claimed by another worker.", c.RequestID)
				continue
			}
			if err != nil {
				return nil, wrap(op, fmt.Sprintf("failed to claim request %s", c.RequestID), err)
			}
			return toDomainQueueRequest(c)
		}
	}
	return nil, nil
}

func claimCandidatesQuery(now time.Time, types []model.RequestType) (string, []interface{}) {
	var b strings.Builder
	b.WriteString("SELECT * FROM " + TableQueueRequest + " WHERE status = ? AND available_at <= ?")
	args := []interface{}{string(model.RequestStatusNew), now}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		b.WriteString(" AND request_type IN ?")
		args = append(args, names)
	}
	b.WriteString(fmt.Sprintf(" ORDER BY requested_at, request_id LIMIT %d", claimBatch))
	return b.String(), args
}

// tryClaim moves c from NEW to CLAIMED. It returns ErrOptimisticLockingFailure when the row
// changed since it was read.
func (r *SQLRepository) tryClaim(ctx context.Context, exec database.DBExecutor, c *QueueRequestEntity, workerID string, now time.Time) error {
	rows, err := exec.ExecuteUpdate(ctx, map[string]interface{}{
		"status":     string(model.RequestStatusClaimed),
		"claimed_at": now,
		"claimed_by": workerID,
		"version":    c.Version + 1,
	}, database.OpUpdate, TableQueueRequest, map[string]interface{}{
		"request_id": c.RequestID,
		"status":     string(model.RequestStatusNew),
		"version":    c.Version,
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return exception.NewOptimisticLockingFailureException("SQLRepository",
			fmt.Sprintf("request %s (version %d) is no longer NEW", c.RequestID, c.Version), nil)
	}
	c.Status = string(model.RequestStatusClaimed)
	c.ClaimedAt = &now
	c.ClaimedBy = workerID
	c.Version++
	return nil
}

// Complete implements repository.QueueStore.
func (r *SQLRepository) Complete(ctx context.Context, requestID string, result model.Params) error {
	payload, err := toJSON(result)
	if err != nil {
		return err
	}
	return r.finishRequest(ctx, "SQLRepository.Complete", requestID, map[string]interface{}{
		"status":         string(model.RequestStatusDone),
		"result_payload": payload,
	})
}

// Fail implements repository.QueueStore.
func (r *SQLRepository) Fail(ctx context.Context, requestID string, errMsg string) error {
	return r.finishRequest(ctx, "SQLRepository.Fail", requestID, map[string]interface{}{
		"status":        string(model.RequestStatusFailed),
		"error_message": errMsg,
	})
}

// finishRequest applies a terminal transition. A request that is not CLAIMED is left unchanged.
func (r *SQLRepository) finishRequest(ctx context.Context, op, requestID string, values map[string]interface{}) error {
	exec, err := r.executor(ctx)
	if err != nil {
		return err
	}
	values["completed_at"] = r.timestamp()
	rows, err := exec.ExecuteUpdate(ctx, values, database.OpUpdate, TableQueueRequest, map[string]interface{}{
		"request_id": requestID,
		"status":     string(model.RequestStatusClaimed),
	})
	if err != nil {
		return wrap(op, fmt.Sprintf("failed to update request %s", requestID), err)
	}
	if rows > 0 {
		return nil
	}
	found, err := r.exists(ctx, exec, &QueueRequestEntity{}, map[string]interface{}{"request_id": requestID})
	if err != nil {
		return wrap(op, fmt.Sprintf("failed to look up request %s", requestID), err)
	}
	if !found {
		return fmt.Errorf("%s: %w", requestID, repository.ErrRequestNotFound)
	}
	logger.Debugf("SQLRepository: request %s is not CLAIMED, transition ignored.", requestID)
	return nil
}

// Requeue implements repository.QueueStore.
func (r *SQLRepository) Requeue(ctx context.Context, requestID string, availableAt time.Time) error {
	const op = "SQLRepository.Requeue"
	exec, err := r.executor(ctx)
	if err != nil {
		return err
	}
	rows, err := exec.ExecuteUpdate(ctx, map[string]interface{}{
		"status":       string(model.RequestStatusNew),
		"available_at": availableAt.UTC(),
		"claimed_at":   nil,
		"claimed_by":   "",
	}, database.OpUpdate, TableQueueRequest, map[string]interface{}{
		"request_id": requestID,
		"status":     string(model.RequestStatusClaimed),
	})
	if err != nil {
		return wrap(op, fmt.Sprintf("failed to re-queue request %s", requestID), err)
	}
	if rows == 0 {
		if _, err := r.FindRequest(ctx, requestID); err != nil {
			return err
		}
	}
	return nil
}

// FindRequest implements repository.QueueStore.
func (r *SQLRepository) FindRequest(ctx context.Context, requestID string) (*model.QueueRequest, error) {
	exec, err := r.executor(ctx)
	if err != nil {
		return nil, err
	}
	var entities []QueueRequestEntity
	if err := exec.ExecuteQuery(ctx, &entities, map[string]interface{}{"request_id": requestID}); err != nil {
		return nil, wrap("SQLRepository.FindRequest", fmt.Sprintf("failed to read request %s", requestID), err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("%s: %w", requestID, repository.ErrRequestNotFound)
	}
	return toDomainQueueRequest(&entities[0])
}
