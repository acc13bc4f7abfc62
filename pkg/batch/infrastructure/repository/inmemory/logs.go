package inmemory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
)

func cloneProcess(p *model.ProcessLogEntry) *model.ProcessLogEntry {
	c := *p
	c.EndTime = cloneTime(p.EndTime)
	return &c
}

// StartProcess implements repository.ExecutionLogStore.
func (r *InMemoryRepository) StartProcess(ctx context.Context, entry *model.ProcessLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.processes[entry.SessionID]; exists {
		return fmt.Errorf("process log entry %s already exists", entry.SessionID)
	}
	if sessionID, busy := r.running[entry.JobKey]; busy {
		return fmt.Errorf("job '%s' is running in session %s: %w", entry.JobKey, sessionID, repository.ErrJobAlreadyRunning)
	}
	c := cloneProcess(entry)
	if c.HeartbeatAt.IsZero() {
		c.HeartbeatAt = c.StartTime
	}
	r.processes[entry.SessionID] = c
	r.running[entry.JobKey] = entry.SessionID
	return nil
}

// FinishProcess implements repository.ExecutionLogStore.
func (r *InMemoryRepository) FinishProcess(ctx context.Context, sessionID string, status model.ProcessStatus, endTime time.Time, errText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.processes[sessionID]
	if !ok {
		return repository.ErrProcessNotFound
	}
	if p.Status != model.ProcessInProgress {
		return nil
	}
	p.Status = status
	p.EndTime = &endTime
	p.ErrorText = errText
	if r.running[p.JobKey] == sessionID {
		delete(r.running, p.JobKey)
	}
	return nil
}

// UpdateCheckpointValue implements repository.ExecutionLogStore.
func (r *InMemoryRepository) UpdateCheckpointValue(ctx context.Context, sessionID string, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.processes[sessionID]
	if !ok {
		return repository.ErrProcessNotFound
	}
	p.CheckpointValue = value
	return nil
}

// TouchProcess implements repository.ExecutionLogStore.
func (r *InMemoryRepository) TouchProcess(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.processes[sessionID]
	if !ok || p.Status != model.ProcessInProgress {
		return false, nil
	}
	p.HeartbeatAt = at
	return true, nil
}

// ListStaleProcesses implements repository.ExecutionLogStore.
func (r *InMemoryRepository) ListStaleProcesses(ctx context.Context, cutoff time.Time) ([]*model.ProcessLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*model.ProcessLogEntry
	for _, p := range r.processes {
		if p.Status == model.ProcessInProgress && p.HeartbeatAt.Before(cutoff) {
			result = append(result, cloneProcess(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].HeartbeatAt.Before(result[j].HeartbeatAt) })
	return result, nil
}

// AbandonProcess implements repository.ExecutionLogStore.
func (r *InMemoryRepository) AbandonProcess(ctx context.Context, sessionID string, cutoff, endTime time.Time, errText string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.processes[sessionID]
	if !ok || p.Status != model.ProcessInProgress || !p.HeartbeatAt.Before(cutoff) {
		return false, nil
	}
	p.Status = model.ProcessFailed
	p.EndTime = &endTime
	p.ErrorText = errText
	if r.running[p.JobKey] == sessionID {
		delete(r.running, p.JobKey)
	}
	return true, nil
}

// ListOrphanedClaims implements repository.ExecutionLogStore.
func (r *InMemoryRepository) ListOrphanedClaims(ctx context.Context, cutoff time.Time) ([]*model.QueueRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*model.QueueRequest
	for _, req := range r.requests {
		if req.Status != model.RequestStatusClaimed || req.ClaimedAt == nil || !req.ClaimedAt.Before(cutoff) {
			continue
		}
		started := false
		for _, p := range r.processes {
			if p.RequestID == req.RequestID && !p.StartTime.Before(*req.ClaimedAt) {
				started = true
				break
			}
		}
		if !started {
			result = append(result, cloneRequest(req))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClaimedAt.Before(*result[j].ClaimedAt) })
	return result, nil
}

// FindRunning implements repository.ExecutionLogStore.
func (r *InMemoryRepository) FindRunning(ctx context.Context, jobKey string) (*model.ProcessLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessionID, ok := r.running[jobKey]
	if !ok {
		return nil, nil
	}
	return cloneProcess(r.processes[sessionID]), nil
}

// FindProcess implements repository.ExecutionLogStore.
func (r *InMemoryRepository) FindProcess(ctx context.Context, sessionID string) (*model.ProcessLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.processes[sessionID]
	if !ok {
		return nil, repository.ErrProcessNotFound
	}
	return cloneProcess(p), nil
}

// AppendJobLog implements repository.ExecutionLogStore.
func (r *InMemoryRepository) AppendJobLog(ctx context.Context, entry *model.JobLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *entry
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	r.jobLogs = append(r.jobLogs, &c)
	return nil
}

// AppendJobError implements repository.ExecutionLogStore.
func (r *InMemoryRepository) AppendJobError(ctx context.Context, entry *model.JobErrorEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *entry
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	r.jobErrors = append(r.jobErrors, &c)
	return nil
}

// ListJobLogs implements repository.ExecutionLogStore.
func (r *InMemoryRepository) ListJobLogs(ctx context.Context, sessionID string) ([]*model.JobLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*model.JobLogEntry
	for _, e := range r.jobLogs {
		if e.SessionID == sessionID {
			c := *e
			result = append(result, &c)
		}
	}
	return result, nil
}

// ListJobErrors implements repository.ExecutionLogStore.
func (r *InMemoryRepository) ListJobErrors(ctx context.Context, sessionID string) ([]*model.JobErrorEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*model.JobErrorEntry
	for _, e := range r.jobErrors {
		if e.SessionID == sessionID {
			c := *e
			result = append(result, &c)
		}
	}
	return result, nil
}
