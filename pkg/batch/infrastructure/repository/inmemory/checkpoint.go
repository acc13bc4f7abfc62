package inmemory

import (
	"context"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
)

// LoadCheckpoint implements repository.CheckpointStore.
func (r *InMemoryRepository) LoadCheckpoint(ctx context.Context, jobKey string) (*model.CheckpointRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.checkpoints[jobKey]
	if !ok {
		return nil, repository.ErrCheckpointNotFound
	}
	// Copy to prevent external modification of internal state.
	c := *rec
	return &c, nil
}

// SaveCheckpoint implements repository.CheckpointStore.
// Due to the in-memory nature, it overwrites any existing record for the same job key.
func (r *InMemoryRepository) SaveCheckpoint(ctx context.Context, record *model.CheckpointRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *record
	r.checkpoints[record.JobKey] = &c
	return nil
}

// DeleteCheckpoint implements repository.CheckpointStore.
func (r *InMemoryRepository) DeleteCheckpoint(ctx context.Context, jobKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.checkpoints, jobKey)
	return nil
}
