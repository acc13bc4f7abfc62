// Package inmemory provides an in-memory implementation of the Repository interface.
// It keeps the coordination tables in maps, suitable for tests and single-process runs
// where persistence is not required.
package inmemory

import (
	"sync"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
)

// InMemoryRepository is an in-memory implementation of repository.Repository.
type InMemoryRepository struct {
	requests     map[string]*model.QueueRequest
	schedules    map[string]*model.ScheduleDefinition
	processes    map[string]*model.ProcessLogEntry
	running      map[string]string // job key -> session id of the IP entry
	jobLogs      []*model.JobLogEntry
	jobErrors    []*model.JobErrorEntry
	checkpoints  map[string]*model.CheckpointRecord
	jobs         map[string]*model.JobDefinition
	dependencies []model.JobDependency
	seq          int64 // insertion order of requests, breaks requested_at ties
	order        map[string]int64

	// now is the clock used for claim eligibility and timestamps.
	now func() time.Time
	mu  sync.RWMutex
}

var _ repository.Repository = (*InMemoryRepository)(nil)

// NewInMemoryRepository creates and initializes a new instance of InMemoryRepository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		requests:    make(map[string]*model.QueueRequest),
		schedules:   make(map[string]*model.ScheduleDefinition),
		processes:   make(map[string]*model.ProcessLogEntry),
		running:     make(map[string]string),
		checkpoints: make(map[string]*model.CheckpointRecord),
		jobs:        make(map[string]*model.JobDefinition),
		order:       make(map[string]int64),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock. Tests use it to make requeued requests claimable.
func (r *InMemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Close releases resources used by the repository.
// As an in-memory repository, it holds no external resources, so this method always returns nil.
func (r *InMemoryRepository) Close() error {
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
