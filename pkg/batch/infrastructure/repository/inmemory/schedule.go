package inmemory

import (
	"context"
	"sort"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
)

func cloneSchedule(s *model.ScheduleDefinition) *model.ScheduleDefinition {
	c := *s
	c.StartDate = cloneTime(s.StartDate)
	c.EndDate = cloneTime(s.EndDate)
	c.LastRun = cloneTime(s.LastRun)
	c.NextRun = cloneTime(s.NextRun)
	return &c
}

// SaveSchedule implements repository.ScheduleStore.
func (r *InMemoryRepository) SaveSchedule(ctx context.Context, s *model.ScheduleDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules[s.ID] = cloneSchedule(s)
	return nil
}

// ListSchedules implements repository.ScheduleStore.
func (r *InMemoryRepository) ListSchedules(ctx context.Context) ([]*model.ScheduleDefinition, error) {
	return r.listSchedules(false), nil
}

// ListEnabledSchedules implements repository.ScheduleStore.
func (r *InMemoryRepository) ListEnabledSchedules(ctx context.Context) ([]*model.ScheduleDefinition, error) {
	return r.listSchedules(true), nil
}

func (r *InMemoryRepository) listSchedules(enabledOnly bool) []*model.ScheduleDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*model.ScheduleDefinition, 0, len(r.schedules))
	for _, s := range r.schedules {
		if enabledOnly && !s.Enabled {
			continue
		}
		result = append(result, cloneSchedule(s))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].JobKey != result[j].JobKey {
			return result[i].JobKey < result[j].JobKey
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// UpdateScheduleRun implements repository.ScheduleStore.
func (r *InMemoryRepository) UpdateScheduleRun(ctx context.Context, scheduleID string, lastRun, nextRun *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[scheduleID]
	if !ok {
		return repository.ErrScheduleNotFound
	}
	if lastRun != nil {
		s.LastRun = cloneTime(lastRun)
	}
	s.NextRun = cloneTime(nextRun)
	s.UpdatedAt = r.now()
	return nil
}

// AdvanceScheduleRun implements repository.ScheduleStore.
func (r *InMemoryRepository) AdvanceScheduleRun(ctx context.Context, scheduleID string, expected, lastRun, nextRun *time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[scheduleID]
	if !ok {
		return false, repository.ErrScheduleNotFound
	}
	switch {
	case expected == nil && s.NextRun != nil,
		expected != nil && (s.NextRun == nil || !s.NextRun.Equal(*expected)):
		return false, nil
	}
	if lastRun != nil {
		s.LastRun = cloneTime(lastRun)
	}
	s.NextRun = cloneTime(nextRun)
	s.UpdatedAt = r.now()
	return true, nil
}

// SetScheduleEnabled implements repository.ScheduleStore.
func (r *InMemoryRepository) SetScheduleEnabled(ctx context.Context, jobKey string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	for _, s := range r.schedules {
		if s.JobKey == jobKey {
			s.Enabled = enabled
			s.UpdatedAt = r.now()
			found = true
		}
	}
	if !found {
		return repository.ErrScheduleNotFound
	}
	return nil
}
