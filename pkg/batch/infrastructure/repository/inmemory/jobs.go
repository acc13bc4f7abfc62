package inmemory

import (
	"context"
	"sort"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
)

func cloneJob(j *model.JobDefinition) *model.JobDefinition {
	c := *j
	c.Params = j.Params.Clone()
	return &c
}

// SaveJob implements repository.JobStore.
func (r *InMemoryRepository) SaveJob(ctx context.Context, job *model.JobDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.JobKey] = cloneJob(job)
	return nil
}

// FindJob implements repository.JobStore.
func (r *InMemoryRepository) FindJob(ctx context.Context, jobKey string) (*model.JobDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobKey]
	if !ok {
		return nil, exception.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// ListJobs implements repository.JobStore.
func (r *InMemoryRepository) ListJobs(ctx context.Context) ([]*model.JobDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*model.JobDefinition, 0, len(r.jobs))
	for _, j := range r.jobs {
		result = append(result, cloneJob(j))
	}
	sort.Slice(result, func(i, k int) bool { return result[i].JobKey < result[k].JobKey })
	return result, nil
}

// SaveDependency implements repository.JobStore.
func (r *InMemoryRepository) SaveDependency(ctx context.Context, dep model.JobDependency) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.dependencies {
		if existing == dep {
			return nil
		}
	}
	r.dependencies = append(r.dependencies, dep)
	return nil
}

// ListDependencies implements repository.JobStore.
func (r *InMemoryRepository) ListDependencies(ctx context.Context) ([]model.JobDependency, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]model.JobDependency, len(r.dependencies))
	copy(result, r.dependencies)
	return result, nil
}

// ListChildren implements repository.JobStore.
func (r *InMemoryRepository) ListChildren(ctx context.Context, parentKey string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var children []string
	for _, dep := range r.dependencies {
		if dep.ParentKey == parentKey {
			children = append(children, dep.ChildKey)
		}
	}
	sort.Strings(children)
	return children, nil
}
