package sql

import (
	"context"
	"fmt"

	"github.com/tigerroll/ferry/pkg/batch/adapter/database"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
)

var (
	jobUpdateColumns = []string{
		"payload_type", "source_ref", "target_ref", "params",
		"checkpoint_strategy", "checkpoint_column", "enabled", "updated_at",
	}
	checkpointUpdateColumns = []string{"strategy", "checkpoint_column", "checkpoint_value", "updated_at"}
)

// LoadCheckpoint implements repository.CheckpointStore.
func (r *SQLRepository) LoadCheckpoint(ctx context.Context, jobKey string) (*model.CheckpointRecord, error) {
	exec, err := r.executor(ctx)
	if err != nil {
		return nil, err
	}
	var entities []CheckpointEntity
	if err := exec.ExecuteQuery(ctx, &entities, map[string]interface{}{"job_key": jobKey}); err != nil {
		return nil, wrap("SQLRepository.LoadCheckpoint", fmt.Sprintf("failed to load checkpoint of '%s'", jobKey), err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("%s: %w", jobKey, repository.ErrCheckpointNotFound)
	}
	return toDomainCheckpoint(&entities[0]), nil
}

// SaveCheckpoint implements repository.CheckpointStore.
func (r *SQLRepository) SaveCheckpoint(ctx context.Context, record *model.CheckpointRecord) error {
	exec, err := r.executor(ctx)
	if err != nil {
		return err
	}
	entity := fromDomainCheckpoint(record)
	if entity.UpdatedAt.IsZero() {
		entity.UpdatedAt = r.timestamp()
	}
	if _, err := exec.ExecuteUpsert(ctx, entity, TableCheckpoint, []string{"job_key"}, checkpointUpdateColumns); err != nil {
		return wrap("SQLRepository.SaveCheckpoint", fmt.Sprintf("failed to save checkpoint of '%s'", record.JobKey), err)
	}
	return nil
}

// DeleteCheckpoint implements repository.CheckpointStore.
func (r *SQLRepository) DeleteCheckpoint(ctx context.Context, jobKey string) error {
	exec, err := r.executor(ctx)
	if err != nil {
		return err
	}
	if _, err := exec.ExecuteUpdate(ctx, &CheckpointEntity{}, database.OpDelete, TableCheckpoint, map[string]interface{}{"job_key": jobKey}); err != nil {
		return wrap("SQLRepository.DeleteCheckpoint", fmt.Sprintf("failed to delete checkpoint of '%s'", jobKey), err)
	}
	return nil
}

// SaveJob implements repository.JobStore.
func (r *SQLRepository) SaveJob(ctx context.Context, job *model.JobDefinition) error {
	exec, err := r.executor(ctx)
	if err != nil {
		return err
	}
	entity, err := fromDomainJob(job)
	if err != nil {
		return err
	}
	now := r.timestamp()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now
	if _, err := exec.ExecuteUpsert(ctx, entity, TableJobDefinition, []string{"job_key"}, jobUpdateColumns); err != nil {
		return wrap("SQLRepository.SaveJob", fmt.Sprintf("failed to save job '%s'", job.JobKey), err)
	}
	return nil
}

// FindJob implements repository.JobStore.
func (r *SQLRepository) FindJob(ctx context.Context, jobKey string) (*model.JobDefinition, error) {
	exec, err := r.executor(ctx)
	if err != nil {
		return nil, err
	}
	var entities []JobDefinitionEntity
	if err := exec.ExecuteQuery(ctx, &entities, map[string]interface{}{"job_key": jobKey}); err != nil {
		return nil, wrap("SQLRepository.FindJob", fmt.Sprintf("failed to read job '%s'", jobKey), err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("%s: %w", jobKey, exception.ErrJobNotFound)
	}
	return toDomainJob(&entities[0])
}

// ListJobs implements repository.JobStore.
func (r *SQLRepository) ListJobs(ctx context.Context) ([]*model.JobDefinition, error) {
	exec, err := r.executor(ctx)
	if err != nil {
		return nil, err
	}
	var entities []JobDefinitionEntity
	if err := exec.ExecuteQueryAdvanced(ctx, &entities, nil, "job_key", 0); err != nil {
		return nil, wrap("SQLRepository.ListJobs", "failed to list jobs", err)
	}
	result := make([]*model.JobDefinition, 0, len(entities))
	for i := range entities {
		job, err := toDomainJob(&entities[i])
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, nil
}

// SaveDependency implements repository.JobStore.
func (r *SQLRepository) SaveDependency(ctx context.Context, dep model.JobDependency) error {
	exec, err := r.executor(ctx)
	if err != nil {
		return err
	}
	entity := &JobDependencyEntity{ParentKey: dep.ParentKey, ChildKey: dep.ChildKey}
	if _, err := exec.ExecuteUpsert(ctx, entity, TableJobDependency, []string{"parent_key", "child_key"}, nil); err != nil {
		return wrap("SQLRepository.SaveDependency", fmt.Sprintf("failed to save dependency %s -> %s", dep.ParentKey, dep.ChildKey), err)
	}
	return nil
}

// ListDependencies implements repository.JobStore.
func (r *SQLRepository) ListDependencies(ctx context.Context) ([]model.JobDependency, error) {
	exec, err := r.executor(ctx)
	if err != nil {
		return nil, err
	}
	var entities []JobDependencyEntity
	if err := exec.ExecuteQueryAdvanced(ctx, &entities, nil, "parent_key, child_key", 0); err != nil {
		return nil, wrap("SQLRepository.ListDependencies", "failed to list dependencies", err)
	}
	result := make([]model.JobDependency, 0, len(entities))
	for _, e := range entities {
		result = append(result, model.JobDependency{ParentKey: e.ParentKey, ChildKey: e.ChildKey})
	}
	return result, nil
}

// ListChildren implements repository.JobStore.
func (r *SQLRepository) ListChildren(ctx context.Context, parentKey string) ([]string, error) {
	exec, err := r.executor(ctx)
	if err != nil {
		return nil, err
	}
	var entities []JobDependencyEntity
	if err := exec.ExecuteQueryAdvanced(ctx, &entities, map[string]interface{}{"parent_key": parentKey}, "child_key", 0); err != nil {
		return nil, wrap("SQLRepository.ListChildren", fmt.Sprintf("failed to list children of '%s'", parentKey), err)
	}
	children := make([]string, 0, len(entities))
	for _, e := range entities {
		children = append(children, e.ChildKey)
	}
	return children, nil
}
