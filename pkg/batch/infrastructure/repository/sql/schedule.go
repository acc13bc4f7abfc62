package sql

import (
	"context"
	"fmt"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/adapter/database"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
)

var scheduleUpdateColumns = []string{
	"job_key", "freq_code", "freq_day", "freq_month", "freq_hour", "freq_minute",
	"start_date", "end_date", "enabled", "last_run", "next_run", "updated_at",
}

// SaveSchedule implements repository.ScheduleStore.
func (r *SQLRepository) SaveSchedule(ctx context.Context, s *model.ScheduleDefinition) error {
	exec, err := r.executor(ctx)
	if err != nil {
		return err
	}
	entity := fromDomainSchedule(s)
	if entity.UpdatedAt.IsZero() {
		entity.UpdatedAt = r.timestamp()
	}
	if _, err := exec.ExecuteUpsert(ctx, entity, TableSchedule, []string{"id"}, scheduleUpdateColumns); err != nil {
		return wrap("SQLRepository.SaveSchedule", fmt.Sprintf("failed to save schedule %s of '%s'", s.ID, s.JobKey), err)
	}
	return nil
}

// ListSchedules implements repository.ScheduleStore.
func (r *SQLRepository) ListSchedules(ctx context.Context) ([]*model.ScheduleDefinition, error) {
	return r.listSchedules(ctx, nil)
}

// ListEnabledSchedules implements repository.ScheduleStore.
func (r *SQLRepository) ListEnabledSchedules(ctx context.Context) ([]*model.ScheduleDefinition, error) {
	return r.listSchedules(ctx, map[string]interface{}{"enabled": true})
}

func (r *SQLRepository) listSchedules(ctx context.Context, query map[string]interface{}) ([]*model.ScheduleDefinition, error) {
	exec, err := r.executor(ctx)
	if err != nil {
		return nil, err
	}
	var entities []ScheduleEntity
	if err := exec.ExecuteQueryAdvanced(ctx, &entities, query, "job_key, id", 0); err != nil {
		return nil, wrap("SQLRepository.ListSchedules", "failed to list schedules", err)
	}
	result := make([]*model.ScheduleDefinition, 0, len(entities))
	for i := range entities {
		result = append(result, toDomainSchedule(&entities[i]))
	}
	return result, nil
}

// UpdateScheduleRun implements repository.ScheduleStore.
func (r *SQLRepository) UpdateScheduleRun(ctx context.Context, scheduleID string, lastRun, nextRun *time.Time) error {
	const op = "SQLRepository.UpdateScheduleRun"
	exec, err := r.executor(ctx)
	if err != nil {
		return err
	}
	values := map[string]interface{}{
		"next_run":   utc(nextRun),
		"updated_at": r.timestamp(),
	}
	if lastRun != nil {
		values["last_run"] = utc(lastRun)
	}
	rows, err := exec.ExecuteUpdate(ctx, values, database.OpUpdate, TableSchedule, map[string]interface{}{"id": scheduleID})
	if err != nil {
		return wrap(op, fmt.Sprintf("failed to update run times of schedule %s", scheduleID), err)
	}
	if rows == 0 {
		return r.requireRow(ctx, exec, &ScheduleEntity{}, map[string]interface{}{"id": scheduleID}, scheduleID, repository.ErrScheduleNotFound)
	}
	return nil
}

// AdvanceScheduleRun implements repository.ScheduleStore.
func (r *SQLRepository) AdvanceScheduleRun(ctx context.Context, scheduleID string, expected, lastRun, nextRun *time.Time) (bool, error) {
	const op = "SQLRepository.AdvanceScheduleRun"
	exec, err := r.executor(ctx)
	if err != nil {
		return false, err
	}
	set := "next_run = ?, updated_at = ?"
	args := []interface{}{utc(nextRun), r.timestamp()}
	if lastRun != nil {
		set += ", last_run = ?"
		args = append(args, lastRun.UTC())
	}
	where := " WHERE id = ? AND next_run IS NULL"
	args = append(args, scheduleID)
	if expected != nil {
		where = " WHERE id = ? AND next_run = ?"
		args = append(args, expected.UTC())
	}
	rows, err := exec.ExecuteStatement(ctx, "UPDATE "+TableSchedule+" SET "+set+where, args...)
	if err != nil {
		return false, wrap(op, fmt.Sprintf("failed to advance run times of schedule %s", scheduleID), err)
	}
	if rows > 0 {
		return true, nil
	}
	if err := r.requireRow(ctx, exec, &ScheduleEntity{}, map[string]interface{}{"id": scheduleID}, scheduleID, repository.ErrScheduleNotFound); err != nil {
		return false, err
	}
	return false, nil
}

// SetScheduleEnabled implements repository.ScheduleStore.
func (r *SQLRepository) SetScheduleEnabled(ctx context.Context, jobKey string, enabled bool) error {
	const op = "SQLRepository.SetScheduleEnabled"
	exec, err := r.executor(ctx)
	if err != nil {
		return err
	}
	rows, err := exec.ExecuteUpdate(ctx, map[string]interface{}{
		"enabled":    enabled,
		"updated_at": r.timestamp(),
	}, database.OpUpdate, TableSchedule, map[string]interface{}{"job_key": jobKey})
	if err != nil {
		return wrap(op, fmt.Sprintf("failed to toggle schedules of '%s'", jobKey), err)
	}
	if rows == 0 {
		return r.requireRow(ctx, exec, &ScheduleEntity{}, map[string]interface{}{"job_key": jobKey}, jobKey, repository.ErrScheduleNotFound)
	}
	return nil
}

// requireRow returns notFound, annotated with key, when no row matches query. MySQL reports
// zero affected rows for an update that changes nothing, so an update alone cannot tell.
func (r *SQLRepository) requireRow(ctx context.Context, exec database.DBExecutor, model interface{}, query map[string]interface{}, key string, notFound error) error {
	found, err := r.exists(ctx, exec, model, query)
	if err != nil {
		return wrap("SQLRepository", fmt.Sprintf("failed to look up %s", key), err)
	}
	if !found {
		return fmt.Errorf("%s: %w", key, notFound)
	}
	return nil
}
