package bootstrap_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/ferry/pkg/batch/core/config"
	"github.com/tigerroll/ferry/pkg/batch/core/config/bootstrap"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/payload"
	"github.com/tigerroll/ferry/pkg/batch/engine/dependency"
	"github.com/tigerroll/ferry/pkg/batch/infrastructure/repository/inmemory"
)

type noopPayload struct{}

func (noopPayload) Run(context.Context, payload.Connections, model.Params, payload.Checkpoint) (payload.Counts, error) {
	return payload.Counts{}, nil
}

func newSeeder(t *testing.T) (*bootstrap.Seeder, *inmemory.InMemoryRepository) {
	t.Helper()
	repo := inmemory.NewInMemoryRepository()
	registry := payload.NewRegistry()
	registry.Register("copy", func(def *model.JobDefinition) (payload.Payload, error) {
		if def.Params.GetString("table", "") == "" {
			return nil, errors.New("table is required")
		}
		return noopPayload{}, nil
	})
	cfg := config.NewConfig()
	cfg.Ferry.System.Timezone = "Asia/Tokyo"
	seeder, err := bootstrap.NewSeeder(repo, dependency.NewResolver(repo, repo), registry, cfg)
	require.NoError(t, err)
	return seeder, repo
}

func boolPtr(b bool) *bool { return &b }

func seedConfig() *config.FerryConfig {
	return &config.FerryConfig{
		Jobs: []config.JobConfig{
			{JobKey: "orders", PayloadType: "copy", Params: map[string]interface{}{"table": "orders"}, CheckpointStrategy: "key", CheckpointColumn: "id"},
			{JobKey: "orders_report", PayloadType: "copy", Params: map[string]interface{}{"table": "report"}, Enabled: boolPtr(false)},
		},
		Schedules: []config.ScheduleConfig{
			{JobKey: "orders", FreqCode: "DL", FreqHour: 2, FreqMinute: 30, StartDate: "2025-01-01"},
			{JobKey: "orders_report", FreqCode: "ID", FreqHour: 6},
		},
		Dependencies: []config.DependencyConfig{{Parent: "orders", Child: "orders_report"}},
	}
}

func TestSeeder_SeedWritesDefinitions(t *testing.T) {
	ctx := context.Background()
	seeder, repo := newSeeder(t)
	require.NoError(t, seeder.Seed(ctx, seedConfig()))

	job, err := repo.FindJob(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointKey, job.CheckpointStrategy)
	assert.True(t, job.Enabled)

	report, err := repo.FindJob(ctx, "orders_report")
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointAuto, report.CheckpointStrategy)
	assert.False(t, report.Enabled)

	schedules, err := repo.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 2)
	assert.Equal(t, "orders", schedules[0].JobKey)
	require.NotNil(t, schedules[0].StartDate)
	tokyo, _ := time.LoadLocation("Asia/Tokyo")
	assert.True(t, schedules[0].StartDate.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, tokyo)))

	children, err := repo.ListChildren(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders_report"}, children)
}

func TestSeeder_SeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	seeder, repo := newSeeder(t)
	require.NoError(t, seeder.Seed(ctx, seedConfig()))

	before, err := repo.ListSchedules(ctx)
	require.NoError(t, err)
	last := time.Date(2025, 3, 1, 2, 30, 0, 0, time.UTC)
	next := last.Add(24 * time.Hour)
	require.NoError(t, repo.UpdateScheduleRun(ctx, before[0].ID, &last, &next))
	require.NoError(t, repo.SetScheduleEnabled(ctx, "orders", false))

	require.NoError(t, seeder.Seed(ctx, seedConfig()))
	after, err := repo.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, before[0].ID, after[0].ID)
	require.NotNil(t, after[0].NextRun)
	assert.True(t, after[0].NextRun.Equal(next), "unchanged timing keeps the next fire time")
	assert.False(t, after[0].Enabled, "a runtime toggle survives reseeding")

	cfg := seedConfig()
	cfg.Schedules[0].FreqHour = 4
	cfg.Schedules[0].Enabled = boolPtr(true)
	require.NoError(t, seeder.Seed(ctx, cfg))
	after, err = repo.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, after[0].FreqHour)
	assert.Nil(t, after[0].NextRun, "changed timing is recomputed by the synchronizer")
	assert.True(t, after[0].Enabled)
}

func TestSeeder_RejectsInvalidDefinitions(t *testing.T) {
	ctx := context.Background()
	seeder, repo := newSeeder(t)
	err := seeder.Seed(ctx, &config.FerryConfig{
		Jobs: []config.JobConfig{
			{JobKey: "ok", PayloadType: "copy", Params: map[string]interface{}{"table": "t"}},
			{JobKey: "bad_params", PayloadType: "copy"},
			{JobKey: "unknown", PayloadType: "ftp", Params: map[string]interface{}{"table": "t"}},
			{JobKey: "no_column", PayloadType: "copy", Params: map[string]interface{}{"table": "t"}, CheckpointStrategy: "KEY"},
		},
		Schedules: []config.ScheduleConfig{
			{JobKey: "ok", FreqCode: "WK", FreqDay: 9},
			{JobKey: "ok", FreqCode: "DL", StartDate: "01/02/2025"},
		},
		Dependencies: []config.DependencyConfig{
			{Parent: "a", Child: "b"},
			{Parent: "b", Child: "a"},
		},
	})
	require.Error(t, err)
	for _, want := range []string{"jobs[1]", "jobs[2]", "jobs[3]", "schedules[0]", "schedules[1]"} {
		assert.Contains(t, err.Error(), want)
	}

	jobs, err := repo.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs, "nothing is written when any entry is invalid")
}

func TestSeeder_EmptyConfigIsNoop(t *testing.T) {
	seeder, repo := newSeeder(t)
	require.NoError(t, seeder.Seed(context.Background(), &config.FerryConfig{}))
	jobs, err := repo.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
