package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreconfig "github.com/tigerroll/ferry/pkg/batch/core/config"
)

const sampleYAML = `
ferry:
  scheduler:
    poll_interval_seconds: 5
    on_conflict: reject
    timezone: Asia/Tokyo
  batch:
    chunk_size: 1000
    parallel_enabled: false
    retry:
      max_retries: 5
  database:
    metadata:
      type: sqlite
      database: ${FERRY_TEST_DB_PATH:-ferry.db}
  jobs:
    - job_key: orders_copy
      payload_type: sqlcopy
      source_ref: src
      target_ref: dst
      params:
        source_table: orders
  schedules:
    - job_key: orders_copy
      freq_code: DL
      freq_hour: 10
      freq_minute: 30
  dependencies:
    - parent: orders_copy
      child: orders_report
`

// TestNewConfig_Defaults verifies the documented defaults.
func TestNewConfig_Defaults(t *testing.T) {
	cfg := coreconfig.NewConfig()

	assert.Equal(t, "UTC", cfg.Ferry.System.Timezone)
	assert.Equal(t, "INFO", cfg.Ferry.System.Logging.Level)
	assert.Equal(t, 15, cfg.Ferry.Scheduler.PollIntervalSeconds)
	assert.Equal(t, 60, cfg.Ferry.Scheduler.RefreshIntervalSeconds)
	assert.Equal(t, coreconfig.OnConflictRequeue, cfg.Ferry.Scheduler.OnConflict)
	assert.Equal(t, 30*time.Second, cfg.Ferry.Scheduler.HeartbeatInterval())
	assert.Equal(t, 3*time.Minute, cfg.Ferry.Scheduler.Lease())
	assert.Equal(t, 50000, cfg.Ferry.Batch.ChunkSize)
	assert.Equal(t, int64(100000), cfg.Ferry.Batch.ParallelMinRows)
	assert.GreaterOrEqual(t, cfg.Ferry.Batch.ChunkWorkers, 1)
	assert.True(t, cfg.Ferry.Batch.ParallelEnabled)
	assert.True(t, cfg.Ferry.Batch.Retry.Enabled)
	assert.Equal(t, 3, cfg.Ferry.Batch.Retry.MaxRetries)
	assert.Equal(t, "metadata", cfg.Ferry.Infrastructure.RepositoryDBRef)
	assert.Equal(t, coreconfig.QueueBackendSQL, cfg.Ferry.Infrastructure.QueueBackend)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_YAMLOverDefaults(t *testing.T) {
	t.Setenv("FERRY_TEST_DB_PATH", "/tmp/ferry-test.db")

	cfg, err := coreconfig.LoadConfig("", coreconfig.EmbeddedConfig(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Ferry.Scheduler.PollIntervalSeconds)
	assert.Equal(t, 60, cfg.Ferry.Scheduler.RefreshIntervalSeconds, "unset keys keep defaults")
	assert.Equal(t, coreconfig.OnConflictReject, cfg.Ferry.Scheduler.OnConflict)
	assert.Equal(t, 1000, cfg.Ferry.Batch.ChunkSize)
	assert.False(t, cfg.Ferry.Batch.ParallelEnabled)
	assert.Equal(t, 5, cfg.Ferry.Batch.Retry.MaxRetries)
	assert.Equal(t, 2.0, cfg.Ferry.Batch.Retry.Factor)
	assert.NotEmpty(t, cfg.Ferry.Scheduler.WorkerID)
	assert.Equal(t, cfg.Ferry.Batch.ChunkWorkers, cfg.Ferry.Batch.PoolSize)

	metadata, ok := cfg.Ferry.DatabaseConfigs["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "/tmp/ferry-test.db", metadata["database"])

	require.Len(t, cfg.Ferry.Jobs, 1)
	assert.Equal(t, "orders_copy", cfg.Ferry.Jobs[0].JobKey)
	assert.Equal(t, "orders", cfg.Ferry.Jobs[0].Params["source_table"])
	require.Len(t, cfg.Ferry.Schedules, 1)
	assert.Equal(t, "DL", cfg.Ferry.Schedules[0].FreqCode)
	assert.Equal(t, 30, cfg.Ferry.Schedules[0].FreqMinute)
	require.Len(t, cfg.Ferry.Dependencies, 1)
	assert.Equal(t, "orders_report", cfg.Ferry.Dependencies[0].Child)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", loc.String())
	assert.Equal(t, 5*time.Second, cfg.Ferry.Scheduler.PollInterval())
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("FERRY_BATCH_MAX_WORKERS", "9")
	t.Setenv("FERRY_BATCH_RETRY_JITTER", "0.5")
	t.Setenv("FERRY_BATCH_RETRY_RETRYABLE_ERRORS", "ErrClaimRace, context.DeadlineExceeded")
	t.Setenv("FERRY_DATABASE_METADATA_HOST", "db.internal")
	t.Setenv("FERRY_SCHEDULER_WORKER_ID", "worker-7")

	cfg, err := coreconfig.LoadConfig("", coreconfig.EmbeddedConfig(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Ferry.Batch.MaxWorkers)
	assert.Equal(t, 0.5, cfg.Ferry.Batch.Retry.Jitter)
	assert.Equal(t, []string{"ErrClaimRace", "context.DeadlineExceeded"}, cfg.Ferry.Batch.Retry.RetryableErrors)
	assert.Equal(t, "worker-7", cfg.Ferry.Scheduler.WorkerID)

	metadata := cfg.Ferry.DatabaseConfigs["metadata"].(map[string]interface{})
	assert.Equal(t, "db.internal", metadata["host"])
	assert.Equal(t, "sqlite", metadata["type"], "yaml keys survive env overrides")
}

func TestNewConfigProvider_RejectsUnknownErrorNames(t *testing.T) {
	t.Setenv("FERRY_BATCH_RETRY_RETRYABLE_ERRORS", "NoSuchError")
	_, err := coreconfig.NewConfigProvider(coreconfig.ConfigParams{EmbeddedConfig: coreconfig.EmbeddedConfig(sampleYAML)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NoSuchError")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*coreconfig.Config)
	}{
		{"bad on_conflict", func(c *coreconfig.Config) { c.Ferry.Scheduler.OnConflict = "ignore" }},
		{"lease shorter than two heartbeats", func(c *coreconfig.Config) { c.Ferry.Scheduler.LeaseSeconds = 45 }},
		{"zero heartbeat", func(c *coreconfig.Config) { c.Ferry.Scheduler.HeartbeatIntervalSeconds = 0 }},
		{"bad backend", func(c *coreconfig.Config) { c.Ferry.Infrastructure.QueueBackend = "redis" }},
		{"zero chunk size", func(c *coreconfig.Config) { c.Ferry.Batch.ChunkSize = 0 }},
		{"factor below one", func(c *coreconfig.Config) { c.Ferry.Batch.Retry.Factor = 0.5 }},
		{"bad timezone", func(c *coreconfig.Config) { c.Ferry.Scheduler.Timezone = "Mars/Olympus" }},
		{"bad notify_on", func(c *coreconfig.Config) { c.Ferry.Notification.NotifyOn = []string{"PC"} }},
		{"webhook without timeout", func(c *coreconfig.Config) {
			c.Ferry.Notification.WebhookURL = "http://hooks.local/ferry"
			c.Ferry.Notification.TimeoutSeconds = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := coreconfig.NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMaskParams(t *testing.T) {
	cfg := coreconfig.NewConfig()
	masked := cfg.MaskParams(map[string]interface{}{"Password": "hunter2", "table": "orders"})
	assert.Equal(t, "********", masked["Password"])
	assert.Equal(t, "orders", masked["table"])
	assert.Nil(t, cfg.MaskParams(nil))
}

func TestOsEnvironmentExpander(t *testing.T) {
	t.Setenv("FERRY_X", "value")
	out, err := coreconfig.NewOsEnvironmentExpander().Expand([]byte("a=${FERRY_X} b=${FERRY_UNSET_Y:-fallback} c=${FERRY_UNSET_Z}"))
	require.NoError(t, err)
	assert.Equal(t, "a=value b=fallback c=", string(out))
}
