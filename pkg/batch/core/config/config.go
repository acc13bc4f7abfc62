// Package config provides structures and utilities for managing application configuration.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// EmbeddedConfig holds the content of the configuration file, typically passed from main.go.
// This is used when loading configuration from an embedded source (e.g., a compiled binary).
type EmbeddedConfig []byte

// Conflict policies applied when a claimed request targets a job key that is already running.
const (
	OnConflictRequeue = "requeue"
	OnConflictReject  = "reject"
)

// Queue backends.
const (
	QueueBackendSQL      = "sql"
	QueueBackendPostgres = "postgres"
)

// SchedulerConfig holds the settings of the schedule synchronizer and the queue poller.
type SchedulerConfig struct {
	// PollIntervalSeconds is the period of the queue poller.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// RefreshIntervalSeconds is the period of the schedule synchronizer.
	RefreshIntervalSeconds int `yaml:"refresh_interval_seconds"`
	// WorkerID is recorded as claimed_by on every claimed request. Generated when empty.
	WorkerID string `yaml:"worker_id"`
	// OnConflict is "requeue" or "reject".
	OnConflict string `yaml:"on_conflict"`
	// Timezone is the location used to evaluate frequency codes. Falls back to system.timezone.
	Timezone string `yaml:"timezone"`
	// HeartbeatIntervalSeconds is how often a worker renews the IP entries of its runs and
	// sweeps runs abandoned by other workers.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	// LeaseSeconds is how long an IP entry survives without a heartbeat before it is
	// finalized as FL and its request re-queued.
	LeaseSeconds int `yaml:"lease_seconds"`
}

// RetryConfig holds the chunk retry settings.
type RetryConfig struct {
	Enabled           bool     `yaml:"enabled"`             // Enabled turns transient-error retries on.
	MaxRetries        int      `yaml:"max_retries"`         // MaxRetries is the number of retries after the first attempt.
	InitialIntervalMs int      `yaml:"initial_interval_ms"` // InitialIntervalMs is the first backoff in milliseconds.
	MaxIntervalMs     int      `yaml:"max_interval_ms"`     // MaxIntervalMs caps the backoff in milliseconds.
	Factor            float64  `yaml:"factor"`              // Factor is the exponential growth factor (e.g., 2.0).
	Jitter            float64  `yaml:"jitter"`              // Jitter is the random fraction added to each delay.
	RetryableErrors   []string `yaml:"retryable_errors"`    // RetryableErrors lists extra registered error names treated as transient.
}

// BatchConfig holds configuration specific to job execution.
type BatchConfig struct {
	// MaxWorkers bounds the number of concurrent job runs.
	MaxWorkers int `yaml:"max_workers"`
	// ChunkSize is the number of rows per chunk.
	ChunkSize int `yaml:"chunk_size"`
	// ParallelMinRows is the minimum row estimate before a run is chunked.
	ParallelMinRows int64 `yaml:"parallel_min_rows"`
	// ChunkWorkers bounds chunk-level concurrency within one run.
	ChunkWorkers int `yaml:"chunk_workers"`
	// PoolSize is the number of source/target connection pairs available to chunk workers.
	PoolSize int `yaml:"pool_size"`
	// ParallelEnabled is the master switch of the parallel processor.
	ParallelEnabled bool `yaml:"parallel_enabled"`
	// ProgressEnabled turns progress callbacks on.
	ProgressEnabled bool `yaml:"progress_enabled"`
	// Retry is the chunk retry configuration.
	Retry RetryConfig `yaml:"retry"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the logging level (e.g., "INFO", "DEBUG", "TRACE").
	Level string `yaml:"level"`
}

// SystemConfig holds system-wide settings.
type SystemConfig struct {
	// Timezone is the application timezone (e.g., "UTC", "Asia/Tokyo").
	Timezone string `yaml:"timezone"`
	// Logging is the logging configuration.
	Logging LoggingConfig `yaml:"logging"`
}

// InfrastructureConfig holds logical dependency settings for infrastructure components.
type InfrastructureConfig struct {
	// RepositoryDBRef is the name of the database connection hosting the coordination tables.
	RepositoryDBRef string `yaml:"repository_db_ref"`
	// QueueBackend is "sql" (portable) or "postgres" (SKIP LOCKED).
	QueueBackend string `yaml:"queue_backend"`
	// MigrateOnStart applies the embedded schema migrations at startup.
	MigrateOnStart bool `yaml:"migrate_on_start"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// TracingConfig holds the OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Insecure     bool   `yaml:"insecure"`
}

// NotificationConfig holds the run completion notification settings.
type NotificationConfig struct {
	Enabled bool `yaml:"enabled"`
	// NotifyOn lists the run outcomes that are reported: SUCCESS, PARTIAL, FAILED, STOPPED.
	NotifyOn []string `yaml:"notify_on"`
	// WebhookURL receives one JSON POST per reported run. Reports are only logged when empty.
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the per-attempt webhook timeout.
func (c *NotificationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// MaskedParameterKeys is a list of keys in job params whose values are masked in logs.
	MaskedParameterKeys []string `yaml:"masked_parameter_keys"`
}

// JobConfig seeds one job definition.
type JobConfig struct {
	JobKey             string                 `yaml:"job_key"`
	PayloadType        string                 `yaml:"payload_type"`
	SourceRef          string                 `yaml:"source_ref"`
	TargetRef          string                 `yaml:"target_ref"`
	Params             map[string]interface{} `yaml:"params"`
	CheckpointStrategy string                 `yaml:"checkpoint_strategy"`
	CheckpointColumn   string                 `yaml:"checkpoint_column"`
	Enabled            *bool                  `yaml:"enabled"`
}

// ScheduleConfig seeds one schedule definition.
// StartDate and EndDate use the "2006-01-02" layout.
type ScheduleConfig struct {
	JobKey     string `yaml:"job_key"`
	FreqCode   string `yaml:"freq_code"`
	FreqDay    int    `yaml:"freq_day"`
	FreqMonth  int    `yaml:"freq_month"`
	FreqHour   int    `yaml:"freq_hour"`
	FreqMinute int    `yaml:"freq_minute"`
	StartDate  string `yaml:"start_date"`
	EndDate    string `yaml:"end_date"`
	Enabled    *bool  `yaml:"enabled"`
}

// DependencyConfig seeds one parent/child edge.
type DependencyConfig struct {
	Parent string `yaml:"parent"`
	Child  string `yaml:"child"`
}

// FerryConfig holds all configuration under the "ferry" top-level key.
type FerryConfig struct {
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Batch          BatchConfig          `yaml:"batch"`
	System         SystemConfig         `yaml:"system"`
	Infrastructure InfrastructureConfig `yaml:"infrastructure"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Tracing        TracingConfig        `yaml:"tracing"`
	Security       SecurityConfig       `yaml:"security"`
	Notification   NotificationConfig   `yaml:"notification"`
	// DatabaseConfigs holds named database connection blocks, decoded later with mapstructure.
	DatabaseConfigs map[string]interface{} `yaml:"database"`
	// StorageConfigs holds named storage connection blocks, decoded later with mapstructure.
	StorageConfigs map[string]interface{} `yaml:"storage"`
	Jobs           []JobConfig            `yaml:"jobs"`
	Schedules      []ScheduleConfig       `yaml:"schedules"`
	Dependencies   []DependencyConfig     `yaml:"dependencies"`
}

// Config is the root structure for the entire application configuration.
type Config struct {
	// Ferry contains the top-level configuration.
	Ferry FerryConfig `yaml:"ferry"`
	// EmbeddedConfig holds configuration loaded from an embedded source, not from YAML.
	EmbeddedConfig EmbeddedConfig `yaml:"-"`
}

// defaultChunkWorkers returns CPU cores - 1, at least 1.
func defaultChunkWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		return 1
	}
	return n
}

// NewConfig returns a new instance of Config with default values.
func NewConfig() *Config {
	workers := defaultChunkWorkers()
	return &Config{
		Ferry: FerryConfig{
			Scheduler: SchedulerConfig{
				PollIntervalSeconds:    15,
				RefreshIntervalSeconds:   60,
				OnConflict:               OnConflictRequeue,
				HeartbeatIntervalSeconds: 30,
				LeaseSeconds:             180,
			},
			Batch: BatchConfig{
				MaxWorkers:      4,
				ChunkSize:       50000,
				ParallelMinRows: 100000,
				ChunkWorkers:    workers,
				PoolSize:        workers,
				ParallelEnabled: true,
				ProgressEnabled: true,
				Retry: RetryConfig{
					Enabled:           true,
					MaxRetries:        3,
					InitialIntervalMs: 1000,
					MaxIntervalMs:     60000,
					Factor:            2.0,
					Jitter:            0.1,
				},
			},
			System: SystemConfig{
				Timezone: "UTC",
				Logging:  LoggingConfig{Level: "INFO"},
			},
			Infrastructure: InfrastructureConfig{
				RepositoryDBRef: "metadata",
				QueueBackend:    QueueBackendSQL,
				MigrateOnStart:  true,
			},
			Metrics: MetricsConfig{
				Enabled:       true,
				ListenAddress: ":9090",
			},
			Tracing: TracingConfig{
				ServiceName: "ferry",
			},
			Security: SecurityConfig{
				MaskedParameterKeys: []string{"password", "api_key", "secret"},
			},
			Notification: NotificationConfig{
				Enabled:        true,
				NotifyOn:       []string{"PARTIAL", "FAILED"},
				TimeoutSeconds: 10,
				MaxRetries:     2,
			},
			DatabaseConfigs: map[string]interface{}{},
			StorageConfigs:  map[string]interface{}{},
		},
	}
}

// PollInterval returns the queue poller period.
func (c *SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// RefreshInterval returns the schedule synchronizer period.
func (c *SchedulerConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// HeartbeatInterval returns the lease renewal period.
func (c *SchedulerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// Lease returns how long an IP entry stays valid without a heartbeat.
func (c *SchedulerConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// Location resolves the scheduler time zone, falling back to the system time zone and then UTC.
func (c *Config) Location() (*time.Location, error) {
	name := c.Ferry.Scheduler.Timezone
	if name == "" {
		name = c.Ferry.System.Timezone
	}
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

// MaskParams returns a copy of params with configured sensitive keys masked, for logging.
func (c *Config) MaskParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	masked := make(map[string]interface{}, len(params))
	for k, v := range params {
		masked[k] = v
		for _, key := range c.Ferry.Security.MaskedParameterKeys {
			if strings.EqualFold(k, key) {
				masked[k] = "********"
				break
			}
		}
	}
	return masked
}

// Validate checks the values that cannot be corrected by defaults.
func (c *Config) Validate() error {
	f := &c.Ferry
	switch f.Scheduler.OnConflict {
	case OnConflictRequeue, OnConflictReject:
	default:
		return fmt.Errorf("scheduler.on_conflict must be '%s' or '%s', got '%s'", OnConflictRequeue, OnConflictReject, f.Scheduler.OnConflict)
	}
	switch f.Infrastructure.QueueBackend {
	case QueueBackendSQL, QueueBackendPostgres:
	default:
		return fmt.Errorf("infrastructure.queue_backend must be '%s' or '%s', got '%s'", QueueBackendSQL, QueueBackendPostgres, f.Infrastructure.QueueBackend)
	}
	if f.Scheduler.PollIntervalSeconds <= 0 || f.Scheduler.RefreshIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	if f.Scheduler.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.heartbeat_interval_seconds must be positive, got %d", f.Scheduler.HeartbeatIntervalSeconds)
	}
	if f.Scheduler.LeaseSeconds < 2*f.Scheduler.HeartbeatIntervalSeconds {
		return fmt.Errorf("scheduler.lease_seconds (%d) must be at least twice heartbeat_interval_seconds (%d)",
			f.Scheduler.LeaseSeconds, f.Scheduler.HeartbeatIntervalSeconds)
	}
	if f.Batch.MaxWorkers <= 0 {
		return fmt.Errorf("batch.max_workers must be positive, got %d", f.Batch.MaxWorkers)
	}
	if f.Batch.ChunkSize <= 0 {
		return fmt.Errorf("batch.chunk_size must be positive, got %d", f.Batch.ChunkSize)
	}
	if f.Batch.ChunkWorkers <= 0 {
		return fmt.Errorf("batch.chunk_workers must be positive, got %d", f.Batch.ChunkWorkers)
	}
	if f.Batch.Retry.MaxRetries < 0 {
		return fmt.Errorf("batch.retry.max_retries must not be negative")
	}
	if f.Batch.Retry.Factor < 1 {
		return fmt.Errorf("batch.retry.factor must be at least 1, got %v", f.Batch.Retry.Factor)
	}
	for _, outcome := range f.Notification.NotifyOn {
		switch strings.ToUpper(outcome) {
		case "SUCCESS", "PARTIAL", "FAILED", "STOPPED":
		default:
			return fmt.Errorf("notification.notify_on contains unknown outcome '%s'", outcome)
		}
	}
	if f.Notification.WebhookURL != "" && f.Notification.TimeoutSeconds <= 0 {
		return fmt.Errorf("notification.timeout_seconds must be positive, got %d", f.Notification.TimeoutSeconds)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid scheduler timezone: %w", err)
	}
	return nil
}
