package sql

import (
	"time"

	"gorm.io/datatypes"
)

// Table names of the coordination store. The DDL lives in the embedded migrations of
// infrastructure/migration.
const (
	TableQueueRequest  = "ferry_queue_request"
	TableSchedule      = "ferry_schedule"
	TableProcessLog    = "ferry_process_log"
	TableJobLog        = "ferry_job_log"
	TableJobError      = "ferry_job_error"
	TableCheckpoint    = "ferry_checkpoint"
	TableJobDefinition = "ferry_job_definition"
	TableJobDependency = "ferry_job_dependency"
)

// QueueRequestEntity is a row of ferry_queue_request. Version guards the optimistic claim.
type QueueRequestEntity struct {
	RequestID     string         `gorm:"column:request_id;primaryKey"`
	JobKey        string         `gorm:"column:job_key"`
	RequestType   string         `gorm:"column:request_type"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	Status        string         `gorm:"column:status"`
	RequestedAt   time.Time      `gorm:"column:requested_at"`
	AvailableAt   time.Time      `gorm:"column:available_at"`
	ClaimedAt     *time.Time     `gorm:"column:claimed_at"`
	ClaimedBy     string         `gorm:"column:claimed_by"`
	CompletedAt   *time.Time     `gorm:"column:completed_at"`
	ResultPayload datatypes.JSON `gorm:"column:result_payload"`
	ErrorMessage  string         `gorm:"column:error_message"`
	Version       int            `gorm:"column:version"`
}

func (QueueRequestEntity) TableName() string { return TableQueueRequest }

// ScheduleEntity is a row of ferry_schedule.
type ScheduleEntity struct {
	ID         string     `gorm:"column:id;primaryKey"`
	JobKey     string     `gorm:"column:job_key"`
	FreqCode   string     `gorm:"column:freq_code"`
	FreqDay    int        `gorm:"column:freq_day"`
	FreqMonth  int        `gorm:"column:freq_month"`
	FreqHour   int        `gorm:"column:freq_hour"`
	FreqMinute int        `gorm:"column:freq_minute"`
	StartDate  *time.Time `gorm:"column:start_date"`
	EndDate    *time.Time `gorm:"column:end_date"`
	Enabled    bool       `gorm:"column:enabled"`
	LastRun    *time.Time `gorm:"column:last_run"`
	NextRun    *time.Time `gorm:"column:next_run"`
	UpdatedAt  time.Time  `gorm:"column:updated_at"`
}

func (ScheduleEntity) TableName() string { return TableSchedule }

// ProcessLogEntity is a row of ferry_process_log. RunningKey holds the job key while the
// entry is IP and NULL afterwards; its unique index allows one IP entry per job key.
type ProcessLogEntity struct {
	SessionID       string     `gorm:"column:session_id;primaryKey"`
	JobKey          string     `gorm:"column:job_key"`
	RequestID       string     `gorm:"column:request_id"`
	Status          string     `gorm:"column:status"`
	StartTime       time.Time  `gorm:"column:start_time"`
	EndTime         *time.Time `gorm:"column:end_time"`
	CheckpointValue string     `gorm:"column:checkpoint_value"`
	ErrorText       string     `gorm:"column:error_text"`
	RunningKey      *string    `gorm:"column:running_key"`
	WorkerID        string     `gorm:"column:worker_id"`
	HeartbeatAt     *time.Time `gorm:"column:heartbeat_at"`
}

func (ProcessLogEntity) TableName() string { return TableProcessLog }

// JobLogEntity is a row of ferry_job_log.
type JobLogEntity struct {
	ID          string    `gorm:"column:id;primaryKey"`
	SessionID   string    `gorm:"column:session_id"`
	JobKey      string    `gorm:"column:job_key"`
	RunStatus   string    `gorm:"column:run_status"`
	SourceRows  int64     `gorm:"column:source_rows"`
	TargetRows  int64     `gorm:"column:target_rows"`
	ErrorRows   int64     `gorm:"column:error_rows"`
	BatchNumber int64     `gorm:"column:batch_number"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (JobLogEntity) TableName() string { return TableJobLog }

// JobErrorEntity is a row of ferry_job_error.
type JobErrorEntity struct {
	ID         string    `gorm:"column:id;primaryKey"`
	SessionID  string    `gorm:"column:session_id"`
	JobKey     string    `gorm:"column:job_key"`
	ErrorCode  string    `gorm:"column:error_code"`
	Message    string    `gorm:"column:message"`
	RowContext string    `gorm:"column:row_context"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (JobErrorEntity) TableName() string { return TableJobError }

// CheckpointEntity is a row of ferry_checkpoint.
type CheckpointEntity struct {
	JobKey           string    `gorm:"column:job_key;primaryKey"`
	Strategy         string    `gorm:"column:strategy"`
	CheckpointColumn string    `gorm:"column:checkpoint_column"`
	CheckpointValue  string    `gorm:"column:checkpoint_value"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`
}

func (CheckpointEntity) TableName() string { return TableCheckpoint }

// JobDefinitionEntity is a row of ferry_job_definition.
type JobDefinitionEntity struct {
	JobKey             string         `gorm:"column:job_key;primaryKey"`
	PayloadType        string         `gorm:"column:payload_type"`
	SourceRef          string         `gorm:"column:source_ref"`
	TargetRef          string         `gorm:"column:target_ref"`
	Params             datatypes.JSON `gorm:"column:params"`
	CheckpointStrategy string         `gorm:"column:checkpoint_strategy"`
	CheckpointColumn   string         `gorm:"column:checkpoint_column"`
	Enabled            bool           `gorm:"column:enabled"`
	CreatedAt          time.Time      `gorm:"column:created_at"`
	UpdatedAt          time.Time      `gorm:"column:updated_at"`
}

func (JobDefinitionEntity) TableName() string { return TableJobDefinition }

// JobDependencyEntity is a row of ferry_job_dependency.
type JobDependencyEntity struct {
	ParentKey string `gorm:"column:parent_key;primaryKey"`
	ChildKey  string `gorm:"column:child_key;primaryKey"`
}

func (JobDependencyEntity) TableName() string { return TableJobDependency }
