package model

import "time"

// JobDefinition configures one data-movement task.
type JobDefinition struct {
	JobKey             string
	PayloadType        string
	SourceRef          string // name of the `ferry.database` block to read from
	TargetRef          string // database or storage block to write to
	Params             Params
	CheckpointStrategy CheckpointStrategy
	CheckpointColumn   string
	Enabled            bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// JobDependency declares that ChildKey is enqueued after ParentKey completes.
type JobDependency struct {
	ParentKey string
	ChildKey  string
}
