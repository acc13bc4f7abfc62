package model

import "time"

// CheckpointStrategy selects how a job resumes after an interruption.
type CheckpointStrategy string

const (
	CheckpointKey        CheckpointStrategy = "KEY"
	CheckpointCursorSkip CheckpointStrategy = "CURSOR_SKIP"
	CheckpointNone       CheckpointStrategy = "NONE"
	CheckpointAuto       CheckpointStrategy = "AUTO"
)

// String returns the string representation of the CheckpointStrategy.
func (s CheckpointStrategy) String() string {
	return string(s)
}

// Valid reports whether s is a known strategy. The empty strategy is treated as AUTO.
func (s CheckpointStrategy) Valid() bool {
	switch s {
	case CheckpointKey, CheckpointCursorSkip, CheckpointNone, CheckpointAuto, "":
		return true
	default:
		return false
	}
}

// CheckpointRecord is the resume position of a job. For KEY the value is the last committed
// key; for CURSOR_SKIP it is the number of rows already processed.
type CheckpointRecord struct {
	JobKey    string
	Strategy  CheckpointStrategy
	Column    string
	LastValue string
	UpdatedAt time.Time
}
