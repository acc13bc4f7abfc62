package model

import (
	"time"

	"github.com/google/uuid"
)

// RequestType is the kind of work a QueueRequest asks for.
type RequestType string

const (
	RequestImmediate       RequestType = "IMMEDIATE"
	RequestHistory         RequestType = "HISTORY"
	RequestStop            RequestType = "STOP"
	RequestRefreshSchedule RequestType = "REFRESH_SCHEDULE"
)

// String returns the string representation of the RequestType.
func (t RequestType) String() string {
	return string(t)
}

// Valid reports whether t is one of the known request types.
func (t RequestType) Valid() bool {
	switch t {
	case RequestImmediate, RequestHistory, RequestStop, RequestRefreshSchedule:
		return true
	default:
		return false
	}
}

// IsControl reports whether t is handled by the poller itself instead of a job worker.
func (t RequestType) IsControl() bool {
	return t == RequestStop || t == RequestRefreshSchedule
}

// WorkRequestTypes are the request types that start a job run.
var WorkRequestTypes = []RequestType{RequestImmediate, RequestHistory}

// ControlRequestTypes are the request types consumed by the poller.
var ControlRequestTypes = []RequestType{RequestStop, RequestRefreshSchedule}

// RequestStatus is the lifecycle state of a QueueRequest: NEW → CLAIMED → DONE|FAILED.
type RequestStatus string

const (
	RequestStatusNew     RequestStatus = "NEW"
	RequestStatusClaimed RequestStatus = "CLAIMED"
	RequestStatusDone    RequestStatus = "DONE"
	RequestStatusFailed  RequestStatus = "FAILED"
)

// String returns the string representation of the RequestStatus.
func (s RequestStatus) String() string {
	return string(s)
}

// IsTerminal reports whether s is DONE or FAILED.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestStatusDone || s == RequestStatusFailed
}

// QueueRequest is one unit of requested work.
type QueueRequest struct {
	RequestID   string
	JobKey      string
	RequestType RequestType
	Payload     Params
	Status      RequestStatus
	RequestedAt time.Time
	// AvailableAt delays a re-queued request; claims only consider rows with AvailableAt <= now.
	AvailableAt   time.Time
	ClaimedAt     *time.Time
	ClaimedBy     string
	CompletedAt   *time.Time
	ResultPayload Params
	ErrorMessage  string
}

// NewQueueRequest creates a NEW request with a fresh id, available immediately.
func NewQueueRequest(jobKey string, requestType RequestType, payload Params) *QueueRequest {
	now := time.Now().UTC()
	if payload == nil {
		payload = Params{}
	}
	return &QueueRequest{
		RequestID:   uuid.New().String(),
		JobKey:      jobKey,
		RequestType: requestType,
		Payload:     payload,
		Status:      RequestStatusNew,
		RequestedAt: now,
		AvailableAt: now,
	}
}
