package sql

import (
	"time"

	"gorm.io/datatypes"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/support/util/serialization"
)

// --- Mapper functions ---

func toJSON(p model.Params) (datatypes.JSON, error) {
	data, err := serialization.MarshalParams(p, nil)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

func fromJSON(data datatypes.JSON) (model.Params, error) {
	var m map[string]interface{}
	if err := serialization.UnmarshalParams(data, &m); err != nil {
		return nil, err
	}
	return model.Params(m), nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func fromDomainQueueRequest(q *model.QueueRequest) (*QueueRequestEntity, error) {
	payload, err := toJSON(q.Payload)
	if err != nil {
		return nil, err
	}
	result, err := toJSON(q.ResultPayload)
	if err != nil {
		return nil, err
	}
	return &QueueRequestEntity{
		RequestID:     q.RequestID,
		JobKey:        q.JobKey,
		RequestType:   string(q.RequestType),
		Payload:       payload,
		Status:        string(q.Status),
		RequestedAt:   q.RequestedAt.UTC(),
		AvailableAt:   q.AvailableAt.UTC(),
		ClaimedAt:     utc(q.ClaimedAt),
		ClaimedBy:     q.ClaimedBy,
		CompletedAt:   utc(q.CompletedAt),
		ResultPayload: result,
		ErrorMessage:  q.ErrorMessage,
	}, nil
}

func toDomainQueueRequest(e *QueueRequestEntity) (*model.QueueRequest, error) {
	payload, err := fromJSON(e.Payload)
	if err != nil {
		return nil, err
	}
	result, err := fromJSON(e.ResultPayload)
	if err != nil {
		return nil, err
	}
	return &model.QueueRequest{
		RequestID:     e.RequestID,
		JobKey:        e.JobKey,
		RequestType:   model.RequestType(e.RequestType),
		Payload:       payload,
		Status:        model.RequestStatus(e.Status),
		RequestedAt:   e.RequestedAt,
		AvailableAt:   e.AvailableAt,
		ClaimedAt:     e.ClaimedAt,
		ClaimedBy:     e.ClaimedBy,
		CompletedAt:   e.CompletedAt,
		ResultPayload: result,
		ErrorMessage:  e.ErrorMessage,
	}, nil
}

func fromDomainSchedule(s *model.ScheduleDefinition) *ScheduleEntity {
	return &ScheduleEntity{
		ID:         s.ID,
		JobKey:     s.JobKey,
		FreqCode:   string(s.FreqCode),
		FreqDay:    s.FreqDay,
		FreqMonth:  s.FreqMonth,
		FreqHour:   s.FreqHour,
		FreqMinute: s.FreqMinute,
		StartDate:  utc(s.StartDate),
		EndDate:    utc(s.EndDate),
		Enabled:    s.Enabled,
		LastRun:    utc(s.LastRun),
		NextRun:    utc(s.NextRun),
		UpdatedAt:  s.UpdatedAt.UTC(),
	}
}

func toDomainSchedule(e *ScheduleEntity) *model.ScheduleDefinition {
	return &model.ScheduleDefinition{
		ID:         e.ID,
		JobKey:     e.JobKey,
		FreqCode:   model.FrequencyCode(e.FreqCode),
		FreqDay:    e.FreqDay,
		FreqMonth:  e.FreqMonth,
		FreqHour:   e.FreqHour,
		FreqMinute: e.FreqMinute,
		StartDate:  e.StartDate,
		EndDate:    e.EndDate,
		Enabled:    e.Enabled,
		LastRun:    e.LastRun,
		NextRun:    e.NextRun,
		UpdatedAt:  e.UpdatedAt,
	}
}

func fromDomainProcess(p *model.ProcessLogEntry) *ProcessLogEntity {
	e := &ProcessLogEntity{
		SessionID:       p.SessionID,
		JobKey:          p.JobKey,
		RequestID:       p.RequestID,
		Status:          string(p.Status),
		StartTime:       p.StartTime.UTC(),
		EndTime:         utc(p.EndTime),
		CheckpointValue: p.CheckpointValue,
		ErrorText:       p.ErrorText,
		WorkerID:        p.WorkerID,
	}
	heartbeat := p.HeartbeatAt
	if heartbeat.IsZero() {
		heartbeat = p.StartTime
	}
	e.HeartbeatAt = utc(&heartbeat)
	if p.Status == model.ProcessInProgress {
		key := p.JobKey
		e.RunningKey = &key
	}
	return e
}

func toDomainProcess(e *ProcessLogEntity) *model.ProcessLogEntry {
	p := &model.ProcessLogEntry{
		SessionID:       e.SessionID,
		JobKey:          e.JobKey,
		RequestID:       e.RequestID,
		Status:          model.ProcessStatus(e.Status),
		StartTime:       e.StartTime,
		EndTime:         e.EndTime,
		WorkerID:        e.WorkerID,
		HeartbeatAt:     e.StartTime,
		CheckpointValue: e.CheckpointValue,
		ErrorText:       e.ErrorText,
	}
	if e.HeartbeatAt != nil {
		p.HeartbeatAt = *e.HeartbeatAt
	}
	return p
}

func fromDomainJobLog(l *model.JobLogEntry) *JobLogEntity {
	return &JobLogEntity{
		ID:          l.ID,
		SessionID:   l.SessionID,
		JobKey:      l.JobKey,
		RunStatus:   string(l.RunStatus),
		SourceRows:  l.SourceRows,
		TargetRows:  l.TargetRows,
		ErrorRows:   l.ErrorRows,
		BatchNumber: l.BatchNumber,
		CreatedAt:   l.CreatedAt.UTC(),
	}
}

func toDomainJobLog(e *JobLogEntity) *model.JobLogEntry {
	return &model.JobLogEntry{
		ID:          e.ID,
		SessionID:   e.SessionID,
		JobKey:      e.JobKey,
		RunStatus:   model.RunStatus(e.RunStatus),
		SourceRows:  e.SourceRows,
		TargetRows:  e.TargetRows,
		ErrorRows:   e.ErrorRows,
		BatchNumber: e.BatchNumber,
		CreatedAt:   e.CreatedAt,
	}
}

func fromDomainJobError(j *model.JobErrorEntry) *JobErrorEntity {
	return &JobErrorEntity{
		ID:         j.ID,
		SessionID:  j.SessionID,
		JobKey:     j.JobKey,
		ErrorCode:  j.ErrorCode,
		Message:    j.Message,
		RowContext: j.RowContext,
		CreatedAt:  j.CreatedAt.UTC(),
	}
}

func toDomainJobError(e *JobErrorEntity) *model.JobErrorEntry {
	return &model.JobErrorEntry{
		ID:         e.ID,
		SessionID:  e.SessionID,
		JobKey:     e.JobKey,
		ErrorCode:  e.ErrorCode,
		Message:    e.Message,
		RowContext: e.RowContext,
		CreatedAt:  e.CreatedAt,
	}
}

func fromDomainCheckpoint(c *model.CheckpointRecord) *CheckpointEntity {
	return &CheckpointEntity{
		JobKey:           c.JobKey,
		Strategy:         string(c.Strategy),
		CheckpointColumn: c.Column,
		CheckpointValue:  c.LastValue,
		UpdatedAt:        c.UpdatedAt.UTC(),
	}
}

func toDomainCheckpoint(e *CheckpointEntity) *model.CheckpointRecord {
	return &model.CheckpointRecord{
		JobKey:    e.JobKey,
		Strategy:  model.CheckpointStrategy(e.Strategy),
		Column:    e.CheckpointColumn,
		LastValue: e.CheckpointValue,
		UpdatedAt: e.UpdatedAt,
	}
}

func fromDomainJob(j *model.JobDefinition) (*JobDefinitionEntity, error) {
	params, err := toJSON(j.Params)
	if err != nil {
		return nil, err
	}
	return &JobDefinitionEntity{
		JobKey:             j.JobKey,
		PayloadType:        j.PayloadType,
		SourceRef:          j.SourceRef,
		TargetRef:          j.TargetRef,
		Params:             params,
		CheckpointStrategy: string(j.CheckpointStrategy),
		CheckpointColumn:   j.CheckpointColumn,
		Enabled:            j.Enabled,
		CreatedAt:          j.CreatedAt.UTC(),
		UpdatedAt:          j.UpdatedAt.UTC(),
	}, nil
}

func toDomainJob(e *JobDefinitionEntity) (*model.JobDefinition, error) {
	params, err := fromJSON(e.Params)
	if err != nil {
		return nil, err
	}
	return &model.JobDefinition{
		JobKey:             e.JobKey,
		PayloadType:        e.PayloadType,
		SourceRef:          e.SourceRef,
		TargetRef:          e.TargetRef,
		Params:             params,
		CheckpointStrategy: model.CheckpointStrategy(e.CheckpointStrategy),
		CheckpointColumn:   e.CheckpointColumn,
		Enabled:            e.Enabled,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}, nil
}
