package inmemory

import (
	"context"
	"sort"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
)

func cloneRequest(q *model.QueueRequest) *model.QueueRequest {
	c := *q
	c.Payload = q.Payload.Clone()
	c.ResultPayload = q.ResultPayload.Clone()
	c.ClaimedAt = cloneTime(q.ClaimedAt)
	c.CompletedAt = cloneTime(q.CompletedAt)
	return &c
}

// Enqueue implements repository.QueueStore.
func (r *InMemoryRepository) Enqueue(ctx context.Context, jobKey string, requestType model.RequestType, payload model.Params) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req := model.NewQueueRequest(jobKey, requestType, payload.Clone())
	req.RequestedAt = r.now()
	req.AvailableAt = req.RequestedAt
	r.seq++
	r.order[req.RequestID] = r.seq
	r.requests[req.RequestID] = req
	return req.RequestID, nil
}

// Claim implements repository.QueueStore. The whole selection and transition happen under
// the write lock, so concurrent callers never claim the same request.
func (r *InMemoryRepository) Claim(ctx context.Context, workerID string, types ...model.RequestType) (*model.QueueRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var candidates []*model.QueueRequest
	for _, req := range r.requests {
		if req.Status != model.RequestStatusNew || req.AvailableAt.After(now) {
			continue
		}
		if len(types) > 0 && !containsType(types, req.RequestType) {
			continue
		}
		candidates = append(candidates, req)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.RequestedAt.Equal(b.RequestedAt) {
			return a.RequestedAt.Before(b.RequestedAt)
		}
		return r.order[a.RequestID] < r.order[b.RequestID]
	})

	req := candidates[0]
	req.Status = model.RequestStatusClaimed
	req.ClaimedBy = workerID
	req.ClaimedAt = &now
	return cloneRequest(req), nil
}

func containsType(types []model.RequestType, t model.RequestType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// Complete implements repository.QueueStore.
func (r *InMemoryRepository) Complete(ctx context.Context, requestID string, result model.Params) error {
	return r.finish(requestID, model.RequestStatusDone, result, "")
}

// Fail implements repository.QueueStore.
func (r *InMemoryRepository) Fail(ctx context.Context, requestID string, errMsg string) error {
	return r.finish(requestID, model.RequestStatusFailed, nil, errMsg)
}

func (r *InMemoryRepository) finish(requestID string, status model.RequestStatus, result model.Params, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[requestID]
	if !ok {
		return repository.ErrRequestNotFound
	}
	if req.Status != model.RequestStatusClaimed {
		return nil
	}
	now := r.now()
	req.Status = status
	req.CompletedAt = &now
	req.ResultPayload = result.Clone()
	req.ErrorMessage = errMsg
	return nil
}

// Requeue implements repository.QueueStore.
func (r *InMemoryRepository) Requeue(ctx context.Context, requestID string, availableAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[requestID]
	if !ok {
		return repository.ErrRequestNotFound
	}
	if req.Status != model.RequestStatusClaimed {
		return nil
	}
	req.Status = model.RequestStatusNew
	req.AvailableAt = availableAt
	req.ClaimedAt = nil
	req.ClaimedBy = ""
	return nil
}

// FindRequest implements repository.QueueStore.
func (r *InMemoryRepository) FindRequest(ctx context.Context, requestID string) (*model.QueueRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	req, ok := r.requests[requestID]
	if !ok {
		return nil, repository.ErrRequestNotFound
	}
	return cloneRequest(req), nil
}
