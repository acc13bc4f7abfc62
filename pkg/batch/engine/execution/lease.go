package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// Maintain renews the leases of the runs hosted here, then settles runs abandoned by other
// workers. The scheduler loop calls it every heartbeat interval, starting at startup.
func (e *Engine) Maintain(ctx context.Context) error {
	var errs *multierror.Error
	if err := e.Heartbeat(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := e.Recover(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// Heartbeat renews the IP entries of the runs hosted here. A run whose entry was finalized by
// the recovery of another worker has lost its lease: it is stopped at the next chunk boundary
// and leaves its request alone.
func (e *Engine) Heartbeat(ctx context.Context) error {
	now := e.now().UTC()
	var errs *multierror.Error
	for sessionID, run := range e.running.sessions() {
		held, err := e.repo.TouchProcess(ctx, sessionID, now)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("renew session %s: %w", sessionID, err))
			continue
		}
		if !held {
			logger.Errorf("Engine: session %s lost its lease, stopping the run.", sessionID)
			run.loseLease()
		}
	}
	return errs.ErrorOrNil()
}

// Recover finalizes the IP entries whose heartbeat is older than the lease as FL, which
// releases their job keys, and re-queues their requests so the next run resumes from the last
// advanced checkpoint. Requests whose claimant died before starting the run are re-queued too.
// It returns the number of settled entries and requests.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	now := e.now().UTC()
	cutoff := now.Add(-e.opts.Lease)
	local := e.running.sessions()

	stale, err := e.repo.ListStaleProcesses(ctx, cutoff)
	if err != nil {
		return 0, exception.NewBatchError("Recovery", "failed to list stale sessions", err, exception.Classify(err))
	}

	var errs *multierror.Error
	recovered := 0
	for _, p := range stale {
		if _, ours := local[p.SessionID]; ours {
			continue
		}
		msg := fmt.Sprintf("abandoned: worker '%s' stopped heartbeating at %s", p.WorkerID, p.HeartbeatAt.UTC().Format(time.RFC3339))
		abandoned, err := e.repo.AbandonProcess(ctx, p.SessionID, cutoff, now, msg)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("abandon session %s: %w", p.SessionID, err))
			continue
		}
		if !abandoned {
			continue
		}
		recovered++
		logger.Warnf("Recovery: '%s' session %s %s; request %s re-queued, checkpoint kept at '%s'.",
			p.JobKey, p.SessionID, msg, p.RequestID, p.CheckpointValue)
		if err := e.repo.AppendJobError(ctx, model.NewJobErrorEntry(p.SessionID, p.JobKey, exception.KindFatal.String(), msg, "")); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("record abandonment of session %s: %w", p.SessionID, err))
		}
		if err := e.repo.Requeue(ctx, p.RequestID, now); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("re-queue request %s: %w", p.RequestID, err))
		}
		e.recorder.RecordRunEnd(ctx, p.JobKey, model.ProcessFailed, model.RunFailed, now.Sub(p.StartTime))
		e.notify(ctx, &model.RunReport{
			JobKey:    p.JobKey,
			SessionID: p.SessionID,
			RequestID: p.RequestID,
			WorkerID:  p.WorkerID,
			Status:    model.ProcessFailed,
			RunStatus: model.RunFailed,
			StartTime: p.StartTime,
			EndTime:   now,
			Error:     msg,
		})
	}

	orphans, err := e.repo.ListOrphanedClaims(ctx, cutoff)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("list orphaned claims: %w", err))
		return recovered, errs.ErrorOrNil()
	}
	for _, req := range orphans {
		logger.Warnf("Recovery: %s request %s for '%s' was claimed by '%s' and never started, re-queued.",
			req.RequestType, req.RequestID, req.JobKey, req.ClaimedBy)
		if err := e.repo.Requeue(ctx, req.RequestID, now); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("re-queue request %s: %w", req.RequestID, err))
			continue
		}
		recovered++
	}
	return recovered, errs.ErrorOrNil()
}
