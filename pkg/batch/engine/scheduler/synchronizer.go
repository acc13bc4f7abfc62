package scheduler

import (
	"context"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
	"github.com/tigerroll/ferry/pkg/batch/core/metrics"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// Clock returns the current time.
type Clock func() time.Time

// Synchronizer loads enabled schedule definitions, enqueues the due ones and advances their
// next fire time.
type Synchronizer struct {
	schedules repository.ScheduleStore
	queue     repository.QueueStore
	recorder  metrics.MetricRecorder
	loc       *time.Location
	now       Clock
}

// NewSynchronizer creates a Synchronizer evaluating frequency codes in loc. A nil clock means
// time.Now.
func NewSynchronizer(schedules repository.ScheduleStore, queue repository.QueueStore, recorder metrics.MetricRecorder, loc *time.Location, now Clock) *Synchronizer {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Synchronizer{schedules: schedules, queue: queue, recorder: recorder, loc: loc, now: now}
}

// Sync runs one synchronization cycle and returns the number of enqueued requests. A bad
// definition is logged and skipped; only a failure to list the schedules is returned.
func (s *Synchronizer) Sync(ctx context.Context) (int, error) {
	defs, err := s.schedules.ListEnabledSchedules(ctx)
	if err != nil {
		return 0, exception.NewBatchError("Synchronizer", "failed to list schedules", err, exception.Classify(err))
	}
	now := s.now().In(s.loc)
	fired := 0
	for _, def := range defs {
		ok, err := s.syncOne(ctx, def, now)
		if err != nil {
			logger.Errorf("Synchronizer: skipping schedule %s of '%s': %v", def.ID, def.JobKey, err)
			continue
		}
		if ok {
			fired++
		}
	}
	if fired > 0 {
		logger.Infof("Synchronizer: enqueued %d scheduled run(s).", fired)
	}
	return fired, nil
}

// syncOne enqueues def when it is due. The next fire time is advanced with a write guarded by
// the fire time just read, and the request is enqueued only by the synchronizer whose write
// succeeded, in the same transaction when the store supports one.
func (s *Synchronizer) syncOne(ctx context.Context, def *model.ScheduleDefinition, now time.Time) (bool, error) {
	if def.Expired(now) {
		logger.Debugf("Synchronizer: schedule %s of '%s' expired.", def.ID, def.JobKey)
		return false, nil
	}

	expected := def.NextRun
	if def.NextRun == nil {
		next, err := NextRun(def, now, s.loc)
		if err != nil {
			return false, err
		}
		if next.After(now) {
			_, err := s.schedules.AdvanceScheduleRun(ctx, def.ID, nil, nil, &next)
			return false, err
		}
		def.NextRun = &next
	}
	if def.NextRun.After(now) {
		return false, nil
	}

	due := *def.NextRun
	fire := def.InWindow(now)
	var lastRun *time.Time
	if fire {
		lastRun = &now
		def.LastRun = &now
	}
	next, err := NextRun(def, now, s.loc)
	if err != nil {
		return false, err
	}

	claimed := false
	err = s.inTransaction(ctx, func(ctx context.Context) error {
		ok, err := s.schedules.AdvanceScheduleRun(ctx, def.ID, expected, lastRun, &next)
		if err != nil || !ok {
			return err
		}
		claimed = true
		if !fire {
			return nil
		}
		id, err := s.queue.Enqueue(ctx, def.JobKey, model.RequestImmediate, model.Params{
			"schedule_id":  def.ID,
			"scheduled_at": due.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		logger.Infof("Synchronizer: '%s' due at %s, enqueued request %s.", def.JobKey, due.Format(time.RFC3339), id)
		return nil
	})
	if err != nil {
		return false, err
	}
	if !claimed {
		logger.Debugf("Synchronizer: schedule %s of '%s' was already advanced by another worker.", def.ID, def.JobKey)
		return false, nil
	}
	if fire {
		s.recorder.RecordScheduleFire(ctx, def.JobKey, def.FreqCode)
	}
	return fire, nil
}

func (s *Synchronizer) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if t, ok := s.schedules.(repository.Transactor); ok {
		return t.InTransaction(ctx, fn)
	}
	return fn(ctx)
}

// Enable turns every schedule of jobKey on. The next fire time is recomputed at the next cycle.
func (s *Synchronizer) Enable(ctx context.Context, jobKey string) error {
	if err := s.schedules.SetScheduleEnabled(ctx, jobKey, true); err != nil {
		return err
	}
	defs, err := s.schedules.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if def.JobKey == jobKey {
			if err := s.schedules.UpdateScheduleRun(ctx, def.ID, nil, nil); err != nil {
				return err
			}
		}
	}
	logger.Infof("Synchronizer: schedules of '%s' enabled.", jobKey)
	return nil
}

// Disable turns every schedule of jobKey off without deleting it.
func (s *Synchronizer) Disable(ctx context.Context, jobKey string) error {
	if err := s.schedules.SetScheduleEnabled(ctx, jobKey, false); err != nil {
		return err
	}
	logger.Infof("Synchronizer: schedules of '%s' disabled.", jobKey)
	return nil
}
