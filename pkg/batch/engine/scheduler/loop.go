package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// Poller claims and dispatches queued requests. The execution engine implements it.
type Poller interface {
	Poll(ctx context.Context) error
}

// Maintainer renews the leases of local runs and settles runs abandoned by dead workers.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// Loop runs the synchronizer and the poller on two independent tickers, plus the maintainer
// when one is set. They share no state in process; everything goes through the stores.
type Loop struct {
	synchronizer    *Synchronizer
	poller          Poller
	refreshInterval time.Duration
	pollInterval    time.Duration

	maintainer       Maintainer
	maintainInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoop creates a Loop.
func NewLoop(synchronizer *Synchronizer, poller Poller, refreshInterval, pollInterval time.Duration) *Loop {
	return &Loop{
		synchronizer:    synchronizer,
		poller:          poller,
		refreshInterval: refreshInterval,
		pollInterval:    pollInterval,
	}
}

// WithMaintainer adds a third task run every interval. Call it before Start.
func (l *Loop) WithMaintainer(m Maintainer, every time.Duration) *Loop {
	l.maintainer = m
	l.maintainInterval = every
	return l
}

// Start runs one cycle of each task and then starts the tickers. It returns immediately.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)

	logger.Infof("SchedulerLoop: starting (refresh every %s, poll every %s).", l.refreshInterval, l.pollInterval)
	l.wg.Add(2)
	go l.run(ctx, "synchronizer", l.refreshInterval, func(ctx context.Context) error {
		_, err := l.synchronizer.Sync(ctx)
		return err
	})
	go l.run(ctx, "poller", l.pollInterval, l.poller.Poll)
	if l.maintainer != nil && l.maintainInterval > 0 {
		l.wg.Add(1)
		go l.run(ctx, "maintenance", l.maintainInterval, l.maintainer.Maintain)
	}
}

// Stop cancels the tasks and waits for them to return.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()
	logger.Infof("SchedulerLoop: stopped.")
}

func (l *Loop) run(ctx context.Context, name string, every time.Duration, task func(context.Context) error) {
	defer l.wg.Done()

	if err := task(ctx); err != nil {
		logger.Errorf("SchedulerLoop: %s cycle failed: %v", name, err)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debugf("SchedulerLoop: %s stopped.", name)
			return
		case <-ticker.C:
			if err := task(ctx); err != nil {
				logger.Errorf("SchedulerLoop: %s cycle failed: %v", name, err)
			}
		}
	}
}
