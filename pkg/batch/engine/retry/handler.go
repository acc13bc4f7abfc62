package retry

import (
	"context"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the default Sleeper.
func ContextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Outcome describes the attempts made by Handler.Do.
type Outcome struct {
	Attempts int
	Delays   []time.Duration
}

// Handler runs an operation under a RetryPolicy.
type Handler struct {
	policy RetryPolicy
	sleep  Sleeper
	// OnRetry, when set, is called before each backoff.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// NewHandler creates a Handler. A nil sleeper means ContextSleep.
func NewHandler(policy RetryPolicy, sleep Sleeper) *Handler {
	if sleep == nil {
		sleep = ContextSleep
	}
	return &Handler{policy: policy, sleep: sleep}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the retries are exhausted.
// The last error is returned together with the attempts made.
func (h *Handler) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (Outcome, error) {
	var out Outcome
	maxAttempts := h.policy.GetMaxRetries() + 1
	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		err := fn(ctx, attempt)
		if err == nil {
			return out, nil
		}
		if attempt >= maxAttempts || !h.policy.ShouldRetry(err) {
			return out, err
		}

		delay := h.policy.GetBackoffInterval(attempt)
		out.Delays = append(out.Delays, delay)
		logger.Warnf("Retry: attempt %d/%d failed with a transient error, retrying in %s: %v", attempt, maxAttempts, delay, err)
		if h.OnRetry != nil {
			h.OnRetry(attempt, delay, err)
		}
		if sleepErr := h.sleep(ctx, delay); sleepErr != nil {
			return out, sleepErr
		}
	}
}
