// Package retry classifies chunk errors and computes exponential-backoff delays for transient
// failures.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/core/config"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
)

// RetryPolicy is an interface that defines retry logic.
type RetryPolicy interface {
	// ShouldRetry determines if a given error is retryable.
	ShouldRetry(err error) bool
	// GetBackoffInterval returns the delay before the retry that follows the given failed
	// attempt (starting from 1).
	GetBackoffInterval(attempt int) time.Duration
	// GetMaxRetries returns the number of retries allowed after the first attempt.
	GetMaxRetries() int
}

// ExponentialPolicy retries transient errors with delay initial * factor^(attempt-1), capped at
// max, plus up to jitter*delay of random spread.
type ExponentialPolicy struct {
	Enabled         bool
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Factor          float64
	Jitter          float64
	// RetryableErrors are registered error names treated as transient in addition to Classify.
	RetryableErrors []string
	// Rand returns a number in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// NewPolicyFromConfig builds an ExponentialPolicy from `batch.retry`.
func NewPolicyFromConfig(cfg config.RetryConfig) *ExponentialPolicy {
	return &ExponentialPolicy{
		Enabled:         cfg.Enabled,
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: time.Duration(cfg.InitialIntervalMs) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.MaxIntervalMs) * time.Millisecond,
		Factor:          cfg.Factor,
		Jitter:          cfg.Jitter,
		RetryableErrors: cfg.RetryableErrors,
	}
}

// GetMaxRetries implements RetryPolicy.
func (p *ExponentialPolicy) GetMaxRetries() int {
	if !p.Enabled || p.MaxRetries < 0 {
		return 0
	}
	return p.MaxRetries
}

// ShouldRetry implements RetryPolicy. Fatal and cancellation errors are never retried.
func (p *ExponentialPolicy) ShouldRetry(err error) bool {
	if err == nil || !p.Enabled {
		return false
	}
	switch exception.Classify(err) {
	case exception.KindTransient:
		return true
	case exception.KindFatal, exception.KindCancellation:
		return false
	}
	for _, typeName := range p.RetryableErrors {
		if exception.IsErrorOfType(err, typeName) {
			return true
		}
	}
	return false
}

// GetBackoffInterval implements RetryPolicy.
func (p *ExponentialPolicy) GetBackoffInterval(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(p.InitialInterval) * math.Pow(factor, float64(attempt-1))
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	if p.Jitter > 0 {
		random := p.Rand
		if random == nil {
			random = rand.Float64
		}
		delay += delay * p.Jitter * random()
	}
	return time.Duration(delay)
}

var _ RetryPolicy = (*ExponentialPolicy)(nil)
