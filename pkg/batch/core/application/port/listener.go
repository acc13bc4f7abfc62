// Package port defines the interfaces through which the engine reports on job runs.
package port

import (
	"context"

	model "github.com/tigerroll/ferry/pkg/batch/core/domain/model"
)

// RunListener observes job runs. Both methods are called on the worker goroutine of the run
// and must return promptly; the worker slot is held until they do.
type RunListener interface {
	// BeforeRun is called once the process log entry of a run has been inserted.
	BeforeRun(ctx context.Context, def *model.JobDefinition, sessionID string)
	// AfterRun is called after the logs and the request of a run have been settled.
	AfterRun(ctx context.Context, report *model.RunReport)
}
