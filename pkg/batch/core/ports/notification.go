package ports

import (
	"context"

	model "github.com/tigerroll/ferry/pkg/batch/core/domain/model"
)

// Notifier is an abstract interface for notifying external systems about run results.
type Notifier interface {
	// NotifyRunCompletion reports a finished run (success, partial, failure or stop).
	NotifyRunCompletion(ctx context.Context, report *model.RunReport) error
}
