// Package metrics defines the observability abstractions used by the engine. Concrete
// Prometheus and OpenTelemetry implementations live in infrastructure/metrics.
package metrics

import (
	"context"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
)

// MetricRecorder records engine metrics.
type MetricRecorder interface {
	// RecordRunStart records that a run of jobKey started.
	RecordRunStart(ctx context.Context, jobKey string)

	// RecordRunEnd records the final status and duration of a run.
	RecordRunEnd(ctx context.Context, jobKey string, status model.ProcessStatus, outcome model.RunStatus, duration time.Duration)

	// RecordChunk records the outcome of one chunk.
	RecordChunk(ctx context.Context, jobKey string, result model.ChunkResult)

	// RecordChunkRetry records one retry of a chunk after a transient error.
	RecordChunkRetry(ctx context.Context, jobKey string, attempt int, delay time.Duration)

	// RecordRows adds moved and failed rows.
	RecordRows(ctx context.Context, jobKey string, succeeded, failed int64)

	// RecordQueueClaim records a successful claim of a request.
	RecordQueueClaim(ctx context.Context, requestType model.RequestType)

	// RecordScheduleFire records that a schedule enqueued a run.
	RecordScheduleFire(ctx context.Context, jobKey string, code model.FrequencyCode)

	// RecordProgress publishes the completion percentage of a running job.
	RecordProgress(ctx context.Context, jobKey string, percent float64)
}

// Tracer is an abstract interface for distributed tracing.
type Tracer interface {
	// StartRunSpan starts the span of one execution. The returned func ends it.
	StartRunSpan(ctx context.Context, jobKey, sessionID string) (context.Context, func())

	// StartChunkSpan starts the span of one chunk attempt cycle.
	StartChunkSpan(ctx context.Context, jobKey string, chunkID int) (context.Context, func())

	// RecordError records an error in the current span.
	RecordError(ctx context.Context, module string, err error)

	// RecordEvent records an event in the current span.
	RecordEvent(ctx context.Context, name string, attributes map[string]interface{})
}
