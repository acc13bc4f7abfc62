package metrics

import (
	"context"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
)

// NoOpMetricRecorder is an implementation of MetricRecorder that does nothing.
// It is used when metrics are disabled or during testing.
type NoOpMetricRecorder struct{}

// NewNoOpMetricRecorder creates a new instance of NoOpMetricRecorder.
func NewNoOpMetricRecorder() MetricRecorder {
	return &NoOpMetricRecorder{}
}

func (r *NoOpMetricRecorder) RecordRunStart(ctx context.Context, jobKey string) {}

func (r *NoOpMetricRecorder) RecordRunEnd(ctx context.Context, jobKey string, status model.ProcessStatus, outcome model.RunStatus, duration time.Duration) {
}

func (r *NoOpMetricRecorder) RecordChunk(ctx context.Context, jobKey string, result model.ChunkResult) {
}

func (r *NoOpMetricRecorder) RecordChunkRetry(ctx context.Context, jobKey string, attempt int, delay time.Duration) {
}

func (r *NoOpMetricRecorder) RecordRows(ctx context.Context, jobKey string, succeeded, failed int64) {}

func (r *NoOpMetricRecorder) RecordQueueClaim(ctx context.Context, requestType model.RequestType) {}

func (r *NoOpMetricRecorder) RecordScheduleFire(ctx context.Context, jobKey string, code model.FrequencyCode) {
}

func (r *NoOpMetricRecorder) RecordProgress(ctx context.Context, jobKey string, percent float64) {}

var _ MetricRecorder = (*NoOpMetricRecorder)(nil)

// NoOpTracer is an implementation of Tracer that does nothing.
type NoOpTracer struct{}

// NewNoOpTracer creates a new instance of NoOpTracer.
func NewNoOpTracer() Tracer {
	return &NoOpTracer{}
}

func (t *NoOpTracer) StartRunSpan(ctx context.Context, jobKey, sessionID string) (context.Context, func()) {
	return ctx, func() {}
}

func (t *NoOpTracer) StartChunkSpan(ctx context.Context, jobKey string, chunkID int) (context.Context, func()) {
	return ctx, func() {}
}

func (t *NoOpTracer) RecordError(ctx context.Context, module string, err error) {}

func (t *NoOpTracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {
}

var _ Tracer = (*NoOpTracer)(nil)
