package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	metrics "github.com/tigerroll/ferry/pkg/batch/core/metrics"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// PrometheusRecorder is a Prometheus implementation of the metrics.MetricRecorder interface.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	runStatusCounter   *prometheus.CounterVec
	runDurationSeconds *prometheus.HistogramVec
	runsInProgress     *prometheus.GaugeVec

	chunkStatusCounter *prometheus.CounterVec
	chunkRetryCounter  *prometheus.CounterVec
	chunkDuration      *prometheus.HistogramVec
	retryDelaySeconds  *prometheus.HistogramVec

	rowsCounter *prometheus.CounterVec

	queueClaimCounter   *prometheus.CounterVec
	scheduleFireCounter *prometheus.CounterVec
	progressGauge       *prometheus.GaugeVec
}

// NewPrometheusRecorder creates a new instance of PrometheusRecorder with its own registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		runStatusCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_runs_total",
			Help: "Total number of finished runs by job and status.",
		}, []string{"job_key", "status", "outcome"}),
		runDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ferry_run_duration_seconds",
			Help:    "Duration of runs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"job_key", "status"}),
		runsInProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ferry_runs_in_progress",
			Help: "Runs currently in progress by job.",
		}, []string{"job_key"}),
		chunkStatusCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_chunks_total",
			Help: "Total number of processed chunks by job and outcome.",
		}, []string{"job_key", "outcome"}),
		chunkRetryCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_chunk_retries_total",
			Help: "Total number of chunk retries by job and attempt.",
		}, []string{"job_key", "attempt"}),
		chunkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ferry_chunk_duration_seconds",
			Help:    "Duration of chunk processing including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job_key"}),
		retryDelaySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ferry_retry_delay_seconds",
			Help:    "Backoff delays applied before chunk retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job_key"}),
		rowsCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_rows_total",
			Help: "Total rows moved by job and outcome.",
		}, []string{"job_key", "outcome"}),
		queueClaimCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_queue_claims_total",
			Help: "Total number of claimed queue requests by type.",
		}, []string{"request_type"}),
		scheduleFireCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_schedule_fires_total",
			Help: "Total number of schedule-triggered enqueues.",
		}, []string{"job_key", "freq_code"}),
		progressGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ferry_run_progress_ratio",
			Help: "Completion ratio of the current run.",
		}, []string{"job_key"}),
	}

	registry.MustRegister(
		r.runStatusCounter,
		r.runDurationSeconds,
		r.runsInProgress,
		r.chunkStatusCounter,
		r.chunkRetryCounter,
		r.chunkDuration,
		r.retryDelaySeconds,
		r.rowsCounter,
		r.queueClaimCounter,
		r.scheduleFireCounter,
		r.progressGauge,
	)
	return r
}

// GetRegistry returns the Prometheus registry.
func (r *PrometheusRecorder) GetRegistry() *prometheus.Registry {
	return r.registry
}

func (r *PrometheusRecorder) RecordRunStart(ctx context.Context, jobKey string) {
	r.runsInProgress.WithLabelValues(jobKey).Inc()
	r.progressGauge.WithLabelValues(jobKey).Set(0)
}

func (r *PrometheusRecorder) RecordRunEnd(ctx context.Context, jobKey string, status model.ProcessStatus, outcome model.RunStatus, duration time.Duration) {
	r.runsInProgress.WithLabelValues(jobKey).Dec()
	r.runStatusCounter.WithLabelValues(jobKey, status.String(), outcome.String()).Inc()
	r.runDurationSeconds.WithLabelValues(jobKey, status.String()).Observe(duration.Seconds())
	logger.Debugf("Metrics: run of '%s' ended with %s (%s) after %.3fs", jobKey, status, outcome, duration.Seconds())
}

func (r *PrometheusRecorder) RecordChunk(ctx context.Context, jobKey string, result model.ChunkResult) {
	outcome := "succeeded"
	if result.Failed() {
		outcome = "failed"
	}
	r.chunkStatusCounter.WithLabelValues(jobKey, outcome).Inc()
	r.chunkDuration.WithLabelValues(jobKey).Observe(result.Duration.Seconds())
}

func (r *PrometheusRecorder) RecordChunkRetry(ctx context.Context, jobKey string, attempt int, delay time.Duration) {
	r.chunkRetryCounter.WithLabelValues(jobKey, strconv.Itoa(attempt)).Inc()
	r.retryDelaySeconds.WithLabelValues(jobKey).Observe(delay.Seconds())
}

func (r *PrometheusRecorder) RecordRows(ctx context.Context, jobKey string, succeeded, failed int64) {
	if succeeded > 0 {
		r.rowsCounter.WithLabelValues(jobKey, "succeeded").Add(float64(succeeded))
	}
	if failed > 0 {
		r.rowsCounter.WithLabelValues(jobKey, "failed").Add(float64(failed))
	}
}

func (r *PrometheusRecorder) RecordQueueClaim(ctx context.Context, requestType model.RequestType) {
	r.queueClaimCounter.WithLabelValues(requestType.String()).Inc()
}

func (r *PrometheusRecorder) RecordScheduleFire(ctx context.Context, jobKey string, code model.FrequencyCode) {
	r.scheduleFireCounter.WithLabelValues(jobKey, code.String()).Inc()
}

func (r *PrometheusRecorder) RecordProgress(ctx context.Context, jobKey string, percent float64) {
	r.progressGauge.WithLabelValues(jobKey).Set(percent / 100)
}

var _ metrics.MetricRecorder = (*PrometheusRecorder)(nil)
