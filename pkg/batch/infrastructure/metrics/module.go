// Package metrics provides the Prometheus recorder, the OpenTelemetry tracer and the HTTP
// endpoint exposing the metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"

	"github.com/tigerroll/ferry/pkg/batch/core/config"
	metrics "github.com/tigerroll/ferry/pkg/batch/core/metrics"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// NewMetricsHandler returns the HTTP handler serving the registry.
func NewMetricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

type recorderParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Cfg       *config.Config
}

// provideRecorder returns the Prometheus recorder and serves it on the configured address,
// or a no-op recorder when metrics are disabled.
func provideRecorder(p recorderParams) metrics.MetricRecorder {
	mc := p.Cfg.Ferry.Metrics
	if !mc.Enabled {
		return metrics.NewNoOpMetricRecorder()
	}
	recorder := NewPrometheusRecorder()
	server := &http.Server{
		Addr:              mc.ListenAddress,
		Handler:           NewMetricsHandler(recorder.GetRegistry()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Infof("Metrics: serving Prometheus metrics on %s/metrics", mc.ListenAddress)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Errorf("Metrics: HTTP server stopped: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
	return recorder
}

// provideTracer returns an exporting tracer when tracing is enabled, otherwise a tracer on the
// global (no-op) provider.
func provideTracer(p recorderParams) (metrics.Tracer, error) {
	tc := p.Cfg.Ferry.Tracing
	if !tc.Enabled {
		return NewOpenTelemetryTracer(otel.GetTracerProvider()), nil
	}
	provider, err := NewTracerProvider(context.Background(), tc)
	if err != nil {
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return provider.Shutdown(ctx)
		},
	})
	logger.Infof("Tracing: exporting spans to %s as '%s'", tc.OTLPEndpoint, tc.ServiceName)
	return NewOpenTelemetryTracer(provider), nil
}

// Module provides the MetricRecorder and Tracer.
var Module = fx.Options(
	fx.Provide(provideRecorder),
	fx.Provide(provideTracer),
)
