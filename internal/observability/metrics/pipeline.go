// Package metrics provides custom Prometheus metrics for the components of
// the Vigía ingest service.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains all Prometheus metrics related to the ingest pipeline.
type PipelineMetrics struct {
	Processed         prometheus.Counter
	Failed            prometheus.Counter
	Skipped           prometheus.Counter
	Duplicates        prometheus.Counter
	ValidationErrors  prometheus.Counter
	ReconnectAttempts prometheus.Counter
	ProcessingLatency prometheus.Histogram
	InFlight          prometheus.Gauge
}

// NewPipelineMetrics creates a new instance of PipelineMetrics and registers
// the collectors with the provided registry.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{
		Processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_processed_total",
			Help: "Total number of events fully processed",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_failed_total",
			Help: "Total number of events that failed after retries were exhausted",
		}),
		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_skipped_total",
			Help: "Total number of replayed notifications skipped at the idempotence boundary",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_duplicates_total",
			Help: "Total number of events rejected by the in-process idempotency guard",
		}),
		ValidationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_validation_errors_total",
			Help: "Total number of payloads rejected by the data quality gate",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_listener_reconnects_total",
			Help: "Total number of notification listener reconnection attempts",
		}),
		ProcessingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_processing_latency_seconds",
			Help:    "End-to-end stage-2 processing latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_inflight_events",
			Help: "Number of events currently tracked by the idempotency guard",
		}),
	}

	collectors := []prometheus.Collector{
		m.Processed, m.Failed, m.Skipped, m.Duplicates,
		m.ValidationErrors, m.ReconnectAttempts, m.ProcessingLatency, m.InFlight,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
		}
	}
	return m, nil
}
