// Package obs exposes the Prometheus metrics surface for the pipeline.
package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Metrics holds every Prometheus metric the daemon emits. Components receive
// it by pointer; the helper methods tolerate a nil receiver so unit tests can
// skip wiring.
type Metrics struct {
	registry *prometheus.Registry

	// Ingest
	BarsUpserted    *prometheus.CounterVec
	FlushErrors     prometheus.Counter
	BufferSize      prometheus.Gauge
	Reconnects      prometheus.Counter
	LateFills       prometheus.Counter
	SegmentSplits   prometheus.Counter
	GapsDetected    prometheus.Counter
	OpenGapSegments prometheus.Gauge

	// Backfill
	BackfillRequests  *prometheus.CounterVec
	RecoveredSegments prometheus.Counter
	FailedRecoveries  prometheus.Counter
	RecoveryRatio     prometheus.Gauge
	GapMTTR           prometheus.Histogram

	// Feature engine
	FeatureRuns  *prometheus.CounterVec
	OverlapSkips prometheus.Counter

	// Labeling and training
	LabelsWritten     prometheus.Counter
	TrainingRuns      *prometheus.CounterVec
	TrainingDuration  prometheus.Histogram
	DriftChecks       *prometheus.CounterVec
	Promotions        *prometheus.CounterVec
	ChecksumMismatch  prometheus.Counter
	InferenceRequests *prometheus.CounterVec

	// Broadcast
	RepairsPublished prometheus.Counter
}

// NewMetrics builds and registers the full metric set on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		BarsUpserted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_bars_upserted_total",
				Help: "Closed bars written to storage by ingestion source",
			},
			[]string{"source"},
		),

		FlushErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "driftline_flush_errors_total",
				Help: "Buffer flushes that failed and left bars queued",
			},
		),

		BufferSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "driftline_ingest_buffer_size",
				Help: "Closed bars currently buffered before flush",
			},
		),

		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "driftline_ws_reconnects_total",
				Help: "WebSocket reconnect attempts",
			},
		),

		LateFills: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "driftline_late_fills_total",
				Help: "Closed bars that arrived behind the ingest frontier",
			},
		),

		SegmentSplits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "driftline_gap_segment_splits_total",
				Help: "Gap segments split in two by an interior late fill",
			},
		),

		GapsDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "driftline_gaps_detected_total",
				Help: "Gap segments opened by the streaming ingestor",
			},
		),

		OpenGapSegments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "driftline_open_gap_segments",
				Help: "Gap segments currently tracked as open or partial",
			},
		),

		BackfillRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_backfill_requests_total",
				Help: "REST kline range requests by outcome",
			},
			[]string{"outcome"},
		),

		RecoveredSegments: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "driftline_recovered_segments_total",
				Help: "Gap segments fully recovered by backfill",
			},
		),

		FailedRecoveries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "driftline_failed_recoveries_total",
				Help: "Backfill passes that recovered nothing",
			},
		),

		RecoveryRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "driftline_recovery_ratio",
				Help: "Recovered segments over recovery attempts (0.0 to 1.0)",
			},
		),

		GapMTTR: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "driftline_gap_mttr_seconds",
				Help:    "Time from gap detection to full recovery in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 14400},
			},
		),

		FeatureRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_feature_runs_total",
				Help: "Feature engine runs by envelope status",
			},
			[]string{"status"},
		),

		OverlapSkips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "driftline_feature_overlap_skips_total",
				Help: "Feature runs skipped because the previous run still held the symbol lock",
			},
		),

		LabelsWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "driftline_labels_written_total",
				Help: "Realized labels written by the auto-labeler",
			},
		),

		TrainingRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_training_runs_total",
				Help: "Training runs by terminal status",
			},
			[]string{"status"},
		),

		TrainingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "driftline_training_duration_seconds",
				Help:    "Wall time of a full training run in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),

		DriftChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_drift_checks_total",
				Help: "Drift evaluations by result (triggered, quiet, insufficient)",
			},
			[]string{"result"},
		),

		Promotions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_promotions_total",
				Help: "Promotion gate outcomes by decision or failure reason",
			},
			[]string{"decision"},
		),

		ChecksumMismatch: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "driftline_artifact_checksum_mismatch_total",
				Help: "Model artifacts loaded whose checksum did not verify",
			},
		),

		InferenceRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_inference_requests_total",
				Help: "Inference calls by decision (long, pass, error)",
			},
			[]string{"decision"},
		),

		RepairsPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "driftline_repairs_published_total",
				Help: "Repair messages fanned out to subscribers",
			},
		),
	}

	m.registry.MustRegister(
		m.BarsUpserted,
		m.FlushErrors,
		m.BufferSize,
		m.Reconnects,
		m.LateFills,
		m.SegmentSplits,
		m.GapsDetected,
		m.OpenGapSegments,
		m.BackfillRequests,
		m.RecoveredSegments,
		m.FailedRecoveries,
		m.RecoveryRatio,
		m.GapMTTR,
		m.FeatureRuns,
		m.OverlapSkips,
		m.LabelsWritten,
		m.TrainingRuns,
		m.TrainingDuration,
		m.DriftChecks,
		m.Promotions,
		m.ChecksumMismatch,
		m.InferenceRequests,
		m.RepairsPublished,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRecovery records one recovery attempt and refreshes the derived
// success-ratio gauge.
func (m *Metrics) ObserveRecovery(recovered bool, detectedAt time.Time) {
	if m == nil {
		return
	}
	if recovered {
		m.RecoveredSegments.Inc()
		m.GapMTTR.Observe(time.Since(detectedAt).Seconds())
	} else {
		m.FailedRecoveries.Inc()
	}
	m.updateRecoveryRatio()
}

// RecordFlushError counts a failed flush. Bars stay buffered on failure so a
// rising counter with a flat buffer gauge points at storage trouble.
func (m *Metrics) RecordFlushError() {
	if m == nil {
		return
	}
	m.FlushErrors.Inc()
	log.Warn().Msg("Buffer flush failed, bars retained")
}

// RecordTrainingRun stamps a run's terminal status and duration.
func (m *Metrics) RecordTrainingRun(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TrainingRuns.WithLabelValues(status).Inc()
	m.TrainingDuration.Observe(elapsed.Seconds())
}

// updateRecoveryRatio recomputes the success-ratio gauge from the two
// underlying counters.
func (m *Metrics) updateRecoveryRatio() {
	recovered := counterValue(m.RecoveredSegments)
	failed := counterValue(m.FailedRecoveries)

	total := recovered + failed
	if total > 0 {
		m.RecoveryRatio.Set(recovered / total)
	}
}

// counterValue reads a counter's current value through the client_model
// protobuf, the only sanctioned read path.
func counterValue(c prometheus.Counter) float64 {
	pb := &io_prometheus_client.Metric{}
	if err := c.Write(pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}
