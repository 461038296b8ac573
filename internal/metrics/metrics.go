// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts capture frames by demultiplexer outcome
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridereplay_frames_total",
			Help: "Total number of capture frames read, by outcome",
		},
		[]string{"outcome"},
	)

	// PayloadsTotal counts application payloads extracted from frames
	PayloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridereplay_payloads_total",
			Help: "Total number of application payloads extracted",
		},
		[]string{"protocol", "transport"},
	)

	// EventsTotal counts events published per category
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridereplay_events_total",
			Help: "Total number of events published",
		},
		[]string{"category"},
	)

	// ReportsTotal counts recoverable errors by kind
	ReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridereplay_reports_total",
			Help: "Total number of recoverable errors reported",
		},
		[]string{"kind"},
	)

	// ReplayDurationSeconds measures whole replays
	ReplayDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ridereplay_replay_duration_seconds",
			Help:    "Wall-clock duration of a replay in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
		},
	)

	// StreamsActive tracks TCP streams held by the demultiplexer
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ridereplay_streams_active",
			Help: "Number of TCP streams currently tracked",
		},
	)

	// SinkBatchSize tracks how many events a sink writes at once
	SinkBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ridereplay_sink_batch_size",
			Help:    "Number of events written per sink batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1, 2, 4, ..., 2048
		},
		[]string{"sink"},
	)

	// SinkErrorsTotal counts sink write failures
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridereplay_sink_errors_total",
			Help: "Total number of sink write errors",
		},
		[]string{"sink"},
	)
)

// Frame outcomes used as FramesTotal labels.
const (
	OutcomeRouted   = "routed"
	OutcomeFiltered = "filtered"
	OutcomeIgnored  = "ignored"
	OutcomeFailed   = "failed"
)
