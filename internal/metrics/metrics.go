// Package metrics defines the prometheus collectors of the collector process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "candlekeeper"

// Metrics groups every collector. Create one per registry.
type Metrics struct {
	FramesReceived  *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	CandlesStored   *prometheus.CounterVec
	FetchErrors     *prometheus.CounterVec
	ArchiveRuns     *prometheus.CounterVec
	ArchivedRecords prometheus.Counter
	TaskFailures    *prometheus.CounterVec
	FallbackActive  *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Candle frames received from the stream, by interval.",
		}, []string{"interval"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_dropped_total",
			Help:      "Stream frames dropped, by reason.",
		}, []string{"reason"}),
		CandlesStored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candles_stored_total",
			Help:      "Candles written to the hot store, by source and interval.",
		}, []string{"source", "interval"}),
		FetchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Failed REST fetches, by interval.",
		}, []string{"interval"}),
		ArchiveRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_runs_total",
			Help:      "Archival sweeps, by result.",
		}, []string{"result"}),
		ArchivedRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archived_records_total",
			Help:      "Records written to durable storage.",
		}),
		TaskFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_failures_total",
			Help:      "Scheduled task runs that returned an error.",
		}, []string{"task"}),
		FallbackActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fallback_active",
			Help:      "1 when the unit is served by polling.",
		}, []string{"unit"}),
	}
}

// SetFallback mirrors a fallback flag.
func (m *Metrics) SetFallback(unit string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.FallbackActive.WithLabelValues(unit).Set(v)
}
