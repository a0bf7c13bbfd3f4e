package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cycle outcomes.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// SyncMetrics groups the collectors of the sync pipeline. A nil *SyncMetrics
// is valid and records nothing.
type SyncMetrics struct {
	registry *prometheus.Registry

	SyncCyclesTotal   *prometheus.CounterVec
	AdapterFetchTotal *prometheus.CounterVec
	QuotesPersisted   prometheus.Counter
	HistoryCleaned    prometheus.Counter
	SyncDuration      prometheus.Histogram
	AdapterDuration   *prometheus.HistogramVec
	LastSyncTimestamp prometheus.Gauge
}

// NewSyncMetrics registers the collectors on a fresh registry together with
// the Go runtime and process collectors.
func NewSyncMetrics() *SyncMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &SyncMetrics{
		registry: reg,

		SyncCyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vesrates_sync_cycles_total",
				Help: "Sync cycles by outcome",
			},
			[]string{"outcome"},
		),

		AdapterFetchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vesrates_adapter_fetch_total",
				Help: "Adapter fetch attempts by adapter and outcome",
			},
			[]string{"adapter", "outcome"},
		),

		QuotesPersisted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vesrates_quotes_persisted_total",
				Help: "Quotes written to the current rates table",
			},
		),

		HistoryCleaned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vesrates_history_cleaned_total",
				Help: "History rows removed by retention cleanup",
			},
		),

		SyncDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vesrates_sync_duration_seconds",
				Help:    "Wall time of a sync cycle",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms .. 32s
			},
		),

		AdapterDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vesrates_adapter_duration_seconds",
				Help:    "Wall time of a single adapter fetch",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 9),
			},
			[]string{"adapter"},
		),

		LastSyncTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vesrates_last_sync_timestamp_seconds",
				Help: "Unix time of the last persisted sync cycle",
			},
		),
	}
}

// Handler exposes the registry in the prometheus text format.
func (m *SyncMetrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCycle records a finished cycle.
func (m *SyncMetrics) RecordCycle(outcome string, duration time.Duration, persisted int, syncedAt time.Time) {
	if m == nil {
		return
	}
	m.SyncCyclesTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSkipped {
		return
	}
	m.SyncDuration.Observe(duration.Seconds())
	if persisted > 0 {
		m.QuotesPersisted.Add(float64(persisted))
		m.LastSyncTimestamp.Set(float64(syncedAt.Unix()))
	}
}

// RecordAdapter records one adapter invocation.
func (m *SyncMetrics) RecordAdapter(adapter string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailed
	}
	m.AdapterFetchTotal.WithLabelValues(adapter, outcome).Inc()
	m.AdapterDuration.WithLabelValues(adapter).Observe(duration.Seconds())
}

// RecordCleanup adds deleted history rows.
func (m *SyncMetrics) RecordCleanup(deleted int64) {
	if m == nil || deleted <= 0 {
		return
	}
	m.HistoryCleaned.Add(float64(deleted))
}
