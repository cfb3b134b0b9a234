// Package metrics collects and exposes Prometheus metrics for the sync layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the session manager and documents store report to.
type Recorder interface {
	RecordSnapshot(feed string, records int)
	RecordOfflineFallback(feed string, cached bool)
	RecordSyncError(op string)
	RecordProfileSync(outcome string, attempts int)
	RecordAuthAttempt(method, outcome string)
	RecordWriteLatency(op string, d time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordSnapshot(string, int) {}
func (Nop) RecordOfflineFallback(string, bool) {}
func (Nop) RecordSyncError(string) {}
func (Nop) RecordProfileSync(string, int) {}
func (Nop) RecordAuthAttempt(string, string) {}
func (Nop) RecordWriteLatency(string, time.Duration) {}

// Collector records to Prometheus.
type Collector struct {
	snapshots        *prometheus.CounterVec
	snapshotRecords  *prometheus.GaugeVec
	offlineFallbacks *prometheus.CounterVec
	syncErrors       *prometheus.CounterVec
	profileSyncs     *prometheus.CounterVec
	profileAttempts  prometheus.Histogram
	authAttempts     *prometheus.CounterVec
	writeLatency     *prometheus.HistogramVec
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_snapshots_applied_total",
			Help: "Live query snapshots applied to local state.",
		}, []string{"feed"}),
		snapshotRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "storyforge_snapshot_records",
			Help: "Records in the last snapshot applied per feed.",
		}, []string{"feed"}),
		offlineFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_offline_fallbacks_total",
			Help: "Offline feed failures, by whether a cached snapshot was served.",
		}, []string{"feed", "cached"}),
		syncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_sync_errors_total",
			Help: "Store failures surfaced to callers or the error slot.",
		}, []string{"op"}),
		profileSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_profile_syncs_total",
			Help: "Background profile syncs by outcome.",
		}, []string{"outcome"}),
		profileAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storyforge_profile_sync_attempts",
			Help:    "Attempts used per background profile sync.",
			Buckets: []float64{1, 2, 3, 5},
		}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_auth_attempts_total",
			Help: "Sign-up, sign-in and sign-out calls by method and outcome.",
		}, []string{"method", "outcome"}),
		writeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storyforge_write_latency_seconds",
			Help:    "Latency of document writes.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}

	reg.MustRegister(
		c.snapshots,
		c.snapshotRecords,
		c.offlineFallbacks,
		c.syncErrors,
		c.profileSyncs,
		c.profileAttempts,
		c.authAttempts,
		c.writeLatency,
	)
	return c
}

func (c *Collector) RecordSnapshot(feed string, records int) {
	c.snapshots.WithLabelValues(feed).Inc()
	c.snapshotRecords.WithLabelValues(feed).Set(float64(records))
}

func (c *Collector) RecordOfflineFallback(feed string, cached bool) {
	label := "false"
	if cached {
		label = "true"
	}
	c.offlineFallbacks.WithLabelValues(feed, label).Inc()
}

func (c *Collector) RecordSyncError(op string) {
	c.syncErrors.WithLabelValues(op).Inc()
}

func (c *Collector) RecordProfileSync(outcome string, attempts int) {
	c.profileSyncs.WithLabelValues(outcome).Inc()
	c.profileAttempts.Observe(float64(attempts))
}

func (c *Collector) RecordAuthAttempt(method, outcome string) {
	c.authAttempts.WithLabelValues(method, outcome).Inc()
}

func (c *Collector) RecordWriteLatency(op string, d time.Duration) {
	c.writeLatency.WithLabelValues(op).Observe(d.Seconds())
}

// Handler serves Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
