package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments the backup core updates
// (chunks deduped/uploaded, pack flushes, catalog rotations).
type Metrics struct {
	SnapshotsTotal   *prometheus.CounterVec
	SnapshotsActive  prometheus.Gauge
	BackupDuration   prometheus.Histogram
	BytesUploaded    prometheus.Counter
	BytesDeduped     prometheus.Counter
	ChunksUploaded   prometheus.Counter
	ChunksDeduped    prometheus.Counter
	PackFlushesTotal prometheus.Counter
	PackBytesTotal   prometheus.Counter

	ProviderRequestsTotal *prometheus.CounterVec
	ProviderRetriesTotal  *prometheus.CounterVec
	RateLimiterWaitTime   prometheus.Histogram

	CatalogRotationTotal  prometheus.Counter
	VerifyMismatchesTotal prometheus.Counter
}

// NewMetrics registers and returns the process-wide metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		SnapshotsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "televybackup_snapshots_total",
			Help: "Total backup snapshots attempted, by outcome",
		}, []string{"status"}),

		SnapshotsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "televybackup_snapshots_active",
			Help: "Backups currently in progress",
		}),

		BackupDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "televybackup_backup_duration_seconds",
			Help:    "Wall-clock duration of a completed backup run",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}),

		BytesUploaded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "televybackup_bytes_uploaded_total",
			Help: "Plaintext bytes uploaded as new chunk objects",
		}),

		BytesDeduped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "televybackup_bytes_deduped_total",
			Help: "Plaintext bytes skipped because the chunk already existed",
		}),

		ChunksUploaded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "televybackup_chunks_uploaded_total",
			Help: "Chunks newly uploaded",
		}),

		ChunksDeduped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "televybackup_chunks_deduped_total",
			Help: "Chunks whose content hash was already present in the index",
		}),

		PackFlushesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "televybackup_pack_flushes_total",
			Help: "Pack files closed and uploaded",
		}),

		PackBytesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "televybackup_pack_bytes_total",
			Help: "Framed bytes written into packs",
		}),

		ProviderRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "televybackup_provider_requests_total",
			Help: "Remote transport requests, by operation and result",
		}, []string{"operation", "result"}),

		ProviderRetriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "televybackup_provider_retries_total",
			Help: "Remote transport retries, by reason",
		}, []string{"reason"}),

		RateLimiterWaitTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "televybackup_ratelimiter_wait_seconds",
			Help:    "Time spent waiting for the per-endpoint rate limiter",
			Buckets: prometheus.DefBuckets,
		}),

		CatalogRotationTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "televybackup_catalog_rotation_total",
			Help: "Bootstrap catalog pinned-root rotations",
		}),

		VerifyMismatchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "televybackup_verify_mismatches_total",
			Help: "Per-file hash mismatches found during verify",
		}),
	}
}

// RecordChunk updates the upload/dedup counters for one chunk outcome.
func (m *Metrics) RecordChunk(size int64, deduped bool) {
	if deduped {
		m.ChunksDeduped.Inc()
		m.BytesDeduped.Add(float64(size))
		return
	}
	m.ChunksUploaded.Inc()
	m.BytesUploaded.Add(float64(size))
}

// RecordSnapshot records a completed (or failed) backup run.
func (m *Metrics) RecordSnapshot(success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.SnapshotsTotal.WithLabelValues(status).Inc()
	m.BackupDuration.Observe(durationSeconds)
}

// RecordProviderRequest increments the provider-call counter for an
// operation ("upload", "download", "pin_set", "pin_get",
// "channel_check") and its outcome ("ok", "error").
func (m *Metrics) RecordProviderRequest(operation, result string) {
	m.ProviderRequestsTotal.WithLabelValues(operation, result).Inc()
}

// RecordProviderRetry counts one retry of a provider call, labeled by the
// stable error code that caused it.
func (m *Metrics) RecordProviderRetry(reason string) {
	m.ProviderRetriesTotal.WithLabelValues(reason).Inc()
}

// Handler exposes the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
