// Package metrics registers the module's Prometheus collectors.
// Grounded on cuemby-warren's pkg/metrics: package-level collector
// vars, one init() registering all of them, and a Handler for the
// debug HTTP surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReconstructLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pageserver_reconstruct_duration_seconds",
			Help:    "Time taken to reconstruct a page image from its delta chain",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconstructWalRecords = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pageserver_reconstruct_wal_records",
			Help:    "Number of WAL records applied per page reconstruction",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		},
	)

	DeletionQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pageserver_deletion_queue_depth",
			Help: "Number of keys accumulated in the deletion backend's pending batch",
		},
	)

	DeletionExecutedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pageserver_deletions_executed_total",
			Help: "Total number of remote object keys deleted",
		},
	)

	RemoteUploadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pageserver_remote_upload_bytes_total",
			Help: "Total bytes uploaded to remote storage",
		},
	)

	RemoteDownloadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pageserver_remote_download_bytes_total",
			Help: "Total bytes downloaded from remote storage",
		},
	)

	TimelineManagerIterationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pageserver_timeline_manager_iterations_total",
			Help: "Total number of timeline manager event loop iterations",
		},
	)

	TimelineManagerActiveChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pageserver_timeline_manager_active_changes_total",
			Help: "Total number of times a timeline's active/inactive state flipped",
		},
	)

	TimelineWalRemovedSegmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pageserver_timeline_wal_removed_segments_total",
			Help: "Total number of local WAL segments removed past the removal horizon",
		},
	)

	TimelineEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pageserver_timeline_evictions_total",
			Help: "Total number of timelines evicted to free local disk space",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ReconstructLatency,
		ReconstructWalRecords,
		DeletionQueueDepth,
		DeletionExecutedTotal,
		RemoteUploadBytesTotal,
		RemoteDownloadBytesTotal,
		TimelineManagerIterationsTotal,
		TimelineManagerActiveChangesTotal,
		TimelineWalRemovedSegmentsTotal,
		TimelineEvictionsTotal,
	)
}

// Handler serves the registered collectors for a Prometheus scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}
