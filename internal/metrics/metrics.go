// Package metrics exposes Prometheus collectors for the teledrive daemon.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teledrive_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "teledrive_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	reconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teledrive_reconcile_runs_total",
			Help: "Reconcile runs by result",
		},
		[]string{"result"},
	)

	reconcileRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "teledrive_reconcile_run_duration_seconds",
			Help:    "Wall-clock duration of a reconcile run",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		},
	)

	reconcileBlobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teledrive_reconcile_blobs_total",
			Help: "Pending blobs processed by outcome",
		},
		[]string{"outcome"},
	)

	bytesUploadedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "teledrive_bytes_uploaded_total",
			Help: "Bytes transferred to the remote store",
		},
	)

	bytesFreedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "teledrive_bytes_freed_total",
			Help: "Local bytes released after remote residency was confirmed",
		},
	)

	metadataSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teledrive_metadata_saves_total",
			Help: "Metadata collection saves by result",
		},
		[]string{"result"},
	)

	metadataSaveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "teledrive_metadata_save_duration_seconds",
			Help:    "Time to write the metadata collections",
			Buckets: prometheus.DefBuckets,
		},
	)

	metadataCorruptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teledrive_metadata_corrupt_total",
			Help: "Collections discarded on load because they could not be parsed",
		},
		[]string{"collection"},
	)

	hierarchyEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "teledrive_hierarchy_entries",
			Help: "Records in the virtual hierarchy",
		},
		[]string{"kind"},
	)

	shareEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teledrive_share_events_total",
			Help: "Share link operations by event",
		},
		[]string{"event"},
	)

	remoteTransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "teledrive_remote_transfer_duration_seconds",
			Help:    "Remote object store call duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"backend", "operation", "status"},
	)

	streamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "teledrive_stream_subscribers",
			Help: "Open sync event stream connections",
		},
	)

	streamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teledrive_stream_events_total",
			Help: "Events published to stream subscribers",
		},
		[]string{"type"},
	)

	scheduledTriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teledrive_reconcile_triggers_total",
			Help: "Reconcile triggers by source",
		},
		[]string{"source"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordReconcileRun records one finished run. result is "ok", "canceled" or "error".
func RecordReconcileRun(result string, duration time.Duration, bytesUploaded, bytesFreed int64) {
	reconcileRunsTotal.WithLabelValues(result).Inc()
	reconcileRunDuration.Observe(duration.Seconds())
	if bytesUploaded > 0 {
		bytesUploadedTotal.Add(float64(bytesUploaded))
	}
	if bytesFreed > 0 {
		bytesFreedTotal.Add(float64(bytesFreed))
	}
}

func RecordBlobOutcome(outcome string) {
	reconcileBlobsTotal.WithLabelValues(outcome).Inc()
}

func RecordMetadataSave(duration time.Duration, success bool) {
	result := "ok"
	if !success {
		result = "error"
	}
	metadataSavesTotal.WithLabelValues(result).Inc()
	metadataSaveDuration.Observe(duration.Seconds())
}

func RecordMetadataCorrupt(collection string) {
	metadataCorruptTotal.WithLabelValues(collection).Inc()
}

func SetHierarchyEntries(files, folders int) {
	hierarchyEntries.WithLabelValues("file").Set(float64(files))
	hierarchyEntries.WithLabelValues("folder").Set(float64(folders))
}

func RecordShareEvent(event string) {
	shareEventsTotal.WithLabelValues(event).Inc()
}

func RecordRemoteTransfer(backend, operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	remoteTransferDuration.WithLabelValues(backend, operation, status).Observe(duration.Seconds())
}

func SetStreamSubscribers(n int) {
	streamSubscribers.Set(float64(n))
}

func RecordStreamEvent(eventType string) {
	streamEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordTrigger counts what started a reconcile: cron, watcher, api or startup.
func RecordTrigger(source string) {
	scheduledTriggersTotal.WithLabelValues(source).Inc()
}
