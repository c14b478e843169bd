// Package metrics provides Prometheus metrics for the export pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// File metrics
	FilesDownloaded *prometheus.CounterVec
	FilesSkipped    *prometheus.CounterVec
	FilesFailed     *prometheus.CounterVec
	BytesDownloaded *prometheus.CounterVec

	// Partition metrics
	PartitionsCompleted *prometheus.CounterVec
	PartitionsPartial   *prometheus.CounterVec
	PartitionsSkipped   *prometheus.CounterVec

	// Staging metrics
	FilesStaged  *prometheus.CounterVec
	StageSkipped *prometheus.CounterVec
	StageFailed  *prometheus.CounterVec

	// Load metrics
	BatchesSubmitted *prometheus.CounterVec
	BatchesSkipped   *prometheus.CounterVec
	BatchesFailed    *prometheus.CounterVec
	RowsLoaded       *prometheus.CounterVec

	// Timing metrics
	DownloadDuration  *prometheus.HistogramVec
	BatchLoadDuration *prometheus.HistogramVec

	// Error metrics
	RetryAttempts *prometheus.CounterVec
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "optly_pipeline"
	}

	labels := []string{"account_id", "data_type"}

	m := &Metrics{
		FilesDownloaded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_downloaded_total",
				Help:      "Total number of files downloaded from the export bucket",
			},
			labels,
		),
		FilesSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_skipped_total",
				Help:      "Total number of downloads skipped (already present with matching size)",
			},
			labels,
		),
		FilesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_failed_total",
				Help:      "Total number of file downloads that failed after retries",
			},
			labels,
		),
		BytesDownloaded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_downloaded_total",
				Help:      "Total bytes downloaded",
			},
			labels,
		),
		PartitionsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_completed_total",
				Help:      "Total number of date partitions fully fetched",
			},
			labels,
		),
		PartitionsPartial: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_partial_total",
				Help:      "Total number of date partitions left incomplete after retries",
			},
			labels,
		),
		PartitionsSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_skipped_total",
				Help:      "Total number of date partitions skipped (checkpoint or missing success marker)",
			},
			labels,
		),
		FilesStaged: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_staged_total",
				Help:      "Total number of files uploaded to the staging bucket",
			},
			labels,
		),
		StageSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_skipped_total",
				Help:      "Total number of uploads skipped (remote object has matching size)",
			},
			labels,
		),
		StageFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failed_total",
				Help:      "Total number of uploads that failed after retries",
			},
			labels,
		),
		BatchesSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_submitted_total",
				Help:      "Total number of load batches submitted to the warehouse",
			},
			labels,
		),
		BatchesSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_skipped_total",
				Help:      "Total number of load batches skipped (already submitted per checkpoint)",
			},
			labels,
		),
		BatchesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_failed_total",
				Help:      "Total number of load batches that failed after the single retry",
			},
			labels,
		),
		RowsLoaded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_loaded_total",
				Help:      "Total rows appended to the warehouse table",
			},
			labels,
		),
		DownloadDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "download_duration_seconds",
				Help:      "Time to download one file",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			labels,
		),
		BatchLoadDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_load_duration_seconds",
				Help:      "Time for one warehouse load job to complete",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~250s
			},
			labels,
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	AccountID string
	DataType  string
}

// IncFilesDownloaded increments the files downloaded counter.
func (m *Metrics) IncFilesDownloaded(l Labels) {
	m.FilesDownloaded.WithLabelValues(l.AccountID, l.DataType).Inc()
}

// IncFilesSkipped increments the files skipped counter.
func (m *Metrics) IncFilesSkipped(l Labels) {
	m.FilesSkipped.WithLabelValues(l.AccountID, l.DataType).Inc()
}

// IncFilesFailed increments the files failed counter.
func (m *Metrics) IncFilesFailed(l Labels) {
	m.FilesFailed.WithLabelValues(l.AccountID, l.DataType).Inc()
}

// AddBytesDownloaded adds to the bytes downloaded counter.
func (m *Metrics) AddBytesDownloaded(l Labels, n float64) {
	m.BytesDownloaded.WithLabelValues(l.AccountID, l.DataType).Add(n)
}

// IncPartitionsCompleted increments the partitions completed counter.
func (m *Metrics) IncPartitionsCompleted(l Labels) {
	m.PartitionsCompleted.WithLabelValues(l.AccountID, l.DataType).Inc()
}

// IncPartitionsPartial increments the partial partitions counter.
func (m *Metrics) IncPartitionsPartial(l Labels) {
	m.PartitionsPartial.WithLabelValues(l.AccountID, l.DataType).Inc()
}

// IncPartitionsSkipped increments the partitions skipped counter.
func (m *Metrics) IncPartitionsSkipped(l Labels) {
	m.PartitionsSkipped.WithLabelValues(l.AccountID, l.DataType).Inc()
}

// IncFilesStaged increments the files staged counter.
func (m *Metrics) IncFilesStaged(l Labels) {
	m.FilesStaged.WithLabelValues(l.AccountID, l.DataType).Inc()
}

// IncStageSkipped increments the stage skipped counter.
func (m *Metrics) IncStageSkipped(l Labels) {
	m.StageSkipped.WithLabelValues(l.AccountID, l.DataType).Inc()
}

// IncStageFailed increments the stage failed counter.
func (m *Metrics) IncStageFailed(l Labels) {
	m.StageFailed.WithLabelValues(l.AccountID, l.DataType).Inc()
}

// IncBatchesSubmitted increments the batches submitted counter.
func (m *Metrics) IncBatchesSubmitted(l Labels) {
	m.BatchesSubmitted.WithLabelValues(l.AccountID, l.DataType).Inc()
}

// IncBatchesSkipped increments the batches skipped counter.
func (m *Metrics) IncBatchesSkipped(l Labels) {
	m.BatchesSkipped.WithLabelValues(l.AccountID, l.DataType).Inc()
}

// IncBatchesFailed increments the batches failed counter.
func (m *Metrics) IncBatchesFailed(l Labels) {
	m.BatchesFailed.WithLabelValues(l.AccountID, l.DataType).Inc()
}

// AddRowsLoaded adds to the rows loaded counter.
func (m *Metrics) AddRowsLoaded(l Labels, rows float64) {
	m.RowsLoaded.WithLabelValues(l.AccountID, l.DataType).Add(rows)
}

// ObserveDownloadDuration records one file download time.
func (m *Metrics) ObserveDownloadDuration(l Labels, seconds float64) {
	m.DownloadDuration.WithLabelValues(l.AccountID, l.DataType).Observe(seconds)
}

// ObserveBatchLoadDuration records one load job time.
func (m *Metrics) ObserveBatchLoadDuration(l Labels, seconds float64) {
	m.BatchLoadDuration.WithLabelValues(l.AccountID, l.DataType).Observe(seconds)
}

// IncRetryAttempts increments the retry attempts counter for an operation.
func (m *Metrics) IncRetryAttempts(operation string) {
	m.RetryAttempts.WithLabelValues(operation).Inc()
}
