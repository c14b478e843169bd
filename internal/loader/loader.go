// Package loader groups staged parquet files into fixed-size batches and
// submits them to the warehouse as append load jobs. Batch identity is
// derived from batch contents so a resumed run skips exactly the batches it
// already submitted.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/atlasview/optly-pipeline/internal/checkpoint"
	"github.com/atlasview/optly-pipeline/internal/logging"
	"github.com/atlasview/optly-pipeline/internal/metrics"
	"github.com/atlasview/optly-pipeline/internal/progress"
)

// MaxBatchFiles is the hard ceiling on files per load job. BigQuery rejects
// jobs with more than 10,000 source URIs.
const MaxBatchFiles = 10000

// Item is one parquet file ready for loading. URI is set when the file was
// staged to a bucket; otherwise LocalPath is loaded directly.
type Item struct {
	LocalPath string
	URI       string
	Size      int64
}

func (it Item) name() string {
	if it.URI != "" {
		return it.URI
	}
	return it.LocalPath
}

// Batch is one load job's worth of files.
type Batch struct {
	Index int
	ID    string
	Items []Item
	Bytes int64
}

// URIs returns the staged URIs of the batch members.
func (b Batch) URIs() []string {
	uris := make([]string, len(b.Items))
	for i, it := range b.Items {
		uris[i] = it.URI
	}
	return uris
}

// Paths returns the local paths of the batch members.
func (b Batch) Paths() []string {
	paths := make([]string, len(b.Items))
	for i, it := range b.Items {
		paths[i] = it.LocalPath
	}
	return paths
}

// PlanOptions bounds batch sizes.
type PlanOptions struct {
	MaxFiles int
	MaxBytes int64 // 0 = no byte threshold
}

// Plan splits one partition's items into batches deterministically: items
// are sorted by name, filled in order, and cut when either bound would be
// exceeded. The same inputs always produce the same batches and IDs.
//
// Callers plan each partition separately and never mix partitions in one
// call. A batch that spanned partitions would change membership, and so
// identity, whenever the surrounding date range changed, and the batch
// checkpoint would no longer recognize already-loaded files.
func Plan(items []Item, opts PlanOptions) []Batch {
	if opts.MaxFiles < 1 || opts.MaxFiles > MaxBatchFiles {
		opts.MaxFiles = MaxBatchFiles
	}

	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name() < sorted[j].name() })

	var batches []Batch
	var cur Batch
	flush := func() {
		if len(cur.Items) == 0 {
			return
		}
		cur.Index = len(batches)
		cur.ID = batchID(cur.Index, cur.Items)
		batches = append(batches, cur)
		cur = Batch{}
	}

	for _, it := range sorted {
		overFiles := len(cur.Items) >= opts.MaxFiles
		overBytes := opts.MaxBytes > 0 && len(cur.Items) > 0 && cur.Bytes+it.Size > opts.MaxBytes
		if overFiles || overBytes {
			flush()
		}
		cur.Items = append(cur.Items, it)
		cur.Bytes += it.Size
	}
	flush()
	return batches
}

// batchID builds a stable identifier from the batch position and a digest
// of its member names.
func batchID(index int, items []Item) string {
	h := sha256.New()
	for _, it := range items {
		h.Write([]byte(it.name()))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("batch-%04d-%s", index, hex.EncodeToString(h.Sum(nil))[:12])
}

// JobResult is what the warehouse reports for a finished load job.
type JobResult struct {
	JobID      string
	OutputRows int64
}

// Warehouse runs load jobs.
type Warehouse interface {
	// LoadURIs submits one load job for staged bucket URIs.
	LoadURIs(ctx context.Context, uris []string) (JobResult, error)
	// LoadFiles loads local files, one job per file.
	LoadFiles(ctx context.Context, paths []string) (JobResult, error)
	Close() error
}

// BatchLoadError reports one batch that failed after its retry.
type BatchLoadError struct {
	BatchID string
	Err     error
}

func (e *BatchLoadError) Error() string {
	return fmt.Sprintf("batch %s failed: %v", e.BatchID, e.Err)
}

func (e *BatchLoadError) Unwrap() error { return e.Err }

// BatchResult is the outcome of one batch.
type BatchResult struct {
	Batch      Batch
	JobID      string
	OutputRows int64
	Skipped    bool
	Duration   time.Duration
	Err        error
}

// Loader submits planned batches, skipping ones the checkpoint already saw.
type Loader struct {
	wh       Warehouse
	ckpt     checkpoint.Manager
	progress progress.Emitter
	logger   *slog.Logger
	labels   metrics.Labels
	runID    string
}

// New builds a loader.
func New(wh Warehouse, ckpt checkpoint.Manager, em progress.Emitter, logger *slog.Logger, labels metrics.Labels, runID string) *Loader {
	if logger == nil {
		logger = logging.Component("loader")
	}
	return &Loader{wh: wh, ckpt: ckpt, progress: em, logger: logger, labels: labels, runID: runID}
}

// Load submits each batch in order. A failed batch is retried once as a
// whole; if it fails again the error is recorded and the next batch still
// runs. The returned error is non-nil only on cancellation.
func (l *Loader) Load(ctx context.Context, batches []Batch) ([]BatchResult, error) {
	results := make([]BatchResult, 0, len(batches))

	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		if l.ckpt.IsBatchSubmitted(b.ID) {
			l.logger.Info("batch already submitted, skipping", "batch_id", b.ID, "files", len(b.Items))
			results = append(results, BatchResult{Batch: b, Skipped: true})
			if m := metrics.Get(); m != nil {
				m.IncBatchesSkipped(l.labels)
			}
			l.emit(progress.Record{Kind: progress.KindBatch, BatchID: b.ID, FileCount: len(b.Items)})
			continue
		}

		start := time.Now()
		job, err := l.submit(ctx, b)
		if err != nil && ctx.Err() == nil {
			l.logger.Warn("batch failed, retrying once", "batch_id", b.ID, "error", err)
			job, err = l.submit(ctx, b)
		}
		elapsed := time.Since(start)

		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return results, cerr
			}
			batchErr := &BatchLoadError{BatchID: b.ID, Err: err}
			l.logger.Error("batch failed after retry", "batch_id", b.ID, "files", len(b.Items), "error", err)
			results = append(results, BatchResult{Batch: b, Duration: elapsed, Err: batchErr})
			if m := metrics.Get(); m != nil {
				m.IncBatchesFailed(l.labels)
			}
			l.emit(progress.Record{Kind: progress.KindBatch, BatchID: b.ID, FileCount: len(b.Items), Error: err.Error()})
			continue
		}

		// Streaming local loads do not always report output rows; fall back
		// to the parquet footers.
		if job.OutputRows == 0 && !l.staged(b) {
			if rows, rerr := TotalRows(b.Paths()); rerr == nil {
				job.OutputRows = rows
			}
		}

		// Mark before moving on so a crash between batches never resubmits
		// this one.
		if err := l.ckpt.MarkBatchSubmitted(b.ID); err != nil {
			return results, fmt.Errorf("checkpoint batch %s: %w", b.ID, err)
		}

		l.logger.Info("batch loaded",
			"batch_id", b.ID,
			"job_id", job.JobID,
			"files", len(b.Items),
			"rows", job.OutputRows,
			"duration", elapsed.Round(time.Millisecond),
		)
		results = append(results, BatchResult{Batch: b, JobID: job.JobID, OutputRows: job.OutputRows, Duration: elapsed})
		if m := metrics.Get(); m != nil {
			m.IncBatchesSubmitted(l.labels)
			m.AddRowsLoaded(l.labels, float64(job.OutputRows))
			m.ObserveBatchLoadDuration(l.labels, elapsed.Seconds())
		}
		l.emit(progress.Record{
			Kind:      progress.KindBatch,
			BatchID:   b.ID,
			JobID:     job.JobID,
			FileCount: len(b.Items),
			ByteSize:  b.Bytes,
			RowCount:  job.OutputRows,
		})
	}
	return results, nil
}

func (l *Loader) submit(ctx context.Context, b Batch) (JobResult, error) {
	if l.staged(b) {
		return l.wh.LoadURIs(ctx, b.URIs())
	}
	return l.wh.LoadFiles(ctx, b.Paths())
}

func (l *Loader) staged(b Batch) bool {
	for _, it := range b.Items {
		if it.URI == "" {
			return false
		}
	}
	return len(b.Items) > 0
}

func (l *Loader) emit(rec progress.Record) {
	if l.progress == nil {
		return
	}
	rec.RunID = l.runID
	l.progress.Emit(rec)
}

// FailedBatches extracts the errors from a result set.
func FailedBatches(results []BatchResult) []error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}

// Summarize renders a one-line accounting of the results.
func Summarize(results []BatchResult) string {
	var submitted, skipped, failed int
	var rows int64
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
		case r.Skipped:
			skipped++
		default:
			submitted++
			rows += r.OutputRows
		}
	}
	parts := []string{
		fmt.Sprintf("submitted=%d", submitted),
		fmt.Sprintf("skipped=%d", skipped),
		fmt.Sprintf("failed=%d", failed),
		fmt.Sprintf("rows=%d", rows),
	}
	return strings.Join(parts, " ")
}
