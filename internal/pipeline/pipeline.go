// Package pipeline orchestrates the download, stage, and load steps for a
// date range. Components are injected so each step can run alone and tests
// can substitute fakes.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atlasview/optly-pipeline/internal/auditor"
	"github.com/atlasview/optly-pipeline/internal/catalog"
	"github.com/atlasview/optly-pipeline/internal/checkpoint"
	"github.com/atlasview/optly-pipeline/internal/config"
	"github.com/atlasview/optly-pipeline/internal/export"
	"github.com/atlasview/optly-pipeline/internal/fetcher"
	"github.com/atlasview/optly-pipeline/internal/loader"
	"github.com/atlasview/optly-pipeline/internal/logging"
	"github.com/atlasview/optly-pipeline/internal/metrics"
	"github.com/atlasview/optly-pipeline/internal/partition"
	"github.com/atlasview/optly-pipeline/internal/progress"
	"github.com/atlasview/optly-pipeline/internal/retry"
	"github.com/atlasview/optly-pipeline/internal/stager"
)

// Deps are the pipeline's collaborators. Stager and Warehouse are optional;
// a nil Stager loads local files directly, a nil Warehouse stops after the
// fetch (and stage) steps.
type Deps struct {
	Source     export.Source
	Stager     *stager.Stager
	Warehouse  loader.Warehouse
	Checkpoint checkpoint.Manager
	Catalog    catalog.Writer
	Progress   progress.Emitter

	// RunID overrides the generated run identifier. Set it when the caller
	// already stamped the ID on other artifacts, like the progress file.
	RunID string
}

// Summary is the accounting for one run.
type Summary struct {
	RunID         string
	Partitions    int
	Downloaded    int
	SkippedFiles  int
	FailedFiles   int
	MarkerMissing int
	Staged        int
	StageSkipped  int
	Batches       []loader.BatchResult
	Errors        []error
}

// Pipeline runs the steps end to end.
type Pipeline struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
	labels metrics.Labels
	runID  string
}

// New builds a pipeline. A nil logger falls back to the default.
func New(cfg config.Config, deps Deps, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = logging.Component("pipeline")
	}
	if deps.Checkpoint == nil {
		deps.Checkpoint = checkpoint.NewNoopManager()
	}
	runID := deps.RunID
	if runID == "" {
		runID = uuid.New().String()[:8]
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("run_id", runID),
		labels: metrics.Labels{AccountID: cfg.AccountID, DataType: cfg.DataType},
		runID:  runID,
	}
}

// RunID returns the identifier stamped on this run's logs and records.
func (p *Pipeline) RunID() string { return p.runID }

// Run executes fetch, then stage and load when their dependencies are
// present. Partition-level and batch-level failures are collected into the
// summary; the returned error is non-nil only for failures that stop the
// run outright.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: p.runID}
	ctx = logging.WithCorrelationID(ctx, p.runID)

	partitions, err := p.partitions()
	if err != nil {
		return summary, err
	}
	summary.Partitions = len(partitions)

	policy := p.retryPolicy()
	f := fetcher.New(p.deps.Source, fetcher.Config{
		OutDir:         p.cfg.Local.OutDir,
		Workers:        p.cfg.Local.Workers,
		RequireSuccess: p.cfg.RequireSuccess,
		DryRun:         p.cfg.DryRun,
	}, p.deps.Checkpoint, policy, p.logger, p.labels)

	p.logger.Info("run starting",
		"partitions", len(partitions),
		"start", p.cfg.StartDate,
		"end", p.cfg.EndDate,
		"type", p.cfg.DataType,
		"dry_run", p.cfg.DryRun,
	)

	// One item group per cleanly fetched partition. Batches are planned
	// within a group, never across groups, so partitions loaded in an
	// earlier run reproduce identical batch IDs no matter what the rest of
	// the range looks like now.
	var groups [][]loader.Item
	for _, part := range partitions {
		res, err := f.FetchPartition(ctx, part)
		if err != nil {
			if export.IsAuthExpired(err) {
				p.logger.Error("credentials expired, aborting run; re-exchange the access token and resume", "partition", part.Key())
			}
			return summary, err
		}

		summary.Downloaded += len(res.Downloaded)
		summary.SkippedFiles += len(res.Skipped)
		summary.FailedFiles += len(res.Failed)
		if res.MarkerMissing {
			summary.MarkerMissing++
		}

		p.emit(progress.Record{
			Kind:       progress.KindPartition,
			Partition:  part.Key(),
			Downloaded: len(res.Downloaded),
			Skipped:    len(res.Skipped),
			Failed:     len(res.Failed),
		})

		// An incomplete partition is retried whole on the next run; loading
		// its surviving files now would re-bucket them then and append the
		// same rows twice.
		if perr := res.Err(); perr != nil {
			summary.Errors = append(summary.Errors, perr)
			p.logger.Warn("partition incomplete, excluded from loading",
				"partition", part.Key(), "failed", len(res.Failed))
			continue
		}
		if p.cfg.DryRun {
			continue
		}

		files := res.Files()
		if len(files) == 0 {
			continue
		}
		items, complete, err := p.stagePartition(ctx, part, files, &summary)
		if err != nil {
			return summary, err
		}
		if !complete {
			p.logger.Warn("staging incomplete, partition excluded from loading",
				"partition", part.Key())
			continue
		}
		groups = append(groups, items)
	}

	if p.cfg.DryRun {
		p.logger.Info("dry run complete",
			"would_download", summary.Downloaded,
			"skipped", summary.SkippedFiles,
		)
		return summary, nil
	}

	if p.deps.Warehouse == nil {
		p.emitRun(summary)
		return summary, nil
	}

	if err := p.load(ctx, groups, &summary); err != nil {
		return summary, err
	}

	p.emitRun(summary)
	p.logger.Info("run complete",
		"downloaded", summary.Downloaded,
		"skipped", summary.SkippedFiles,
		"failed", summary.FailedFiles,
		"batches", loader.Summarize(summary.Batches),
		"errors", len(summary.Errors),
	)
	return summary, nil
}

// stagePartition uploads one partition's files when a stager is configured
// and converts the outcome to loader items. complete is false when any file
// of the partition failed to stage; the caller then withholds the whole
// partition from loading so its batch set stays stable across runs.
func (p *Pipeline) stagePartition(ctx context.Context, part partition.Partition, files []fetcher.LocalFile, summary *Summary) (items []loader.Item, complete bool, err error) {
	if p.deps.Stager == nil {
		items = make([]loader.Item, len(files))
		for i, f := range files {
			items[i] = loader.Item{LocalPath: f.Path, Size: f.Size}
		}
		return items, true, nil
	}

	res, err := p.deps.Stager.Stage(ctx, files)
	if err != nil {
		return nil, false, err
	}
	summary.Staged += len(res.Uploaded)
	summary.StageSkipped += len(res.Skipped)
	for _, fe := range res.Failed {
		summary.Errors = append(summary.Errors, fmt.Errorf("stage %s: %w", fe.Name, fe.Err))
	}

	staged := res.Staged()
	items = make([]loader.Item, len(staged))
	for i, s := range staged {
		items[i] = loader.Item{URI: s.URI, Size: s.Size}
	}

	p.emit(progress.Record{
		Kind:      progress.KindStage,
		Partition: part.Key(),
		FileCount: len(staged),
		Failed:    len(res.Failed),
	})
	return items, len(res.Failed) == 0, nil
}

// load plans batches per partition group and submits them, recording
// successes in the catalog.
func (p *Pipeline) load(ctx context.Context, groups [][]loader.Item, summary *Summary) error {
	opts := loader.PlanOptions{
		MaxFiles: p.cfg.Warehouse.BatchSize,
		MaxBytes: p.cfg.Warehouse.MaxBatchBytes,
	}
	var batches []loader.Batch
	for _, items := range groups {
		batches = append(batches, loader.Plan(items, opts)...)
	}
	if len(batches) == 0 {
		p.logger.Info("nothing to load")
		return nil
	}

	l := loader.New(p.deps.Warehouse, p.deps.Checkpoint, p.deps.Progress, p.logger, p.labels, p.runID)
	results, err := l.Load(ctx, batches)
	summary.Batches = results
	summary.Errors = append(summary.Errors, loader.FailedBatches(results)...)
	if err != nil {
		return err
	}

	if p.deps.Catalog != nil {
		for _, r := range results {
			if r.Err != nil || r.Skipped {
				continue
			}
			rec := catalog.BatchRecord{
				RunID:     p.runID,
				AccountID: p.cfg.AccountID,
				DataType:  p.cfg.DataType,
				BatchID:   r.Batch.ID,
				JobID:     r.JobID,
				FileCount: len(r.Batch.Items),
				ByteSize:  r.Batch.Bytes,
				RowCount:  r.OutputRows,
			}
			if err := p.deps.Catalog.RecordBatch(ctx, rec); err != nil {
				p.logger.Warn("catalog record failed", "batch_id", r.Batch.ID, "error", err)
			}
		}
	}
	return nil
}

// RunAudit compares the source listing against local disk for the
// configured range.
func (p *Pipeline) RunAudit(ctx context.Context) (auditor.Report, error) {
	partitions, err := p.partitions()
	if err != nil {
		return auditor.Report{}, err
	}

	typ, err := partition.ParseDataType(p.cfg.DataType)
	if err != nil {
		return auditor.Report{}, err
	}

	expected := make(map[string]int, len(partitions))
	for _, part := range partitions {
		files, err := p.deps.Source.List(ctx, part)
		if err != nil {
			return auditor.Report{}, fmt.Errorf("list %s: %w", part.Key(), err)
		}
		expected[part.DateString()] = len(files)
	}

	report, err := auditor.Audit(expected, p.cfg.Local.OutDir, typ)
	if err != nil {
		return report, err
	}

	p.logger.Info("audit complete",
		"complete", len(report.Complete),
		"incomplete", len(report.Incomplete),
		"surplus", len(report.Surplus),
		"missing_files", report.Missing(),
	)
	return report, nil
}

func (p *Pipeline) partitions() ([]partition.Partition, error) {
	typ, err := partition.ParseDataType(p.cfg.DataType)
	if err != nil {
		return nil, err
	}
	start, end, err := p.cfg.DateRange()
	if err != nil {
		return nil, err
	}
	return partition.Enumerate(start, end, typ)
}

func (p *Pipeline) retryPolicy() retry.Policy {
	policy := retry.Default()
	if p.cfg.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = p.cfg.Retry.MaxAttempts
	}
	if p.cfg.Retry.InitialBackoffMs > 0 {
		policy.InitialInterval = msToDuration(p.cfg.Retry.InitialBackoffMs)
	}
	if p.cfg.Retry.MaxBackoffMs > 0 {
		policy.MaxInterval = msToDuration(p.cfg.Retry.MaxBackoffMs)
	}
	return policy
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (p *Pipeline) emit(rec progress.Record) {
	if p.deps.Progress == nil {
		return
	}
	rec.RunID = p.runID
	p.deps.Progress.Emit(rec)
}

func (p *Pipeline) emitRun(summary Summary) {
	p.emit(progress.Record{
		Kind:       progress.KindRun,
		Downloaded: summary.Downloaded,
		Skipped:    summary.SkippedFiles,
		Failed:     summary.FailedFiles,
		FileCount:  summary.Staged + summary.StageSkipped,
	})
}
