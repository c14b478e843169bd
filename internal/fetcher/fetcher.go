// Package fetcher mirrors export partitions to local disk. Downloads are
// idempotent: files already present with the expected size are skipped, and
// in-flight writes go to a temp name so an interrupted run never leaves a
// plausible-looking partial file.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlasview/optly-pipeline/internal/checkpoint"
	"github.com/atlasview/optly-pipeline/internal/export"
	"github.com/atlasview/optly-pipeline/internal/logging"
	"github.com/atlasview/optly-pipeline/internal/metrics"
	"github.com/atlasview/optly-pipeline/internal/partition"
	"github.com/atlasview/optly-pipeline/internal/retry"
)

// LocalFile is one parquet file on local disk.
type LocalFile struct {
	Path      string
	Key       string // source object key, empty when only found locally
	Size      int64
	Partition partition.Partition
}

// FileError records one file that could not be downloaded.
type FileError struct {
	Name string
	Err  error
}

func (e FileError) Error() string { return fmt.Sprintf("%s: %v", e.Name, e.Err) }
func (e FileError) Unwrap() error { return e.Err }

// PartialPartitionError reports a partition where some files failed after
// retries. The partition is not checkpointed and will be reattempted on the
// next run.
type PartialPartitionError struct {
	Partition partition.Partition
	Failures  []FileError
}

func (e *PartialPartitionError) Error() string {
	return fmt.Sprintf("partition %s incomplete: %d file(s) failed", e.Partition.Key(), len(e.Failures))
}

// Result summarizes one partition fetch.
type Result struct {
	Partition     partition.Partition
	Downloaded    []LocalFile
	Skipped       []LocalFile
	Failed        []FileError
	MarkerMissing bool
}

// Files returns all files present locally after the fetch, sorted by path.
func (r Result) Files() []LocalFile {
	files := make([]LocalFile, 0, len(r.Downloaded)+len(r.Skipped))
	files = append(files, r.Downloaded...)
	files = append(files, r.Skipped...)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

// Err returns a *PartialPartitionError when any file failed, else nil.
func (r Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return &PartialPartitionError{Partition: r.Partition, Failures: r.Failed}
}

// Config controls the fetcher.
type Config struct {
	OutDir         string
	Workers        int
	RequireSuccess bool // skip partitions without a _SUCCESS marker
	DryRun         bool // report decisions without writing anything
}

// Fetcher downloads export partitions through a worker pool.
type Fetcher struct {
	source export.Source
	cfg    Config
	ckpt   checkpoint.Manager
	retry  retry.Policy
	logger *slog.Logger
	labels metrics.Labels
}

// New builds a fetcher. ckpt may be a noop manager when resume is disabled.
func New(source export.Source, cfg Config, ckpt checkpoint.Manager, policy retry.Policy, logger *slog.Logger, labels metrics.Labels) *Fetcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = logging.Component("fetcher")
	}
	return &Fetcher{
		source: source,
		cfg:    cfg,
		ckpt:   ckpt,
		retry:  policy,
		logger: logger,
		labels: labels,
	}
}

// FetchPartition mirrors one date partition. Individual file failures are
// collected in the Result; the returned error is non-nil only for failures
// that should stop the whole run (expired credentials, cancellation, or a
// listing that could not be performed at all).
func (f *Fetcher) FetchPartition(ctx context.Context, p partition.Partition) (Result, error) {
	res := Result{Partition: p}
	logger := f.logger.With("partition", p.Key())

	if f.ckpt.IsComplete(p.Key()) {
		logger.Debug("partition already complete, using local files")
		files, err := f.listLocal(p)
		if err != nil {
			return res, fmt.Errorf("list local partition %s: %w", p.Key(), err)
		}
		res.Skipped = files
		if m := metrics.Get(); m != nil {
			m.IncPartitionsSkipped(f.labels)
		}
		return res, nil
	}

	if f.cfg.RequireSuccess {
		ok, err := f.hasMarker(ctx, p)
		if err != nil {
			return res, err
		}
		if !ok {
			logger.Warn("success marker missing, skipping partition")
			res.MarkerMissing = true
			if m := metrics.Get(); m != nil {
				m.IncPartitionsSkipped(f.labels)
			}
			return res, nil
		}
	}

	remote, err := f.list(ctx, p)
	if err != nil {
		return res, err
	}
	if len(remote) == 0 {
		logger.Info("partition has no parquet files")
		if !f.cfg.DryRun {
			if err := f.ckpt.MarkComplete(p.Key()); err != nil {
				return res, fmt.Errorf("checkpoint partition %s: %w", p.Key(), err)
			}
		}
		return res, nil
	}

	destDir := filepath.Join(f.cfg.OutDir, filepath.FromSlash(p.RelDir()))
	if !f.cfg.DryRun {
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return res, fmt.Errorf("create partition dir: %w", err)
		}
	}

	type outcome struct {
		file    LocalFile
		skipped bool
		err     *FileError
		fatal   error
	}

	jobs := make(chan export.RemoteFile)
	outcomes := make(chan outcome, len(remote))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < f.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rf := range jobs {
				local, skipped, err := f.fetchFile(runCtx, p, destDir, rf)
				switch {
				case err == nil:
					outcomes <- outcome{file: local, skipped: skipped}
				case export.IsAuthExpired(err) || errors.Is(err, context.Canceled):
					outcomes <- outcome{fatal: err}
					cancel()
				default:
					outcomes <- outcome{err: &FileError{Name: rf.Name, Err: err}}
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, rf := range remote {
			select {
			case jobs <- rf:
			case <-runCtx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(outcomes)

	var fatal error
	for o := range outcomes {
		switch {
		case o.fatal != nil:
			if fatal == nil {
				fatal = o.fatal
			}
		case o.err != nil:
			res.Failed = append(res.Failed, *o.err)
		case o.skipped:
			res.Skipped = append(res.Skipped, o.file)
		default:
			res.Downloaded = append(res.Downloaded, o.file)
		}
	}
	if fatal != nil {
		return res, fatal
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Name < res.Failed[j].Name })

	logger.Info("partition fetched",
		"downloaded", len(res.Downloaded),
		"skipped", len(res.Skipped),
		"failed", len(res.Failed),
		"dry_run", f.cfg.DryRun,
	)

	if m := metrics.Get(); m != nil {
		if len(res.Failed) > 0 {
			m.IncPartitionsPartial(f.labels)
		} else {
			m.IncPartitionsCompleted(f.labels)
		}
	}

	if len(res.Failed) == 0 && !f.cfg.DryRun {
		if err := f.ckpt.MarkComplete(p.Key()); err != nil {
			return res, fmt.Errorf("checkpoint partition %s: %w", p.Key(), err)
		}
	}
	return res, nil
}

// fetchFile downloads one object, or skips it when the destination already
// has the expected size. In dry-run mode no bytes move; the decision is
// reported as if it had.
func (f *Fetcher) fetchFile(ctx context.Context, p partition.Partition, destDir string, rf export.RemoteFile) (LocalFile, bool, error) {
	dest := filepath.Join(destDir, SafeName(rf.Name))
	local := LocalFile{Path: dest, Key: rf.Key, Size: rf.Size, Partition: p}

	if info, err := os.Stat(dest); err == nil && info.Size() == rf.Size {
		if m := metrics.Get(); m != nil {
			m.IncFilesSkipped(f.labels)
		}
		return local, true, nil
	}

	if f.cfg.DryRun {
		f.logger.Info("dry run: would download", "key", rf.Key, "size", rf.Size)
		return local, false, nil
	}

	start := time.Now()
	policy := f.retry
	policy.Retryable = func(err error) bool { return !export.IsAuthExpired(err) }
	err := policy.Do(ctx, "download "+rf.Name, func() error {
		return f.downloadOnce(ctx, rf.Key, dest)
	})
	if err != nil {
		if m := metrics.Get(); m != nil && !export.IsAuthExpired(err) {
			m.IncFilesFailed(f.labels)
		}
		return local, false, err
	}

	if m := metrics.Get(); m != nil {
		m.IncFilesDownloaded(f.labels)
		m.AddBytesDownloaded(f.labels, float64(rf.Size))
		m.ObserveDownloadDuration(f.labels, time.Since(start).Seconds())
	}
	return local, false, nil
}

// downloadOnce streams the object to dest via a temp file and rename.
func (f *Fetcher) downloadOnce(ctx context.Context, key, dest string) error {
	r, err := f.source.Open(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()

	tmp := dest + ".partial"
	w, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize %s: %w", dest, err)
	}
	return nil
}

// list wraps the source listing in the retry policy, treating auth failures
// as permanent.
func (f *Fetcher) list(ctx context.Context, p partition.Partition) ([]export.RemoteFile, error) {
	var remote []export.RemoteFile
	policy := f.retry
	policy.Retryable = func(err error) bool { return !export.IsAuthExpired(err) }
	err := policy.Do(ctx, "list "+p.Key(), func() error {
		var err error
		remote, err = f.source.List(ctx, p)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list partition %s: %w", p.Key(), err)
	}
	return remote, nil
}

func (f *Fetcher) hasMarker(ctx context.Context, p partition.Partition) (bool, error) {
	var ok bool
	policy := f.retry
	policy.Retryable = func(err error) bool { return !export.IsAuthExpired(err) }
	err := policy.Do(ctx, "check marker "+p.Key(), func() error {
		var err error
		ok, err = f.source.HasSuccessMarker(ctx, p)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("check marker %s: %w", p.Key(), err)
	}
	return ok, nil
}

// listLocal enumerates the parquet files already on disk for a partition.
// Used when the checkpoint says the partition is complete, so re-runs can
// hand the loader a file list without touching the network.
func (f *Fetcher) listLocal(p partition.Partition) ([]LocalFile, error) {
	dir := filepath.Join(f.cfg.OutDir, filepath.FromSlash(p.RelDir()))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []LocalFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".parquet") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		files = append(files, LocalFile{
			Path:      filepath.Join(dir, e.Name()),
			Size:      info.Size(),
			Partition: p,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
