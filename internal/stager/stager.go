// Package stager uploads downloaded parquet files to a staging bucket so
// warehouse load jobs can reference them by URI. Uploads are idempotent:
// objects already present with the expected size are left alone.
package stager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	_ "gocloud.dev/blob/gcsblob" // GCS driver

	"github.com/atlasview/optly-pipeline/internal/fetcher"
	"github.com/atlasview/optly-pipeline/internal/logging"
	"github.com/atlasview/optly-pipeline/internal/metrics"
	"github.com/atlasview/optly-pipeline/internal/retry"
)

// StagedFile is one object in the staging bucket.
type StagedFile struct {
	URI  string // gs://bucket/key form, as load jobs consume it
	Key  string
	Size int64
}

// Result summarizes one staging pass.
type Result struct {
	Uploaded []StagedFile
	Skipped  []StagedFile
	Failed   []fetcher.FileError
}

// Staged returns all files present in the bucket after the pass.
func (r Result) Staged() []StagedFile {
	out := make([]StagedFile, 0, len(r.Uploaded)+len(r.Skipped))
	out = append(out, r.Uploaded...)
	out = append(out, r.Skipped...)
	return out
}

// Stager copies local files into a staging bucket.
type Stager struct {
	bucket     *blob.Bucket
	bucketName string
	prefix     string
	retry      retry.Policy
	logger     *slog.Logger
	labels     metrics.Labels
}

// New opens the staging bucket by name.
func New(ctx context.Context, bucketName, prefix string, policy retry.Policy, logger *slog.Logger, labels metrics.Labels) (*Stager, error) {
	bucket, err := blob.OpenBucket(ctx, "gs://"+bucketName)
	if err != nil {
		return nil, fmt.Errorf("open staging bucket %s: %w", bucketName, err)
	}
	return NewWithBucket(bucket, bucketName, prefix, policy, logger, labels), nil
}

// NewWithBucket wraps an already-open bucket. Tests pass a memblob bucket.
func NewWithBucket(bucket *blob.Bucket, bucketName, prefix string, policy retry.Policy, logger *slog.Logger, labels metrics.Labels) *Stager {
	if logger == nil {
		logger = logging.Component("stager")
	}
	prefix = strings.TrimPrefix(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Stager{
		bucket:     bucket,
		bucketName: bucketName,
		prefix:     prefix,
		retry:      policy,
		logger:     logger,
		labels:     labels,
	}
}

// Stage uploads the given local files, skipping any whose staged object
// already has the expected size. Per-file failures are collected in the
// Result; only cancellation stops the pass.
func (s *Stager) Stage(ctx context.Context, files []fetcher.LocalFile) (Result, error) {
	var res Result
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		key := s.keyFor(f)
		staged := StagedFile{URI: s.uri(key), Key: key, Size: f.Size}

		attrs, err := s.bucket.Attributes(ctx, key)
		switch {
		case err == nil && attrs.Size == f.Size:
			res.Skipped = append(res.Skipped, staged)
			if m := metrics.Get(); m != nil {
				m.IncStageSkipped(s.labels)
			}
			continue
		case err != nil && gcerrors.Code(err) != gcerrors.NotFound:
			res.Failed = append(res.Failed, fetcher.FileError{Name: key, Err: err})
			continue
		}

		err = s.retry.Do(ctx, "stage "+key, func() error {
			return s.uploadOnce(ctx, f.Path, key)
		})
		if err != nil {
			s.logger.Error("stage failed", "key", key, "error", err)
			res.Failed = append(res.Failed, fetcher.FileError{Name: key, Err: err})
			if m := metrics.Get(); m != nil {
				m.IncStageFailed(s.labels)
			}
			continue
		}

		res.Uploaded = append(res.Uploaded, staged)
		if m := metrics.Get(); m != nil {
			m.IncFilesStaged(s.labels)
		}
	}

	s.logger.Info("staging pass complete",
		"uploaded", len(res.Uploaded),
		"skipped", len(res.Skipped),
		"failed", len(res.Failed),
	)
	return res, nil
}

func (s *Stager) uploadOnce(ctx context.Context, localPath, key string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("open writer for %s: %w", key, err)
	}
	if _, err := w.ReadFrom(src); err != nil {
		w.Close()
		return fmt.Errorf("upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", key, err)
	}
	return nil
}

// keyFor mirrors the partition layout under the staging prefix.
func (s *Stager) keyFor(f fetcher.LocalFile) string {
	return s.prefix + f.Partition.RelDir() + "/" + path.Base(f.Path)
}

func (s *Stager) uri(key string) string {
	return "gs://" + s.bucketName + "/" + key
}

// Close releases the bucket handle.
func (s *Stager) Close() error {
	return s.bucket.Close()
}
