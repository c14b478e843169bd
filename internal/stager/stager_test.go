package stager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gocloud.dev/blob/memblob"

	"github.com/atlasview/optly-pipeline/internal/fetcher"
	"github.com/atlasview/optly-pipeline/internal/metrics"
	"github.com/atlasview/optly-pipeline/internal/partition"
	"github.com/atlasview/optly-pipeline/internal/retry"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func localFile(t *testing.T, dir, name, content string) fetcher.LocalFile {
	t.Helper()
	day, err := partition.Day("2025-01-05")
	if err != nil {
		t.Fatalf("parse day: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return fetcher.LocalFile{
		Path:      path,
		Size:      int64(len(content)),
		Partition: partition.Partition{Date: day, Type: partition.Decisions},
	}
}

func TestStageUploadsAndSkips(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	s := NewWithBucket(bucket, "stage-bucket", "events", fastRetry(), nil, metrics.Labels{})

	dir := t.TempDir()
	files := []fetcher.LocalFile{
		localFile(t, dir, "part-0001.parquet", "aaaa"),
		localFile(t, dir, "part-0002.parquet", "bb"),
	}

	res, err := s.Stage(context.Background(), files)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if len(res.Uploaded) != 2 || len(res.Skipped) != 0 || len(res.Failed) != 0 {
		t.Fatalf("uploaded=%d skipped=%d failed=%d", len(res.Uploaded), len(res.Skipped), len(res.Failed))
	}

	wantKey := "events/type=decisions/date=2025-01-05/part-0001.parquet"
	if res.Uploaded[0].Key != wantKey && res.Uploaded[1].Key != wantKey {
		t.Errorf("missing key %q in %+v", wantKey, res.Uploaded)
	}
	wantURI := "gs://stage-bucket/" + wantKey
	data, err := bucket.ReadAll(context.Background(), wantKey)
	if err != nil {
		t.Fatalf("read staged object: %v", err)
	}
	if string(data) != "aaaa" {
		t.Errorf("staged content = %q", data)
	}
	found := false
	for _, u := range res.Uploaded {
		if u.URI == wantURI {
			found = true
		}
	}
	if !found {
		t.Errorf("URI %q not reported", wantURI)
	}

	// Second pass skips everything.
	res2, err := s.Stage(context.Background(), files)
	if err != nil {
		t.Fatalf("second Stage failed: %v", err)
	}
	if len(res2.Uploaded) != 0 || len(res2.Skipped) != 2 {
		t.Errorf("second pass uploaded=%d skipped=%d", len(res2.Uploaded), len(res2.Skipped))
	}
}

func TestStageReuploadsOnSizeMismatch(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	s := NewWithBucket(bucket, "stage-bucket", "events/", fastRetry(), nil, metrics.Labels{})

	dir := t.TempDir()
	f := localFile(t, dir, "part-0001.parquet", "new-longer-content")

	// Stale object with a different size.
	key := "events/type=decisions/date=2025-01-05/part-0001.parquet"
	if err := bucket.WriteAll(context.Background(), key, []byte("old"), nil); err != nil {
		t.Fatalf("seed stale object: %v", err)
	}

	res, err := s.Stage(context.Background(), []fetcher.LocalFile{f})
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if len(res.Uploaded) != 1 {
		t.Fatalf("uploaded = %d, want 1", len(res.Uploaded))
	}
	data, err := bucket.ReadAll(context.Background(), key)
	if err != nil {
		t.Fatalf("read staged object: %v", err)
	}
	if string(data) != "new-longer-content" {
		t.Errorf("staged content = %q", data)
	}
}

func TestStageIsolatesMissingLocalFile(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	s := NewWithBucket(bucket, "stage-bucket", "events", fastRetry(), nil, metrics.Labels{})

	dir := t.TempDir()
	good := localFile(t, dir, "part-0001.parquet", "aa")
	missing := good
	missing.Path = filepath.Join(dir, "part-0404.parquet")

	res, err := s.Stage(context.Background(), []fetcher.LocalFile{missing, good})
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if len(res.Uploaded) != 1 {
		t.Errorf("uploaded = %d, want 1", len(res.Uploaded))
	}
	if len(res.Failed) != 1 {
		t.Errorf("failed = %d, want 1", len(res.Failed))
	}
}
