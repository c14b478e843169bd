package export

import (
	"context"
	"io"
	"testing"
	"time"

	"gocloud.dev/blob/memblob"

	"github.com/atlasview/optly-pipeline/internal/partition"
)

func testPartition(t *testing.T) partition.Partition {
	t.Helper()
	day, err := partition.Day("2025-01-05")
	if err != nil {
		t.Fatalf("parse day: %v", err)
	}
	return partition.Partition{Date: day, Type: partition.Decisions}
}

func writeObject(t *testing.T, src Source, key, content string) {
	t.Helper()
	bs := src.(*bucketSource)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bs.bucket.WriteAll(ctx, key, []byte(content), nil); err != nil {
		t.Fatalf("write %s: %v", key, err)
	}
}

func TestListFiltersAndSorts(t *testing.T) {
	base := "v1/account_id=123/"
	src := NewBucketSource(memblob.OpenBucket(nil), base)
	defer src.Close()

	p := testPartition(t)
	prefix := p.Prefix(base)

	writeObject(t, src, prefix+"part-0002.parquet", "bb")
	writeObject(t, src, prefix+"part-0001.parquet", "a")
	writeObject(t, src, prefix+SuccessMarker, "")
	writeObject(t, src, prefix+"notes.txt", "ignore")
	// Different date must not leak in.
	writeObject(t, src, base+"type=decisions/date=2025-01-06/part-0001.parquet", "x")

	files, err := src.List(context.Background(), p)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("len(files) = %d, want 2", len(files))
	}
	if files[0].Name != "part-0001.parquet" || files[1].Name != "part-0002.parquet" {
		t.Errorf("unexpected order: %q, %q", files[0].Name, files[1].Name)
	}
	if files[0].Size != 1 || files[1].Size != 2 {
		t.Errorf("sizes = %d, %d", files[0].Size, files[1].Size)
	}
}

func TestHasSuccessMarker(t *testing.T) {
	base := "v1/account_id=123/"
	src := NewBucketSource(memblob.OpenBucket(nil), base)
	defer src.Close()

	p := testPartition(t)

	ok, err := src.HasSuccessMarker(context.Background(), p)
	if err != nil {
		t.Fatalf("HasSuccessMarker failed: %v", err)
	}
	if ok {
		t.Error("marker should be absent")
	}

	writeObject(t, src, p.Prefix(base)+SuccessMarker, "")
	ok, err = src.HasSuccessMarker(context.Background(), p)
	if err != nil {
		t.Fatalf("HasSuccessMarker failed: %v", err)
	}
	if !ok {
		t.Error("marker should be present")
	}
}

func TestOpenReadsObject(t *testing.T) {
	base := "v1/account_id=123/"
	src := NewBucketSource(memblob.OpenBucket(nil), base)
	defer src.Close()

	p := testPartition(t)
	key := p.Prefix(base) + "part-0001.parquet"
	writeObject(t, src, key, "payload")

	r, err := src.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("data = %q", data)
	}
}
