// Package export reads the upstream enriched-event export bucket. All
// listing and reading goes through a gocloud blob.Bucket so S3, a local
// directory, and in-memory test buckets share one code path.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"gocloud.dev/blob"

	"github.com/atlasview/optly-pipeline/internal/partition"
)

// SuccessMarker is the object name the export writer drops into a date
// prefix once every file for that date has been written.
const SuccessMarker = "_SUCCESS"

// RemoteFile describes one parquet object in a date partition.
type RemoteFile struct {
	Key  string // full object key
	Name string // base name within the partition
	Size int64
}

// Source lists and reads export objects for one account.
type Source interface {
	// List returns the parquet files under the partition prefix, sorted by
	// key. The success marker and non-parquet objects are excluded.
	List(ctx context.Context, p partition.Partition) ([]RemoteFile, error)

	// HasSuccessMarker reports whether the partition's _SUCCESS object exists.
	HasSuccessMarker(ctx context.Context, p partition.Partition) (bool, error)

	// Open returns a reader for the object at key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	Close() error
}

// Config selects and locates a source.
type Config struct {
	Mode       string // "s3" | "local"
	Bucket     string
	BasePrefix string // e.g. v1/account_id=12345/
	Region     string
	LocalPath  string

	Auth *CredentialsClient // required for mode=s3
}

var ErrInvalidSourceMode = errors.New("invalid source mode")

// New constructs a source based on the configured mode.
func New(ctx context.Context, cfg Config) (Source, error) {
	switch cfg.Mode {
	case "s3":
		return newS3Source(ctx, cfg)
	case "local":
		return newLocalSource(cfg.LocalPath, cfg.BasePrefix)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSourceMode, cfg.Mode)
	}
}

// bucketSource implements Source over any blob.Bucket.
type bucketSource struct {
	bucket     *blob.Bucket
	basePrefix string
}

// NewBucketSource wraps an already-open bucket. The caller keeps ownership
// decisions simple: Close closes the bucket.
func NewBucketSource(bucket *blob.Bucket, basePrefix string) Source {
	return &bucketSource{bucket: bucket, basePrefix: basePrefix}
}

func (s *bucketSource) List(ctx context.Context, p partition.Partition) ([]RemoteFile, error) {
	prefix := p.Prefix(s.basePrefix)

	var files []RemoteFile
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		if !strings.HasSuffix(obj.Key, ".parquet") {
			continue
		}
		files = append(files, RemoteFile{
			Key:  obj.Key,
			Name: path.Base(obj.Key),
			Size: obj.Size,
		})
	}
	return files, nil
}

func (s *bucketSource) HasSuccessMarker(ctx context.Context, p partition.Partition) (bool, error) {
	key := p.Prefix(s.basePrefix) + SuccessMarker
	ok, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", key, err)
	}
	return ok, nil
}

func (s *bucketSource) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	return r, nil
}

func (s *bucketSource) Close() error {
	return s.bucket.Close()
}
