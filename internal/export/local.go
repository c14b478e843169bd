package export

import (
	"fmt"
	"os"

	"gocloud.dev/blob/fileblob"
)

// newLocalSource serves exports from a directory tree laid out like the
// bucket. Used for offline runs and in integration tests.
func newLocalSource(dir, basePrefix string) (Source, error) {
	if dir == "" {
		return nil, fmt.Errorf("local source requires a path")
	}
	if info, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("local source path: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("local source path %s is not a directory", dir)
	}

	bucket, err := fileblob.OpenBucket(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open local bucket %s: %w", dir, err)
	}
	return NewBucketSource(bucket, basePrefix), nil
}
