package loader

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
)

// FileRows reads the row count from a parquet file's footer without
// scanning the data pages.
func FileRows(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return 0, fmt.Errorf("parse parquet footer of %s: %w", path, err)
	}
	return pf.NumRows(), nil
}

// TotalRows sums the row counts of the given parquet files.
func TotalRows(paths []string) (int64, error) {
	var total int64
	for _, p := range paths {
		n, err := FileRows(p)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
