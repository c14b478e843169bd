// Package auditor reconciles expected export file counts against what is
// actually on local disk, per date partition.
package auditor

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/atlasview/optly-pipeline/internal/partition"
)

// Entry is the reconciliation result for one date.
type Entry struct {
	Date     string
	Expected int
	Found    int
}

// Report splits dates by reconciliation outcome. Complete means the local
// count equals the expected count exactly; a local surplus is reported
// separately, not blessed as complete. Dates with zero expected files
// appear in none of the lists.
type Report struct {
	Complete   []Entry
	Incomplete []Entry
	Surplus    []Entry
}

// Missing returns the total shortfall across incomplete dates.
func (r Report) Missing() int {
	var n int
	for _, e := range r.Incomplete {
		n += e.Expected - e.Found
	}
	return n
}

// Audit compares expected counts (date -> file count) against the parquet
// files found under localRoot for the given data type.
func Audit(expected map[string]int, localRoot string, typ partition.DataType) (Report, error) {
	var report Report

	dates := make([]string, 0, len(expected))
	for d := range expected {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	for _, date := range dates {
		want := expected[date]
		if want == 0 {
			continue
		}

		found, err := countParquet(filepath.Join(localRoot, "type="+string(typ), "date="+date))
		if err != nil {
			return report, err
		}

		entry := Entry{Date: date, Expected: want, Found: found}
		switch {
		case found == want:
			report.Complete = append(report.Complete, entry)
		case found > want:
			report.Surplus = append(report.Surplus, entry)
		default:
			report.Incomplete = append(report.Incomplete, entry)
		}
	}
	return report, nil
}

func countParquet(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".parquet") {
			n++
		}
	}
	return n, nil
}
