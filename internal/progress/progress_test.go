package progress

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestFileEmitterWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	em, err := New(dir, "run-1", nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	em.Emit(Record{RunID: "run-1", Kind: KindPartition, Partition: "decisions/2025-01-05", Downloaded: 3})
	em.Emit(Record{RunID: "run-1", Kind: KindBatch, BatchID: "batch-0001-abc", FileCount: 3, RowCount: 42})
	if err := em.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "progress_run-1.jsonl"))
	if err != nil {
		t.Fatalf("open progress file: %v", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("parse line: %v", err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Kind != KindPartition || records[0].Downloaded != 3 {
		t.Errorf("record 0 = %+v", records[0])
	}
	if records[1].BatchID != "batch-0001-abc" || records[1].RowCount != 42 {
		t.Errorf("record 1 = %+v", records[1])
	}
	if records[0].At.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestLogEmitterNoDir(t *testing.T) {
	em, err := New("", "run-2", nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	em.Emit(Record{RunID: "run-2", Kind: KindRun})
	if err := em.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
