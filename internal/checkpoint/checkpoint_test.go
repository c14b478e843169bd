package checkpoint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMarksSurviveReload(t *testing.T) {
	dir := t.TempDir()

	m, err := NewFileManager(dir, "123", "decisions")
	if err != nil {
		t.Fatalf("NewFileManager failed: %v", err)
	}
	if m.IsComplete("decisions/2025-01-05") {
		t.Error("fresh checkpoint should have nothing complete")
	}
	if err := m.MarkComplete("decisions/2025-01-05"); err != nil {
		t.Fatalf("MarkComplete failed: %v", err)
	}
	if err := m.MarkBatchSubmitted("batch-0001-abc123"); err != nil {
		t.Fatalf("MarkBatchSubmitted failed: %v", err)
	}

	// Reload from disk.
	m2, err := NewFileManager(dir, "123", "decisions")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !m2.IsComplete("decisions/2025-01-05") {
		t.Error("partition mark lost on reload")
	}
	if !m2.IsBatchSubmitted("batch-0001-abc123") {
		t.Error("batch mark lost on reload")
	}
	if m2.IsComplete("decisions/2025-01-06") {
		t.Error("unmarked partition reported complete")
	}
}

func TestIdentityMismatchStartsFresh(t *testing.T) {
	dir := t.TempDir()

	m, err := NewFileManager(dir, "123", "decisions")
	if err != nil {
		t.Fatalf("NewFileManager failed: %v", err)
	}
	if err := m.MarkComplete("decisions/2025-01-05"); err != nil {
		t.Fatalf("MarkComplete failed: %v", err)
	}

	// Same file name only matches when account and type match; simulate a
	// corrupt identity by rewriting the account inside the document.
	path := filepath.Join(dir, "checkpoint_123_decisions.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	tampered := strings.Replace(string(data), `"123"`, `"999"`, 1)
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}

	m2, err := NewFileManager(dir, "123", "decisions")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if m2.IsComplete("decisions/2025-01-05") {
		t.Error("mismatched checkpoint should be discarded")
	}
}

func TestSeparateFilesPerTypeAndAccount(t *testing.T) {
	dir := t.TempDir()

	md, err := NewFileManager(dir, "123", "decisions")
	if err != nil {
		t.Fatalf("NewFileManager failed: %v", err)
	}
	me, err := NewFileManager(dir, "123", "events")
	if err != nil {
		t.Fatalf("NewFileManager failed: %v", err)
	}

	if err := md.MarkComplete("decisions/2025-01-05"); err != nil {
		t.Fatalf("MarkComplete failed: %v", err)
	}
	if me.IsComplete("decisions/2025-01-05") {
		t.Error("events checkpoint must not see decisions marks")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != 1 || names[0] != "checkpoint_123_decisions.json" {
		t.Errorf("unexpected files: %v", names)
	}
}

func TestNoLeftoverTempFiles(t *testing.T) {
	dir := t.TempDir()

	m, err := NewFileManager(dir, "123", "decisions")
	if err != nil {
		t.Fatalf("NewFileManager failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := m.MarkComplete("decisions/2025-01-0" + string(rune('1'+i))); err != nil {
			t.Fatalf("MarkComplete failed: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestNoopManager(t *testing.T) {
	m := NewNoopManager()
	if err := m.MarkComplete("x"); err != nil {
		t.Fatalf("MarkComplete failed: %v", err)
	}
	if m.IsComplete("x") {
		t.Error("noop manager must never report complete")
	}
	if err := m.MarkBatchSubmitted("b"); err != nil {
		t.Fatalf("MarkBatchSubmitted failed: %v", err)
	}
	if m.IsBatchSubmitted("b") {
		t.Error("noop manager must never report submitted")
	}
}
