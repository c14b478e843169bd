// Package progress emits per-step progress records so long backfills can be
// watched and post-processed. Records go to a JSONL file per run when a
// directory is configured, and always to the structured log.
package progress

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record kinds.
const (
	KindPartition = "partition"
	KindStage     = "stage"
	KindBatch     = "batch"
	KindRun       = "run"
)

// Record is one progress event.
type Record struct {
	RunID      string    `json:"run_id"`
	Kind       string    `json:"kind"`
	Partition  string    `json:"partition,omitempty"`
	BatchID    string    `json:"batch_id,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	FileCount  int       `json:"file_count,omitempty"`
	ByteSize   int64     `json:"byte_size,omitempty"`
	RowCount   int64     `json:"row_count,omitempty"`
	Downloaded int       `json:"downloaded,omitempty"`
	Skipped    int       `json:"skipped,omitempty"`
	Failed     int       `json:"failed,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Emitter receives progress records.
type Emitter interface {
	Emit(rec Record)
	Close() error
}

// New returns a file-backed emitter when dir is non-empty, else a log-only
// emitter.
func New(dir, runID string, logger *slog.Logger) (Emitter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return &logEmitter{logger: logger}, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create progress dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("progress_%s.jsonl", runID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open progress file: %w", err)
	}
	return &fileEmitter{file: f, logger: logger}, nil
}

type fileEmitter struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

func (e *fileEmitter) Emit(rec Record) {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	logRecord(e.logger, rec)

	data, err := json.Marshal(rec)
	if err != nil {
		e.logger.Error("marshal progress record", "error", err)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.file.Write(append(data, '\n')); err != nil {
		e.logger.Error("write progress record", "error", err)
	}
}

func (e *fileEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Close()
}

type logEmitter struct {
	logger *slog.Logger
}

func (e *logEmitter) Emit(rec Record) {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	logRecord(e.logger, rec)
}

func (e *logEmitter) Close() error { return nil }

func logRecord(logger *slog.Logger, rec Record) {
	attrs := []any{"run_id", rec.RunID, "kind", rec.Kind}
	if rec.Partition != "" {
		attrs = append(attrs, "partition", rec.Partition)
	}
	if rec.BatchID != "" {
		attrs = append(attrs, "batch_id", rec.BatchID)
	}
	if rec.JobID != "" {
		attrs = append(attrs, "job_id", rec.JobID)
	}
	if rec.FileCount > 0 {
		attrs = append(attrs, "files", rec.FileCount)
	}
	if rec.RowCount > 0 {
		attrs = append(attrs, "rows", rec.RowCount)
	}
	if rec.Error != "" {
		attrs = append(attrs, "error", rec.Error)
		logger.Warn("progress", attrs...)
		return
	}
	logger.Info("progress", attrs...)
}
