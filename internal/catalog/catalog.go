// Package catalog records load history in PostgreSQL so operators can query
// what was loaded when, independent of the warehouse's own job history.
package catalog

import (
	"context"
	"time"
)

// BatchRecord is one submitted load batch.
type BatchRecord struct {
	RunID     string
	AccountID string
	DataType  string
	BatchID   string
	JobID     string
	FileCount int
	ByteSize  int64
	RowCount  int64
	LoadedAt  time.Time
}

// Writer persists load history.
type Writer interface {
	RecordBatch(ctx context.Context, rec BatchRecord) error
	Close() error
}

// NewWriter returns a Postgres-backed writer when a DSN is configured, else
// a no-op writer.
func NewWriter(ctx context.Context, postgresDSN string) (Writer, error) {
	if postgresDSN == "" {
		return noopWriter{}, nil
	}
	return newPostgresWriter(ctx, postgresDSN)
}

type noopWriter struct{}

func (noopWriter) RecordBatch(context.Context, BatchRecord) error { return nil }
func (noopWriter) Close() error                                   { return nil }
