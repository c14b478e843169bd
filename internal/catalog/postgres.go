package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// postgresWriter implements Writer using PostgreSQL.
type postgresWriter struct {
	pool *pgxpool.Pool
}

func newPostgresWriter(ctx context.Context, dsn string) (*postgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &postgresWriter{pool: pool}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	slog.Info("connected to load catalog")
	return w, nil
}

// RecordBatch upserts one batch. Re-running a batch updates the existing row
// instead of duplicating it.
func (w *postgresWriter) RecordBatch(ctx context.Context, rec BatchRecord) error {
	query := `
		INSERT INTO load_batches (
			run_id, account_id, data_type, batch_id, job_id,
			file_count, byte_size, row_count, loaded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id, data_type, batch_id)
		DO UPDATE SET
			run_id = EXCLUDED.run_id,
			job_id = EXCLUDED.job_id,
			row_count = EXCLUDED.row_count,
			loaded_at = EXCLUDED.loaded_at
	`

	loadedAt := rec.LoadedAt
	if loadedAt.IsZero() {
		loadedAt = time.Now().UTC()
	}

	_, err := w.pool.Exec(ctx, query,
		rec.RunID,
		rec.AccountID,
		rec.DataType,
		rec.BatchID,
		rec.JobID,
		rec.FileCount,
		rec.ByteSize,
		rec.RowCount,
		loadedAt,
	)
	if err != nil {
		return fmt.Errorf("record batch %s: %w", rec.BatchID, err)
	}
	return nil
}

// Close releases database connections.
func (w *postgresWriter) Close() error {
	w.pool.Close()
	return nil
}
