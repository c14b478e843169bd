package loader

import (
	"context"
	"errors"
	"fmt"
	"os"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
)

// BigQueryWarehouse submits parquet load jobs to one destination table.
type BigQueryWarehouse struct {
	client   *bigquery.Client
	dataset  string
	table    string
	location string
	truncate bool
}

// NewBigQuery opens a client for the destination table. writeMode is
// "append" or "truncate".
func NewBigQuery(ctx context.Context, projectID, dataset, table, location, writeMode string) (*BigQueryWarehouse, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	return &BigQueryWarehouse{
		client:   client,
		dataset:  dataset,
		table:    table,
		location: location,
		truncate: writeMode == "truncate",
	}, nil
}

// LoadURIs runs one load job over staged gs:// URIs.
func (w *BigQueryWarehouse) LoadURIs(ctx context.Context, uris []string) (JobResult, error) {
	gcsRef := bigquery.NewGCSReference(uris...)
	gcsRef.SourceFormat = bigquery.Parquet

	loader := w.client.Dataset(w.dataset).Table(w.table).LoaderFrom(gcsRef)
	w.configure(loader)

	return w.run(ctx, loader)
}

// LoadFiles streams local files into the table, one job per file. Slower
// than URI loads, but keeps local-only runs working without a staging
// bucket.
func (w *BigQueryWarehouse) LoadFiles(ctx context.Context, paths []string) (JobResult, error) {
	var total JobResult
	for _, path := range paths {
		res, err := w.loadFile(ctx, path)
		if err != nil {
			return total, fmt.Errorf("load %s: %w", path, err)
		}
		total.JobID = res.JobID
		total.OutputRows += res.OutputRows
	}
	return total, nil
}

func (w *BigQueryWarehouse) loadFile(ctx context.Context, path string) (JobResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return JobResult{}, err
	}
	defer f.Close()

	src := bigquery.NewReaderSource(f)
	src.SourceFormat = bigquery.Parquet

	loader := w.client.Dataset(w.dataset).Table(w.table).LoaderFrom(src)
	w.configure(loader)

	return w.run(ctx, loader)
}

func (w *BigQueryWarehouse) configure(loader *bigquery.Loader) {
	loader.WriteDisposition = bigquery.WriteAppend
	if w.truncate {
		loader.WriteDisposition = bigquery.WriteTruncate
	}
	loader.CreateDisposition = bigquery.CreateIfNeeded
	loader.TimePartitioning = &bigquery.TimePartitioning{Type: bigquery.DayPartitioningType}
	if w.location != "" {
		loader.Location = w.location
	}
}

func (w *BigQueryWarehouse) run(ctx context.Context, loader *bigquery.Loader) (JobResult, error) {
	job, err := loader.Run(ctx)
	if err != nil {
		return JobResult{}, fmt.Errorf("submit load job: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return JobResult{JobID: job.ID()}, fmt.Errorf("wait for job %s: %w", job.ID(), err)
	}
	if err := status.Err(); err != nil {
		return JobResult{JobID: job.ID()}, fmt.Errorf("job %s failed: %w", job.ID(), err)
	}

	res := JobResult{JobID: job.ID()}
	if stats, ok := status.Statistics.Details.(*bigquery.LoadStatistics); ok {
		res.OutputRows = stats.OutputRows
	}
	return res, nil
}

// Close releases the client.
func (w *BigQueryWarehouse) Close() error {
	return w.client.Close()
}

// IsTransient reports whether a warehouse error is worth the single batch
// retry: rate limiting and server-side failures are, schema and permission
// errors are not.
func IsTransient(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	return false
}
