// Command optly-pipeline downloads Optimizely enriched-event exports,
// stages them to a bucket, and loads them into BigQuery in resumable
// batches.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/atlasview/optly-pipeline/internal/catalog"
	"github.com/atlasview/optly-pipeline/internal/checkpoint"
	"github.com/atlasview/optly-pipeline/internal/config"
	"github.com/atlasview/optly-pipeline/internal/export"
	"github.com/atlasview/optly-pipeline/internal/loader"
	"github.com/atlasview/optly-pipeline/internal/logging"
	"github.com/atlasview/optly-pipeline/internal/metrics"
	"github.com/atlasview/optly-pipeline/internal/pipeline"
	"github.com/atlasview/optly-pipeline/internal/progress"
	"github.com/atlasview/optly-pipeline/internal/retry"
	"github.com/atlasview/optly-pipeline/internal/stager"
)

var (
	// Version is set at build time.
	Version = "dev"

	flagConfig        string
	flagAccountID     string
	flagDataType      string
	flagStartDate     string
	flagEndDate       string
	flagOutDir        string
	flagBatchSize     int
	flagDryRun        bool
	flagIgnoreSuccess bool
	flagNoResume      bool
	flagLogFormat     string
	flagLogLevel      string
	flagMetricsAddr   string
)

func main() {
	root := &cobra.Command{
		Use:           "optly-pipeline",
		Short:         "Resumable Optimizely export downloader and warehouse loader",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "path to YAML config file")
	pf.StringVar(&flagAccountID, "account-id", "", "Optimizely account ID")
	pf.StringVar(&flagDataType, "type", "", "data type: decisions, events, or decisions-rerun")
	pf.StringVar(&flagStartDate, "start-date", "", "first date to process (YYYY-MM-DD)")
	pf.StringVar(&flagEndDate, "end-date", "", "last date to process (YYYY-MM-DD)")
	pf.StringVar(&flagOutDir, "out-dir", "", "local download directory")
	pf.IntVar(&flagBatchSize, "batch-size", 0, "files per warehouse load job")
	pf.BoolVar(&flagDryRun, "dry-run", false, "report what would happen without downloading or loading")
	pf.BoolVar(&flagIgnoreSuccess, "ignore-success", false, "process partitions without a _SUCCESS marker")
	pf.BoolVar(&flagNoResume, "no-resume", false, "ignore checkpoints and process everything")
	pf.StringVar(&flagLogFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(
		newStepCommand("run", "Fetch, stage, and load the configured date range", stepAll),
		newStepCommand("fetch", "Download export files to local disk only", stepFetch),
		newStepCommand("stage", "Download and stage files to the staging bucket", stepStage),
		newStepCommand("load", "Download, stage, and submit warehouse load jobs", stepAll),
		newAuditCommand(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

type step int

const (
	stepFetch step = iota
	stepStage
	stepAll
)

func newStepCommand(name, short string, s step) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStep(cmd.Context(), s)
		},
	}
}

func newAuditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Reconcile expected export file counts against local disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd.Context())
		},
	}
}

func runStep(parent context.Context, s step) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	if err := applyStep(&cfg, s); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDeps(ctx, cfg, s)
	if err != nil {
		return err
	}
	defer cleanup()

	p := pipeline.New(cfg, deps, slog.Default())
	summary, err := p.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("run %s: partitions=%d downloaded=%d skipped=%d failed=%d staged=%d %s\n",
		summary.RunID,
		summary.Partitions,
		summary.Downloaded,
		summary.SkippedFiles,
		summary.FailedFiles,
		summary.Staged,
		loader.Summarize(summary.Batches),
	)
	if len(summary.Errors) > 0 {
		for _, e := range summary.Errors {
			slog.Error("run error", "error", e)
		}
		return fmt.Errorf("run finished with %d error(s)", len(summary.Errors))
	}
	return nil
}

func runAudit(parent context.Context) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer src.Close()

	p := pipeline.New(cfg, pipeline.Deps{Source: src}, slog.Default())
	report, err := p.RunAudit(ctx)
	if err != nil {
		return err
	}

	for _, e := range report.Complete {
		fmt.Printf("complete    %s  %d/%d\n", e.Date, e.Found, e.Expected)
	}
	for _, e := range report.Surplus {
		fmt.Printf("surplus     %s  %d/%d\n", e.Date, e.Found, e.Expected)
	}
	for _, e := range report.Incomplete {
		fmt.Printf("incomplete  %s  %d/%d\n", e.Date, e.Found, e.Expected)
	}
	if len(report.Incomplete) > 0 {
		return fmt.Errorf("%d date(s) incomplete, %d file(s) missing", len(report.Incomplete), report.Missing())
	}
	return nil
}

// applyStep enforces what a subcommand needs beyond base validation. The
// stage command turns staging on rather than silently degrading to a
// fetch-only run when the config file left it disabled.
func applyStep(cfg *config.Config, s step) error {
	if s == stepStage {
		cfg.Staging.Enabled = true
		if cfg.Staging.Bucket == "" {
			return config.ErrStagingBucketRequired
		}
	}
	if s == stepAll && !cfg.DryRun {
		return cfg.ValidateWarehouse()
	}
	return nil
}

// setup loads configuration, applies flag overrides, and initializes
// logging and metrics.
func setup() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, err
	}

	if flagAccountID != "" {
		cfg.AccountID = flagAccountID
	}
	if flagDataType != "" {
		cfg.DataType = flagDataType
	}
	if flagStartDate != "" {
		cfg.StartDate = flagStartDate
	}
	if flagEndDate != "" {
		cfg.EndDate = flagEndDate
	}
	if flagOutDir != "" {
		cfg.Local.OutDir = flagOutDir
	}
	if flagBatchSize > 0 {
		cfg.Warehouse.BatchSize = flagBatchSize
	}
	if flagDryRun {
		cfg.DryRun = true
	}
	if flagIgnoreSuccess {
		cfg.RequireSuccess = false
	}
	if flagNoResume {
		cfg.Checkpoint.Enabled = false
	}
	if flagLogFormat != "" {
		cfg.Logging.Format = flagLogFormat
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagMetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = flagMetricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	slog.Info("optly-pipeline starting", "version", Version)

	if cfg.Metrics.Enabled {
		metrics.Init("optly_pipeline")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}
	return cfg, nil
}

// buildDeps wires the collaborators a step needs.
func buildDeps(ctx context.Context, cfg config.Config, s step) (pipeline.Deps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (pipeline.Deps, func(), error) {
		cleanup()
		return pipeline.Deps{}, func() {}, err
	}

	src, err := openSource(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() { src.Close() })

	runID := uuid.New().String()[:8]
	deps := pipeline.Deps{Source: src, RunID: runID}

	if cfg.Checkpoint.Enabled {
		ckpt, err := checkpoint.NewFileManager(cfg.Checkpoint.Dir, cfg.AccountID, cfg.DataType)
		if err != nil {
			return fail(err)
		}
		deps.Checkpoint = ckpt
	} else {
		deps.Checkpoint = checkpoint.NewNoopManager()
	}

	em, err := progress.New(cfg.Progress.Dir, runID, slog.Default())
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() { em.Close() })
	deps.Progress = em

	policy := retryPolicy(cfg)
	labels := metrics.Labels{AccountID: cfg.AccountID, DataType: cfg.DataType}

	if s >= stepStage && cfg.Staging.Enabled {
		st, err := stager.New(ctx, cfg.Staging.Bucket, cfg.Staging.Prefix, policy, slog.Default(), labels)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { st.Close() })
		deps.Stager = st
	}

	if s == stepAll && !cfg.DryRun {
		wh, err := loader.NewBigQuery(ctx,
			cfg.Warehouse.ProjectID,
			cfg.Warehouse.Dataset,
			cfg.Warehouse.Table,
			cfg.Warehouse.Location,
			cfg.Warehouse.WriteMode,
		)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { wh.Close() })
		deps.Warehouse = wh

		cat, err := catalog.NewWriter(ctx, cfg.Catalog.PostgresDSN)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { cat.Close() })
		deps.Catalog = cat
	}

	return deps, cleanup, nil
}

func openSource(ctx context.Context, cfg config.Config) (export.Source, error) {
	var auth *export.CredentialsClient
	if cfg.Source.Mode == "s3" {
		if cfg.Source.Auth.Token == "" {
			return nil, fmt.Errorf("OPTIMIZELY_PAT is not set")
		}
		auth = export.NewCredentialsClient(
			cfg.Source.Auth.Endpoint,
			cfg.Source.Auth.Token,
			cfg.Source.Auth.Duration,
			cfg.Source.Auth.Timeout,
		)
	}
	return export.New(ctx, export.Config{
		Mode:       cfg.Source.Mode,
		Bucket:     cfg.Source.Bucket,
		BasePrefix: cfg.BasePrefix(),
		Region:     cfg.Source.Region,
		LocalPath:  cfg.Source.LocalPath,
		Auth:       auth,
	})
}

func retryPolicy(cfg config.Config) retry.Policy {
	policy := retry.Default()
	if cfg.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Retry.MaxAttempts
	}
	return policy
}
