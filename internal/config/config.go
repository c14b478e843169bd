// Package config defines the explicit configuration passed to every
// component at construction. Values come from a YAML file when one is given,
// with environment variables filling credentials and common overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atlasview/optly-pipeline/internal/partition"
)

// Static errors for configuration validation.
var (
	ErrAccountIDRequired     = errors.New("account id is required (or provide an explicit source prefix)")
	ErrOutDirRequired        = errors.New("output directory is required")
	ErrStartDateInvalid      = errors.New("invalid start date, expected YYYY-MM-DD")
	ErrEndDateInvalid        = errors.New("invalid end date, expected YYYY-MM-DD")
	ErrBatchSizeInvalid      = errors.New("batch size must be between 1 and 10000")
	ErrWorkersInvalid        = errors.New("workers must be between 1 and 64")
	ErrWriteModeInvalid      = errors.New("write mode must be one of: append, truncate")
	ErrStagingBucketRequired = errors.New("staging bucket is required when staging is enabled")
	ErrWarehouseIncomplete   = errors.New("warehouse project, dataset and table are all required for loading")
)

// Config is the full pipeline configuration.
type Config struct {
	AccountID      string `yaml:"account_id"`
	DataType       string `yaml:"data_type"`
	StartDate      string `yaml:"start_date"`
	EndDate        string `yaml:"end_date"`
	RequireSuccess bool   `yaml:"require_success"`
	DryRun         bool   `yaml:"dry_run"`

	Source     SourceConfig     `yaml:"source"`
	Local      LocalConfig      `yaml:"local"`
	Staging    StagingConfig    `yaml:"staging"`
	Warehouse  WarehouseConfig  `yaml:"warehouse"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Retry      RetryConfig      `yaml:"retry"`
	Progress   ProgressConfig   `yaml:"progress"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// SourceConfig locates the upstream export bucket.
type SourceConfig struct {
	Mode       string `yaml:"mode"`        // "s3" | "local"
	Bucket     string `yaml:"bucket"`      // export bucket; may come from the auth API s3Path hint
	BasePrefix string `yaml:"base_prefix"` // overrides v1/account_id=<id>/ when set
	Region     string `yaml:"region"`
	LocalPath  string `yaml:"local_path"` // for mode=local

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig configures the export credentials API.
type AuthConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Token    string        `yaml:"-"` // always from OPTIMIZELY_PAT, never from file
	Duration string        `yaml:"duration"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LocalConfig controls the local download mirror.
type LocalConfig struct {
	OutDir  string `yaml:"out_dir"`
	Workers int    `yaml:"workers"`
}

// StagingConfig controls the optional GCS staging step.
type StagingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
}

// WarehouseConfig identifies the BigQuery destination.
type WarehouseConfig struct {
	ProjectID     string `yaml:"project_id"`
	Dataset       string `yaml:"dataset"`
	Table         string `yaml:"table"`
	Location      string `yaml:"location"`
	WriteMode     string `yaml:"write_mode"` // "append" | "truncate"
	BatchSize     int    `yaml:"batch_size"`
	MaxBatchBytes int64  `yaml:"max_batch_bytes"` // 0 = no byte threshold
}

// CheckpointConfig controls resume state persistence.
type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// CatalogConfig configures the optional Postgres load-history catalog.
type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RetryConfig bounds the shared retry policy.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`
}

// ProgressConfig controls where per-batch progress records are written.
type ProgressConfig struct {
	Dir string `yaml:"dir"` // empty = log only
}

// LoggingConfig mirrors logging.Config without importing it.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the configuration used before file and environment
// overrides are applied.
func Default() Config {
	return Config{
		DataType:       string(partition.Decisions),
		RequireSuccess: true,
		Source: SourceConfig{
			Mode:   "s3",
			Region: "us-east-1",
			Auth: AuthConfig{
				Endpoint: "https://api.optimizely.com/v2/export/credentials",
				Duration: "1h",
				Timeout:  30 * time.Second,
			},
		},
		Local: LocalConfig{
			OutDir:  "downloads",
			Workers: 4,
		},
		Staging: StagingConfig{
			Prefix: "events/",
		},
		Warehouse: WarehouseConfig{
			Location:  "EU",
			WriteMode: "append",
			// BigQuery allows up to 10,000 URIs per load job; stay well under.
			BatchSize: 9000,
		},
		Checkpoint: CheckpointConfig{
			Enabled: true,
			Dir:     ".checkpoints",
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			InitialBackoffMs: 500,
			MaxBackoffMs:     10000,
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, and the
// environment, in that order of precedence (environment wins).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays the environment variables the operational runbooks use.
func (c *Config) applyEnv() {
	c.Source.Auth.Token = getenvDefault("OPTIMIZELY_PAT", c.Source.Auth.Token)
	c.AccountID = getenvDefault("OPTIMIZELY_ACCOUNT_ID", c.AccountID)
	c.Source.Bucket = getenvDefault("S3_BUCKET", c.Source.Bucket)
	c.Source.BasePrefix = getenvDefault("S3_PREFIX", c.Source.BasePrefix)
	c.Source.Region = getenvDefault("AWS_REGION", c.Source.Region)
	c.Local.OutDir = getenvDefault("LOCAL_DIR", c.Local.OutDir)
	c.Staging.Bucket = getenvDefault("GCS_BUCKET", c.Staging.Bucket)
	c.Staging.Prefix = getenvDefault("GCS_PREFIX", c.Staging.Prefix)
	c.Warehouse.ProjectID = getenvDefault("GCP_PROJECT_ID", c.Warehouse.ProjectID)
	c.Warehouse.Dataset = getenvDefault("BQ_DATASET", c.Warehouse.Dataset)
	c.Warehouse.Table = getenvDefault("BQ_TABLE", c.Warehouse.Table)
	c.Warehouse.Location = getenvDefault("BQ_LOCATION", c.Warehouse.Location)
	c.Catalog.PostgresDSN = getenvDefault("CATALOG_DSN", c.Catalog.PostgresDSN)

	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			c.Warehouse.BatchSize = parsed
		}
	}
}

// BasePrefix resolves the account base prefix for the export bucket.
func (c Config) BasePrefix() string {
	if c.Source.BasePrefix != "" {
		p := c.Source.BasePrefix
		if p[len(p)-1] != '/' {
			p += "/"
		}
		return p
	}
	return partition.AccountBase(c.AccountID)
}

// DateRange parses and validates the configured date range.
func (c Config) DateRange() (start, end time.Time, err error) {
	start, err = partition.Day(c.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrStartDateInvalid, c.StartDate)
	}
	end, err = partition.Day(c.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrEndDateInvalid, c.EndDate)
	}
	return start, end, nil
}

// Validate checks the configuration for a fetch-capable run. Warehouse and
// staging fields are validated only when their step is in play.
func (c Config) Validate() error {
	if c.AccountID == "" && c.Source.BasePrefix == "" && c.Source.Mode == "s3" {
		return ErrAccountIDRequired
	}
	if c.Local.OutDir == "" {
		return ErrOutDirRequired
	}
	if _, err := partition.ParseDataType(c.DataType); err != nil {
		return err
	}
	if _, _, err := c.DateRange(); err != nil {
		return err
	}
	if c.Local.Workers < 1 || c.Local.Workers > 64 {
		return ErrWorkersInvalid
	}
	if c.Warehouse.BatchSize < 1 || c.Warehouse.BatchSize > 10000 {
		return ErrBatchSizeInvalid
	}
	switch c.Warehouse.WriteMode {
	case "append", "truncate":
	default:
		return ErrWriteModeInvalid
	}
	if c.Staging.Enabled && c.Staging.Bucket == "" {
		return ErrStagingBucketRequired
	}
	return nil
}

// ValidateWarehouse checks the fields needed to submit load jobs.
func (c Config) ValidateWarehouse() error {
	if c.Warehouse.ProjectID == "" || c.Warehouse.Dataset == "" || c.Warehouse.Table == "" {
		return ErrWarehouseIncomplete
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
