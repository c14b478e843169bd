package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.AccountID = "12345"
	cfg.StartDate = "2025-01-01"
	cfg.EndDate = "2025-01-31"
	return cfg
}

func TestValidateOK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"missing account", func(c *Config) { c.AccountID = "" }, ErrAccountIDRequired},
		{"missing out dir", func(c *Config) { c.Local.OutDir = "" }, ErrOutDirRequired},
		{"bad start date", func(c *Config) { c.StartDate = "01/01/2025" }, ErrStartDateInvalid},
		{"bad end date", func(c *Config) { c.EndDate = "never" }, ErrEndDateInvalid},
		{"batch size zero", func(c *Config) { c.Warehouse.BatchSize = 0 }, ErrBatchSizeInvalid},
		{"batch size over limit", func(c *Config) { c.Warehouse.BatchSize = 20000 }, ErrBatchSizeInvalid},
		{"workers zero", func(c *Config) { c.Local.Workers = 0 }, ErrWorkersInvalid},
		{"bad write mode", func(c *Config) { c.Warehouse.WriteMode = "merge" }, ErrWriteModeInvalid},
		{"staging without bucket", func(c *Config) { c.Staging.Enabled = true }, ErrStagingBucketRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBasePrefix(t *testing.T) {
	cfg := validConfig()
	if got := cfg.BasePrefix(); got != "v1/account_id=12345/" {
		t.Errorf("BasePrefix = %q", got)
	}

	cfg.Source.BasePrefix = "v1/account_id=999/custom"
	if got := cfg.BasePrefix(); got != "v1/account_id=999/custom/" {
		t.Errorf("BasePrefix should add trailing slash, got %q", got)
	}
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
account_id: "777"
data_type: events
start_date: "2025-02-01"
end_date: "2025-02-03"
warehouse:
  project_id: my-project
  dataset: optly
  table: events_raw
  batch_size: 500
`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("GCS_BUCKET", "env-bucket")
	t.Setenv("OPTIMIZELY_PAT", "secret-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.AccountID != "777" {
		t.Errorf("AccountID = %q", cfg.AccountID)
	}
	if cfg.Warehouse.BatchSize != 500 {
		t.Errorf("BatchSize = %d", cfg.Warehouse.BatchSize)
	}
	if cfg.Staging.Bucket != "env-bucket" {
		t.Errorf("env override not applied, Staging.Bucket = %q", cfg.Staging.Bucket)
	}
	if cfg.Source.Auth.Token != "secret-token" {
		t.Error("PAT should be read from environment")
	}
	// Defaults survive partial files.
	if cfg.Warehouse.WriteMode != "append" {
		t.Errorf("WriteMode default lost: %q", cfg.Warehouse.WriteMode)
	}
}
