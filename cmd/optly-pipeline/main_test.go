package main

import (
	"errors"
	"testing"

	"github.com/atlasview/optly-pipeline/internal/config"
)

func TestApplyStepStageRequiresBucket(t *testing.T) {
	cfg := config.Default()
	if err := applyStep(&cfg, stepStage); !errors.Is(err, config.ErrStagingBucketRequired) {
		t.Errorf("stage without bucket: err = %v, want ErrStagingBucketRequired", err)
	}

	cfg = config.Default()
	cfg.Staging.Bucket = "stage-bucket"
	if err := applyStep(&cfg, stepStage); err != nil {
		t.Fatalf("applyStep failed: %v", err)
	}
	if !cfg.Staging.Enabled {
		t.Error("stage command must force staging on")
	}
}

func TestApplyStepFetchLeavesStagingAlone(t *testing.T) {
	cfg := config.Default()
	if err := applyStep(&cfg, stepFetch); err != nil {
		t.Fatalf("applyStep failed: %v", err)
	}
	if cfg.Staging.Enabled {
		t.Error("fetch command must not enable staging")
	}
}

func TestApplyStepLoadRequiresWarehouse(t *testing.T) {
	cfg := config.Default()
	if err := applyStep(&cfg, stepAll); !errors.Is(err, config.ErrWarehouseIncomplete) {
		t.Errorf("load without warehouse: err = %v, want ErrWarehouseIncomplete", err)
	}

	cfg = config.Default()
	cfg.DryRun = true
	if err := applyStep(&cfg, stepAll); err != nil {
		t.Errorf("dry run should not require warehouse config: %v", err)
	}

	cfg = config.Default()
	cfg.Warehouse.ProjectID = "p"
	cfg.Warehouse.Dataset = "d"
	cfg.Warehouse.Table = "t"
	if err := applyStep(&cfg, stepAll); err != nil {
		t.Errorf("applyStep failed: %v", err)
	}
}
