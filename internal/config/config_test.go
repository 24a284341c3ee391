package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestValidateRejectsNonMonotonicOutputThresholds(t *testing.T) {
	cfg := Default()
	cfg.Output.StreamMaxRows = cfg.Output.InMemoryMaxRows - 1
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "threshold") {
		t.Fatalf("expected threshold error, got %v", err)
	}

	cfg = Default()
	cfg.Output.StreamMaxCells = cfg.Output.InMemoryMaxCells - 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected cell threshold error")
	}
}

func TestValidateRejectsZeroBatchSize(t *testing.T) {
	cfg := Default()
	cfg.Ingest.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected batch size error")
	}
}

func TestValidateRejectsZeroStepTimeout(t *testing.T) {
	cfg := Default()
	cfg.Validation.StepTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected step timeout error")
	}
}

func TestDatabaseDSN(t *testing.T) {
	dsn := Default().Database.DSN()
	for _, part := range []string{"host=localhost", "port=5432", "dbname=bulkstage", "sslmode=disable"} {
		if !strings.Contains(dsn, part) {
			t.Fatalf("dsn missing %q: %s", part, dsn)
		}
	}
}
