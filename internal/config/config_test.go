package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() config should validate, got %v", err)
	}
}

func TestValidateRejectsBadDimension(t *testing.T) {
	cfg := Default()
	cfg.Vector.Dimension = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero dimension")
	}
}

func TestValidateRejectsBadDamping(t *testing.T) {
	cfg := Default()
	cfg.Retrieval.Damping = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for damping out of (0,1)")
	}
}

func TestLoadFillsDefaultsForOmittedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("vector:\n  dimension: 8\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Vector.Dimension != 8 {
		t.Fatalf("expected overridden dimension 8, got %d", cfg.Vector.Dimension)
	}
	if cfg.Retrieval.Damping != Default().Retrieval.Damping {
		t.Fatalf("expected default damping to survive a partial config file")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
