package packagestd

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"workforge/internal/module"
)

func TestRun_ZipsBundleFiles(t *testing.T) {
	srcDir := t.TempDir()
	fileA := filepath.Join(srcDir, "a.txt")
	fileB := filepath.Join(srcDir, "b.txt")
	if err := os.WriteFile(fileA, []byte("alpha"), 0o644); err != nil {
		t.Fatalf("writing a.txt: %v", err)
	}
	if err := os.WriteFile(fileB, []byte("beta"), 0o644); err != nil {
		t.Fatalf("writing b.txt: %v", err)
	}

	outDir := t.TempDir()
	outcome, err := Run(context.Background(), map[string]any{"bundle": []any{fileA, fileB}}, outDir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Status != module.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %v", outcome.Status)
	}

	zipPath := filepath.Join(outDir, "bundle.zip")
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatalf("opening bundle.zip: %v", err)
	}
	defer r.Close()
	if len(r.File) != 2 {
		t.Errorf("expected 2 files in bundle.zip, got %d", len(r.File))
	}
}

func TestRun_InvalidBundleFails(t *testing.T) {
	outcome, err := Run(context.Background(), map[string]any{"bundle": "not-a-list"}, t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Status != module.StatusFailed {
		t.Errorf("expected FAILED for invalid bundle, got %v", outcome.Status)
	}
}

func TestRegister_InstallsUnderModuleID(t *testing.T) {
	reg := module.NewRegistry()
	Register(reg)
	if !reg.Has(ModuleID) {
		t.Errorf("expected %q to be registered", ModuleID)
	}
}
