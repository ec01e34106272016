// Package packagestd implements a minimal packaging module used as an
// in-process test fixture. Its only deliverable is the run-level
// artifact: it zips the files named in its "bundle" input into
// outputs_dir/bundle.zip.
package packagestd

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"workforge/internal/module"
)

// ModuleID is the catalog module_id this package registers under.
const ModuleID = "package_std"

// Run is the module entry point: it reads the "bundle" param, a list
// of file paths, and writes outputs_dir/bundle.zip containing them.
func Run(_ context.Context, params map[string]any, outputsDir string) (module.Outcome, error) {
	paths, err := collectPaths(params["bundle"])
	if err != nil {
		return module.Outcome{Status: module.StatusFailed, ReasonSlug: "invalid_bundle", RefundEligible: true}, nil
	}

	zipPath := filepath.Join(outputsDir, "bundle.zip")
	if err := writeZip(zipPath, paths); err != nil {
		return module.Outcome{}, fmt.Errorf("writing bundle.zip: %w", err)
	}

	return module.Outcome{
		Status:    module.StatusCompleted,
		OutputRef: zipPath,
		Metadata:  map[string]any{"file_count": len(paths)},
	}, nil
}

func collectPaths(raw any) ([]string, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("bundle must be a list of file paths")
	}
	paths := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("bundle entry is not a string path")
		}
		paths = append(paths, s)
	}
	sort.Strings(paths)
	return paths, nil
}

func writeZip(zipPath string, paths []string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()

	w := zip.NewWriter(out)
	for _, path := range paths {
		if err := addFile(w, path); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func addFile(w *zip.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer src.Close()

	entry, err := w.Create(filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, src)
	return err
}

// Register installs the package_std module into reg under ModuleID.
func Register(reg *module.Registry) {
	reg.Register(ModuleID, module.Func(Run))
}
