// Package evidence implements the Evidence Archiver (§4.13): a
// deterministic zip-plus-manifest audit artifact collected from a
// workorder run's runtime output directory.
package evidence

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"workforge/internal/werrors"
)

const billingStateVersion = "1"

// ManifestFile is one archived file's path and content hash.
type ManifestFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Manifest is the sidecar JSON document written next to the zip.
type Manifest struct {
	BillingStateVersion string         `json:"billing_state_version"`
	Type                string         `json:"type"`
	TenantID            string         `json:"tenant_id"`
	WorkOrderID         string         `json:"work_order_id"`
	CreatedAt           time.Time      `json:"created_at"`
	ZipName             string         `json:"zip_name"`
	Files               []ManifestFile `json:"files"`
}

// Archive collects every file under runDir in lexicographic order and
// writes a DEFLATE zip plus a manifest to outDir, stamped with stamp (a
// caller-supplied, already-formatted string — Date.now-style clocks are
// not evaluated here). It returns the zip and manifest paths.
func Archive(runDir, outDir, tenantID, workOrderID, stamp string, now time.Time) (zipPath, manifestPath string, err error) {
	files, err := collectFiles(runDir)
	if err != nil {
		return "", "", err
	}

	base := fmt.Sprintf("runtime_evidence__tenant=%s__workorder=%s__%s", tenantID, workOrderID, stamp)
	zipName := base + ".zip"
	zipPath = filepath.Join(outDir, zipName)
	manifestPath = filepath.Join(outDir, base+"__manifest.json")

	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return "", "", werrors.Wrap(werrors.KindInfra, err, "creating evidence output directory")
	}

	manifestFiles, err := writeZip(zipPath, runDir, files, tenantID, workOrderID)
	if err != nil {
		return "", "", err
	}

	manifest := Manifest{
		BillingStateVersion: billingStateVersion,
		Type:                "runtime_evidence",
		TenantID:            tenantID,
		WorkOrderID:         workOrderID,
		CreatedAt:           now,
		ZipName:             zipName,
		Files:               manifestFiles,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", "", werrors.Wrap(werrors.KindInfra, err, "marshaling evidence manifest")
	}
	if err := writeAtomic(manifestPath, data); err != nil {
		return "", "", err
	}

	return zipPath, manifestPath, nil
}

func collectFiles(runDir string) ([]string, error) {
	var files []string
	err := filepath.Walk(runDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(runDir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, werrors.Wrap(werrors.KindInfra, err, "walking run directory "+runDir)
	}
	sort.Strings(files)
	return files, nil
}

func writeZip(zipPath, runDir string, files []string, tenantID, workOrderID string) ([]ManifestFile, error) {
	out, err := os.Create(zipPath)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindInfra, err, "creating evidence zip")
	}
	defer out.Close()

	w := zip.NewWriter(out)
	manifestFiles := make([]ManifestFile, 0, len(files))

	for _, rel := range files {
		srcPath := filepath.Join(runDir, rel)
		sum, err := sha256File(srcPath)
		if err != nil {
			w.Close()
			return nil, err
		}
		arcname := fmt.Sprintf("runtime_evidence/runs/%s/%s/%s", tenantID, workOrderID, filepath.ToSlash(rel))

		header := &zip.FileHeader{Name: arcname, Method: zip.Deflate}
		entry, err := w.CreateHeader(header)
		if err != nil {
			w.Close()
			return nil, werrors.Wrap(werrors.KindInfra, err, "creating zip entry "+arcname)
		}
		src, err := os.Open(srcPath)
		if err != nil {
			w.Close()
			return nil, werrors.Wrap(werrors.KindInfra, err, "opening "+srcPath)
		}
		if _, err := io.Copy(entry, src); err != nil {
			src.Close()
			w.Close()
			return nil, werrors.Wrap(werrors.KindInfra, err, "writing zip entry "+arcname)
		}
		src.Close()

		manifestFiles = append(manifestFiles, ManifestFile{Path: arcname, SHA256: sum})
	}

	if err := w.Close(); err != nil {
		return nil, werrors.Wrap(werrors.KindInfra, err, "closing evidence zip")
	}
	return manifestFiles, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", werrors.Wrap(werrors.KindInfra, err, "opening "+path)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", werrors.Wrap(werrors.KindInfra, err, "hashing "+path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeAtomic(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return werrors.Wrap(werrors.KindInfra, err, "writing temporary manifest file")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return werrors.Wrap(werrors.KindInfra, err, "renaming manifest file")
	}
	return nil
}
