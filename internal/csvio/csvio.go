// Package csvio provides the append-only, atomically-flushed CSV table
// primitives shared by the Ledger Writer, the maintenance catalog
// loader, and the queue reader: write-to-temp-then-rename, ordered
// header rows, dict-shaped record access.
package csvio

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"workforge/internal/werrors"
)

// ReadRows reads a CSV file into ordered header->value maps. A missing
// file returns an empty slice, matching the maintenance catalog's
// "optional table" convention.
func ReadRows(path string) ([]map[string]string, []string, error) {
	//nolint:gosec // G304: path comes from trusted config/catalog locations
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, werrors.Wrap(werrors.KindInfra, err, "opening csv file "+path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, werrors.Wrap(werrors.KindInfra, err, "reading csv file "+path)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}

	headers := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(rec) {
				row[h] = rec[i]
			} else {
				row[h] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, headers, nil
}

// RequireHeaders validates that a CSV file exists and declares every
// header in required.
func RequireHeaders(path string, required []string) error {
	_, headers, err := ReadRows(path)
	if err != nil {
		return err
	}
	if headers == nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return werrors.Newf(werrors.KindInfra, "csv file not found: %s", path)
		}
	}
	present := make(map[string]bool, len(headers))
	for _, h := range headers {
		present[h] = true
	}
	var missing []string
	for _, h := range required {
		if !present[h] {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		return werrors.Newf(werrors.KindInfra, "csv %s missing headers %v", path, missing)
	}
	return nil
}

// WriteRows writes rows atomically: full contents are buffered, written
// to a temp file beside the target, fsynced, then renamed over the
// target. A rename failure leaves the prior file untouched.
func WriteRows(path string, headers []string, rows []map[string]string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return werrors.Wrap(werrors.KindInfra, err, "creating directory for "+path)
		}
	}

	tmp := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	//nolint:gosec // G304: path comes from trusted config/catalog locations
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return werrors.Wrap(werrors.KindInfra, err, "creating temp csv file for "+path)
	}

	w := csv.NewWriter(f)
	if err := w.Write(headers); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return werrors.Wrap(werrors.KindInfra, err, "writing csv header for "+path)
	}
	for _, row := range rows {
		record := make([]string, len(headers))
		for i, h := range headers {
			record[i] = row[h]
		}
		if err := w.Write(record); err != nil {
			f.Close()
			_ = os.Remove(tmp)
			return werrors.Wrap(werrors.KindInfra, err, "writing csv row for "+path)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return werrors.Wrap(werrors.KindInfra, err, "flushing csv writer for "+path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return werrors.Wrap(werrors.KindInfra, err, "fsyncing csv file for "+path)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return werrors.Wrap(werrors.KindInfra, err, "closing csv file for "+path)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return werrors.Wrap(werrors.KindInfra, err, "renaming csv file into place for "+path)
	}
	return nil
}
