// Package queue reads the externally-written queue (§6.2): a flat CSV
// listing which work order documents are eligible to run.
package queue

import (
	"strconv"

	"workforge/internal/csvio"
	"workforge/internal/werrors"
)

// Entry is one queue row.
type Entry struct {
	TenantID     string
	WorkOrderID  string
	Enabled      bool
	ScheduleCron string
	Title        string
	Notes        string
	Path         string
}

// Load reads the queue CSV at path and returns its entries in file order.
func Load(path string) ([]Entry, error) {
	rows, _, err := csvio.ReadRows(path)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for i, row := range rows {
		enabled, err := strconv.ParseBool(row["enabled"])
		if err != nil {
			return nil, werrors.Wrap(werrors.KindValidation, err, "parsing enabled in queue row "+strconv.Itoa(i))
		}
		out = append(out, Entry{
			TenantID:     row["tenant_id"],
			WorkOrderID:  row["work_order_id"],
			Enabled:      enabled,
			ScheduleCron: row["schedule_cron"],
			Title:        row["title"],
			Notes:        row["notes"],
			Path:         row["path"],
		})
	}
	return out, nil
}

// Enabled filters entries down to those runnable right now.
func Enabled(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out
}
