package catalog

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"workforge/internal/csvio"
	"workforge/internal/werrors"
)

// RunDeliverable is the special deliverable id representing base module invocation.
const RunDeliverable = "__run__"

// priceRow is one row of a price table, in original insertion order.
type priceRow struct {
	moduleID      string
	deliverableID string
	credits       int
	effectiveFrom time.Time
	effectiveTo   *time.Time // nil = no upper bound
	active        bool
	order         int
}

// PriceBook resolves (module_id, deliverable_id, at) to a credit price.
type PriceBook struct {
	primary  []priceRow
	fallback []priceRow
}

// NewPriceBook returns an empty PriceBook (primary table only, no fallback).
func NewPriceBook() *PriceBook {
	return &PriceBook{}
}

// LoadPriceBook reads the primary price table and an optional
// repo-level fallback table. Both share the schema:
//
//	module_id,deliverable_id,credits,effective_from,effective_to,active
//
// effective_from/effective_to are RFC3339 timestamps; effective_to may
// be blank for "no upper bound". active is "true"/"false".
func LoadPriceBook(primaryPath, fallbackPath string) (*PriceBook, error) {
	primary, err := loadPriceRows(primaryPath)
	if err != nil {
		return nil, err
	}
	var fallback []priceRow
	if fallbackPath != "" {
		fallback, err = loadPriceRows(fallbackPath)
		if err != nil {
			return nil, err
		}
	}
	return &PriceBook{primary: primary, fallback: fallback}, nil
}

func loadPriceRows(path string) ([]priceRow, error) {
	rows, _, err := csvio.ReadRows(path)
	if err != nil {
		return nil, err
	}
	out := make([]priceRow, 0, len(rows))
	for i, row := range rows {
		credits, err := strconv.Atoi(strings.TrimSpace(row["credits"]))
		if err != nil {
			return nil, werrors.Wrap(werrors.KindValidation, err, "parsing credits in "+path)
		}
		from, err := time.Parse(time.RFC3339, row["effective_from"])
		if err != nil {
			return nil, werrors.Wrap(werrors.KindValidation, err, "parsing effective_from in "+path)
		}
		var to *time.Time
		if s := strings.TrimSpace(row["effective_to"]); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return nil, werrors.Wrap(werrors.KindValidation, err, "parsing effective_to in "+path)
			}
			to = &t
		}
		active := true
		if s := strings.TrimSpace(row["active"]); s != "" {
			active, err = strconv.ParseBool(s)
			if err != nil {
				return nil, werrors.Wrap(werrors.KindValidation, err, "parsing active in "+path)
			}
		}
		out = append(out, priceRow{
			moduleID:      row["module_id"],
			deliverableID: row["deliverable_id"],
			credits:       credits,
			effectiveFrom: from,
			effectiveTo:   to,
			active:        active,
			order:         i,
		})
	}
	return out, nil
}

// Price resolves (module_id, deliverable_id) at time `at`.
//
// Rules: inactive rows are ignored; rows outside [effective_from,
// effective_to] are ignored; among remaining rows the one with the
// latest effective_from wins; ties on effective_from are broken by
// input row order (first-listed-wins — an explicit, documented total
// order per spec.md §9's open question on tie-breaking). If no row in
// the primary table matches, the repo-level fallback table is
// consulted under the same rules. A miss after fallback is
// ErrMissingPrice.
func (pb *PriceBook) Price(moduleID, deliverableID string, at time.Time) (int, error) {
	if row, ok := selectPriceRow(pb.primary, moduleID, deliverableID, at); ok {
		return row.credits, nil
	}
	if row, ok := selectPriceRow(pb.fallback, moduleID, deliverableID, at); ok {
		return row.credits, nil
	}
	return 0, werrors.Wrap(werrors.KindMissingPrice, werrors.ErrMissingPrice,
		"no price for module "+moduleID+" deliverable "+deliverableID)
}

func selectPriceRow(rows []priceRow, moduleID, deliverableID string, at time.Time) (priceRow, bool) {
	var candidates []priceRow
	for _, r := range rows {
		if r.moduleID != moduleID || r.deliverableID != deliverableID {
			continue
		}
		if !r.active {
			continue
		}
		if at.Before(r.effectiveFrom) {
			continue
		}
		if r.effectiveTo != nil && at.After(*r.effectiveTo) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return priceRow{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].effectiveFrom.Equal(candidates[j].effectiveFrom) {
			return candidates[i].effectiveFrom.After(candidates[j].effectiveFrom)
		}
		return candidates[i].order < candidates[j].order
	})
	return candidates[0], true
}
