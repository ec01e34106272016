// Package cacheindex implements the Cache Index: a pure, CSV-backed
// record of downstream references (evidence archives, packaged
// artifacts) with TTLs configured by (place, type), following the same
// in-memory-map-plus-mutex-plus-atomic-flush shape as the Ledger.
package cacheindex

import (
	"sort"
	"sync"
	"time"

	"workforge/internal/csvio"
	"workforge/internal/ids"
	"workforge/internal/werrors"
)

// Entry is one downstream reference record.
type Entry struct {
	Place     string
	Type      string
	Ref       string
	CreatedAt time.Time
	ExpiresAt time.Time
}

var headers = []string{"place", "type", "ref", "created_at", "expires_at"}

// Index holds cache entries for one process run.
type Index struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	entries []Entry
}

// New constructs an empty Index that will flush to path.
func New(path string) *Index {
	return &Index{path: path, now: func() time.Time { return time.Now().UTC() }}
}

// Load reads path (if present) into a new Index.
func Load(path string) (*Index, error) {
	idx := New(path)
	rows, _, err := csvio.ReadRows(path)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		createdAt, err := time.Parse(time.RFC3339, row["created_at"])
		if err != nil {
			return nil, werrors.Wrap(werrors.KindInfra, err, "parsing cache index created_at")
		}
		expiresAt, err := time.Parse(time.RFC3339, row["expires_at"])
		if err != nil {
			return nil, werrors.Wrap(werrors.KindInfra, err, "parsing cache index expires_at")
		}
		idx.entries = append(idx.entries, Entry{
			Place: row["place"], Type: row["type"], Ref: row["ref"],
			CreatedAt: createdAt, ExpiresAt: expiresAt,
		})
	}
	return idx, nil
}

// Register records a new entry for (place, type, ref) with an
// expiry computed from ttl. It does not deduplicate: each registration
// (e.g. one evidence archive per run) is its own record.
func (idx *Index) Register(place, typ, ref string, ttl time.Duration) Entry {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := idx.now()
	entry := Entry{Place: place, Type: typ, Ref: ref, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	idx.entries = append(idx.entries, entry)
	return entry
}

// Active returns every non-expired entry for (place, type), most
// recently created first.
func (idx *Index) Active(place, typ string, at time.Time) []Entry {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var out []Entry
	for _, e := range idx.entries {
		if e.Place == place && e.Type == typ && e.ExpiresAt.After(at) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Flush writes every entry to path atomically, sorted for determinism.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	sorted := make([]Entry, len(idx.entries))
	copy(sorted, idx.entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Place != sorted[j].Place {
			return sorted[i].Place < sorted[j].Place
		}
		if sorted[i].Type != sorted[j].Type {
			return sorted[i].Type < sorted[j].Type
		}
		return sorted[i].Ref < sorted[j].Ref
	})

	rows := make([]map[string]string, len(sorted))
	for i, e := range sorted {
		rows[i] = map[string]string{
			"place":      e.Place,
			"type":       e.Type,
			"ref":        e.Ref,
			"created_at": ids.FormatTimestamp(e.CreatedAt),
			"expires_at": ids.FormatTimestamp(e.ExpiresAt),
		}
	}
	return csvio.WriteRows(idx.path, headers, rows)
}
