// Package secretstore implements the Secret Store (§4.16): a thin
// collaborator resolving a tenant-scoped (or platform-global) secret
// key to a value for the Preflight Gate and platform-input injection.
// Two backends satisfy the same Store interface so the Preflight Gate
// never depends on which one is configured.
package secretstore

import (
	"context"
	"fmt"
	"os"
	"strings"

	"workforge/internal/csvio"
	"workforge/pkg/config"
)

// Store resolves a secret key to a value. ok is false both when the
// key has no record and when the resolved value is a placeholder.
type Store interface {
	Resolve(ctx context.Context, tenantID, key string) (value string, ok bool)
}

// placeholder sentinels treated as "not actually set".
var placeholders = map[string]bool{
	"":         true,
	"CHANGEME": true,
}

func isPlaceholder(value string) bool {
	return placeholders[strings.TrimSpace(value)]
}

// IsPlaceholder reports whether value should be treated as an unset
// secret. Exported so other backends (e.g. pgmigrate's Postgres Store)
// apply the same placeholder rule.
func IsPlaceholder(value string) bool {
	return isPlaceholder(value)
}

func envOverrideKey(key string) string {
	return "WORKFORGE_SECRET_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// FileStore resolves secrets from a flat secrets.csv table, with OS
// environment variables taking precedence over the file (so an
// operator can override a single secret without editing the table).
type FileStore struct {
	// records is keyed by tenant_id + "\x1f" + key; tenant_id "" means
	// platform-global, consulted when no tenant-specific record exists.
	records map[string]string
}

// LoadFileStore reads secrets.csv (tenant_id,key,value) from path. A
// missing file yields an empty store (env overrides still apply).
func LoadFileStore(path string) (*FileStore, error) {
	rows, _, err := csvio.ReadRows(path)
	if err != nil {
		return nil, err
	}
	records := make(map[string]string, len(rows))
	for _, row := range rows {
		records[recordKey(row["tenant_id"], row["key"])] = row["value"]
	}
	return &FileStore{records: records}, nil
}

func recordKey(tenantID, key string) string {
	return tenantID + "\x1f" + key
}

// Resolve looks up an environment override first, then a
// tenant-specific file record, then a platform-global file record.
func (s *FileStore) Resolve(_ context.Context, tenantID, key string) (string, bool) {
	if v, ok := os.LookupEnv(envOverrideKey(key)); ok && !isPlaceholder(v) {
		return v, true
	}
	if v, ok := s.records[recordKey(tenantID, key)]; ok && !isPlaceholder(v) {
		return v, true
	}
	if v, ok := s.records[recordKey("", key)]; ok && !isPlaceholder(v) {
		return v, true
	}
	return "", false
}

// EnvStore resolves secrets purely from OS environment variables,
// with no tenant scoping. It backs the "env" secret_store.backend,
// the zero-config default for local runs and tests.
type EnvStore struct{}

func (EnvStore) Resolve(_ context.Context, _, key string) (string, bool) {
	v, ok := os.LookupEnv(envOverrideKey(key))
	if !ok || isPlaceholder(v) {
		return "", false
	}
	return v, true
}

// Opener constructs the Postgres-backed Store; it is supplied by the
// secretstore/pgmigrate package to avoid this package importing a
// database driver when the "postgres" backend is never selected.
type Opener func(ctx context.Context, cfg *config.PostgresConfig) (Store, error)

// Open builds the Store named by cfg.Backend. pgOpen is nil unless the
// caller has wired in secretstore/pgmigrate.Open; it is only invoked
// for the "postgres" backend.
func Open(ctx context.Context, cfg config.SecretStoreConfig, pgOpen Opener) (Store, error) {
	switch cfg.Backend {
	case "env", "":
		return EnvStore{}, nil
	case "file":
		return LoadFileStore(cfg.File.Path)
	case "postgres":
		if pgOpen == nil {
			return nil, fmt.Errorf("secretstore: postgres backend selected but no Postgres opener was wired in")
		}
		return pgOpen(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("secretstore: unknown backend %q", cfg.Backend)
	}
}
