package secretstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"workforge/pkg/config"
)

func writeSecretsCSV(t *testing.T, path string, rows [][3]string) {
	t.Helper()
	var sb []byte
	sb = append(sb, "tenant_id,key,value\n"...)
	for _, row := range rows {
		sb = append(sb, (row[0] + "," + row[1] + "," + row[2] + "\n")...)
	}
	if err := os.WriteFile(path, sb, 0o644); err != nil {
		t.Fatalf("writing secrets.csv: %v", err)
	}
}

func TestFileStore_ResolvesTenantSpecificOverGlobal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.csv")
	writeSecretsCSV(t, path, [][3]string{
		{"", "api_key", "global-value"},
		{"tenant-1", "api_key", "tenant-value"},
	})
	store, err := LoadFileStore(path)
	if err != nil {
		t.Fatalf("LoadFileStore: %v", err)
	}

	v, ok := store.Resolve(context.Background(), "tenant-1", "api_key")
	if !ok || v != "tenant-value" {
		t.Errorf("expected tenant-value, got %q ok=%v", v, ok)
	}

	v, ok = store.Resolve(context.Background(), "tenant-2", "api_key")
	if !ok || v != "global-value" {
		t.Errorf("expected global-value fallback, got %q ok=%v", v, ok)
	}
}

func TestFileStore_PlaceholderTreatedAsMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.csv")
	writeSecretsCSV(t, path, [][3]string{
		{"tenant-1", "api_key", "CHANGEME"},
	})
	store, err := LoadFileStore(path)
	if err != nil {
		t.Fatalf("LoadFileStore: %v", err)
	}

	if _, ok := store.Resolve(context.Background(), "tenant-1", "api_key"); ok {
		t.Error("expected placeholder value to resolve as missing")
	}
}

func TestFileStore_EnvOverrideTakesPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.csv")
	writeSecretsCSV(t, path, [][3]string{
		{"tenant-1", "api_key", "file-value"},
	})
	store, err := LoadFileStore(path)
	if err != nil {
		t.Fatalf("LoadFileStore: %v", err)
	}

	t.Setenv("WORKFORGE_SECRET_API_KEY", "env-value")
	v, ok := store.Resolve(context.Background(), "tenant-1", "api_key")
	if !ok || v != "env-value" {
		t.Errorf("expected env override, got %q ok=%v", v, ok)
	}
}

func TestFileStore_MissingFileIsEmptyStore(t *testing.T) {
	store, err := LoadFileStore(filepath.Join(t.TempDir(), "missing.csv"))
	if err != nil {
		t.Fatalf("LoadFileStore: %v", err)
	}
	if _, ok := store.Resolve(context.Background(), "tenant-1", "api_key"); ok {
		t.Error("expected no record to resolve from an empty store")
	}
}

func TestEnvStore_Resolve(t *testing.T) {
	t.Setenv("WORKFORGE_SECRET_WEBHOOK_TOKEN", "tok")
	store := EnvStore{}

	v, ok := store.Resolve(context.Background(), "any-tenant", "webhook_token")
	if !ok || v != "tok" {
		t.Errorf("expected tok, got %q ok=%v", v, ok)
	}
	if _, ok := store.Resolve(context.Background(), "any-tenant", "unset_key"); ok {
		t.Error("expected unset key to resolve as missing")
	}
}

func TestOpen_DefaultsToEnvBackend(t *testing.T) {
	store, err := Open(context.Background(), config.SecretStoreConfig{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := store.(EnvStore); !ok {
		t.Errorf("expected EnvStore for empty backend, got %T", store)
	}
}

func TestOpen_FileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.csv")
	writeSecretsCSV(t, path, [][3]string{{"tenant-1", "api_key", "v"}})

	store, err := Open(context.Background(), config.SecretStoreConfig{
		Backend: "file",
		File:    &config.FileSecrets{Path: path},
	}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Errorf("expected *FileStore, got %T", store)
	}
}

func TestOpen_PostgresWithoutOpenerErrors(t *testing.T) {
	_, err := Open(context.Background(), config.SecretStoreConfig{
		Backend:  "postgres",
		Postgres: &config.PostgresConfig{ConnectionEnv: "DATABASE_URL"},
	}, nil)
	if err == nil {
		t.Error("expected error when postgres backend requested without an Opener")
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.SecretStoreConfig{Backend: "bogus"}, nil)
	if err == nil {
		t.Error("expected error for unknown backend")
	}
}
