// Package pgmigrate applies the Secret Store's Postgres schema and
// opens the resulting pgx-backed secretstore.Store. The migration
// runner follows the same ordered-SQL-files-plus-tracking-table shape
// as the teacher's raw migration engine, trimmed to the single engine
// this store needs.
package pgmigrate

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/jackc/pgx/v5/stdlib"

	"workforge/internal/secretstore"
	"workforge/pkg/config"
)

const migrationsTable = `CREATE TABLE IF NOT EXISTS workforge_migrations (
	id VARCHAR(255) PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL DEFAULT NOW()
)`

// Migrate applies every *.sql file under migrationsPath, in
// lexicographic order, that is not yet recorded in
// workforge_migrations. Each file runs inside its own transaction.
func Migrate(ctx context.Context, db *sql.DB, migrationsPath string) error {
	if _, err := db.ExecContext(ctx, migrationsTable); err != nil {
		return fmt.Errorf("pgmigrate: ensuring tracking table: %w", err)
	}

	entries, err := os.ReadDir(migrationsPath)
	if err != nil {
		return fmt.Errorf("pgmigrate: reading migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		id := name
		applied, err := isApplied(ctx, db, id)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		sqlBytes, err := os.ReadFile(filepath.Join(migrationsPath, name))
		if err != nil {
			return fmt.Errorf("pgmigrate: reading %s: %w", name, err)
		}
		if err := applyMigration(ctx, db, id, string(sqlBytes)); err != nil {
			return fmt.Errorf("pgmigrate: applying %s: %w", name, err)
		}
	}
	return nil
}

func isApplied(ctx context.Context, db *sql.DB, id string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workforge_migrations WHERE id = $1`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("pgmigrate: checking %s: %w", id, err)
	}
	return count > 0, nil
}

func applyMigration(ctx context.Context, db *sql.DB, id, sqlText string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sqlText); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO workforge_migrations (id) VALUES ($1)`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Open applies pending migrations (if cfg.MigrationsPath is set) and
// returns a Store backed by the resulting secrets table. It is passed
// to secretstore.Open as the "postgres" backend's Opener.
func Open(ctx context.Context, cfg *config.PostgresConfig) (secretstore.Store, error) {
	dsn := os.Getenv(cfg.ConnectionEnv)
	if dsn == "" {
		return nil, fmt.Errorf("pgmigrate: environment variable %q is not set", cfg.ConnectionEnv)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgmigrate: opening connection: %w", err)
	}
	if cfg.MigrationsPath != "" {
		if err := Migrate(ctx, db, cfg.MigrationsPath); err != nil {
			return nil, err
		}
	}
	return &Store{db: db}, nil
}

// Store resolves secrets from a Postgres "secrets" table
// (tenant_id, key, value), preferring a tenant-specific row over a
// platform-global one (tenant_id = '').
type Store struct {
	db *sql.DB
}

func (s *Store) Resolve(ctx context.Context, tenantID, key string) (string, bool) {
	row := s.db.QueryRowContext(ctx, `
		SELECT value FROM secrets
		WHERE key = $1 AND (tenant_id = $2 OR tenant_id = '')
		ORDER BY tenant_id DESC
		LIMIT 1
	`, key, tenantID)

	var value string
	if err := row.Scan(&value); err != nil {
		return "", false
	}
	if secretstore.IsPlaceholder(value) {
		return "", false
	}
	return value, true
}
