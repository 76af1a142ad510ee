package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// migrations are applied in order; the index+1 of the last applied entry is
// recorded in schema_meta. Append only.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS kv_entries (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_entries_updated ON kv_entries(updated_at)`,
	},
}

// SchemaVersion is the version Migrate brings a database to.
var SchemaVersion = len(migrations)

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}

	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > SchemaVersion {
		return fmt.Errorf("store schema version %d is newer than supported version %d", current, SchemaVersion)
	}

	for version := current; version < SchemaVersion; version++ {
		for _, stmt := range migrations[version] {
			if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("store migration %d failed: %w", version+1, err)
			}
		}
		if _, err := s.DB.ExecContext(ctx,
			`INSERT INTO schema_meta (id, version) VALUES (1, ?)
			 ON CONFLICT(id) DO UPDATE SET version = excluded.version`, version+1); err != nil {
			return fmt.Errorf("record schema version %d: %w", version+1, err)
		}
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.DB.QueryRowContext(ctx, `SELECT version FROM schema_meta WHERE id = 1`).Scan(&version)
	switch {
	case err == nil:
		return version, nil
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	default:
		return 0, fmt.Errorf("read schema version: %w", err)
	}
}
