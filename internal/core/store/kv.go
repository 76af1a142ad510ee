package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// KV is the durable key-value contract shared by cache and quota ledgers.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Admin exposes bulk inspection and reset of stored entries.
type Admin interface {
	ListEntries(ctx context.Context, q KeyQuery) ([]Entry, error)
	CountEntries(ctx context.Context, q KeyQuery) (int, error)
	DeleteEntries(ctx context.Context, q KeyQuery) (int64, error)
}

// Backend is a KV store that also supports admin queries.
type Backend interface {
	KV
	Admin
	Driver() string
}

// Entry is a stored key with its value and last write time.
type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

var _ Backend = (*Store)(nil)

// Get returns the stored value for key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.DB == nil {
		return "", false, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, errors.New("key is required")
	}

	var value string
	row := s.DB.QueryRowContext(ctx, `
		SELECT value
		FROM kv_entries
		WHERE key = ?
	`, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("fetch entry: %w", err)
	}

	return value, true, nil
}

// Set upserts value for key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("key is required")
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("store entry: %w", err)
	}

	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.DB.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, strings.TrimSpace(key)); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// Keys lists keys starting with prefix in lexical order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT key
		FROM kv_entries
		WHERE substr(key, 1, ?) = ?
		ORDER BY key
	`, prefixArgs(prefix)...)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan keys: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	return keys, nil
}

// prefixArgs binds an exact, case-sensitive prefix comparison.
func prefixArgs(prefix string) []any {
	return []any{utf8.RuneCountInString(prefix), prefix}
}
