package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// KeyQuery selects stored entries for admin listing and reset.
type KeyQuery struct {
	All    bool
	Key    string
	Prefix string
}

func (q KeyQuery) Validate() error {
	if q.All {
		return nil
	}
	if strings.TrimSpace(q.Key) != "" {
		return nil
	}
	if strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return errors.New("must specify --all, --key, or --prefix")
}

// Match reports whether key is selected by q.
func (q KeyQuery) Match(key string) bool {
	if q.All {
		return true
	}
	if exact := strings.TrimSpace(q.Key); exact != "" {
		return key == exact
	}
	prefix := strings.TrimSpace(q.Prefix)
	return prefix != "" && strings.HasPrefix(key, prefix)
}

func (q KeyQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}
	if key := strings.TrimSpace(q.Key); key != "" {
		return "WHERE key = ?", []any{key}, nil
	}
	prefix := strings.TrimSpace(q.Prefix)
	if prefix == "" {
		return "", nil, errors.New("prefix is required")
	}
	return "WHERE substr(key, 1, ?) = ?", prefixArgs(prefix), nil
}

func (s *Store) ListEntries(ctx context.Context, q KeyQuery) ([]Entry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT key, value, updated_at
		FROM kv_entries
		%s
		ORDER BY key
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	entries := []Entry{}
	for rows.Next() {
		var (
			key       string
			value     string
			updatedAt int64
		)
		if err := rows.Scan(&key, &value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan entries: %w", err)
		}
		entries = append(entries, Entry{Key: key, Value: value, UpdatedAt: time.Unix(updatedAt, 0).UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	return entries, nil
}

func (s *Store) CountEntries(ctx context.Context, q KeyQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM kv_entries
		%s
	`, where), args...)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}

func (s *Store) DeleteEntries(ctx context.Context, q KeyQuery) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM kv_entries
		%s
	`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("delete entries: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete entries: %w", err)
	}
	return affected, nil
}
