package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/quotaline/quotaline/internal/config"
)

const (
	driverLibsql = "libsql"
	driverSQLite = "sqlite"
)

// Store is the SQL implementation of Backend. Entries live in one
// kv_entries table; both drivers speak the SQLite dialect.
type Store struct {
	DB     *sql.DB
	driver string
}

// Open connects to the SQL store named by cfg.Driver and verifies it with a
// ping. Call Migrate before use.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		dsn string
		err error
	)
	switch driver {
	case "", driverSQLite, "sqlite3":
		driver = driverSQLite
		dsn, err = sqliteDSN(cfg.Path)
	case driverLibsql:
		dsn, err = libsqlDSN(cfg)
	default:
		return nil, fmt.Errorf("unsupported sql store driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if driver == driverSQLite {
		// One connection serializes writers and keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}
	if driver == driverSQLite {
		_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	}

	return &Store{DB: db, driver: driver}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Driver returns the SQL driver name.
func (s *Store) Driver() string {
	if s == nil {
		return ""
	}
	return s.driver
}

func sqliteDSN(path string) (string, error) {
	local, isURI, err := localPath(path)
	if err != nil {
		return "", err
	}
	if isURI {
		return strings.TrimSpace(path), nil
	}
	return local, nil
}

// libsqlDSN prefers a remote URL (with the auth token appended) over a
// local file path.
func libsqlDSN(cfg config.StoreConfig) (string, error) {
	if remote := strings.TrimSpace(cfg.URL); remote != "" {
		return withAuthToken(remote, cfg.AuthToken)
	}

	path := strings.TrimSpace(cfg.Path)
	if strings.HasPrefix(path, "libsql:") {
		return path, nil
	}
	local, isURI, err := localPath(path)
	if err != nil {
		return "", err
	}
	if isURI || local == ":memory:" {
		return strings.TrimSpace(path), nil
	}
	return "file:" + local, nil
}

// localPath resolves a filesystem path or file: URI, creating its parent
// directory. isURI reports whether raw was a file: URI.
func localPath(raw string) (local string, isURI bool, err error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "", false, errors.New("store path is required")
	case raw == ":memory:":
		return raw, false, nil
	case strings.HasPrefix(raw, "file:"):
		parsed, err := url.Parse(raw)
		if err != nil {
			return "", true, fmt.Errorf("invalid store path: %w", err)
		}
		local = parsed.Path
		if local == "" {
			local = parsed.Opaque
		}
		local = strings.TrimPrefix(local, "//")
		isURI = true
	default:
		local = filepath.Clean(raw)
	}

	if dir := filepath.Dir(local); dir != "." && dir != string(filepath.Separator) {
		// #nosec G301 -- data directories use 0755 for multi-user access compatibility
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", isURI, fmt.Errorf("create store directory: %w", err)
		}
	}
	return local, isURI, nil
}

func withAuthToken(dsn, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}
	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}
