package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quotaline/quotaline/internal/config"
)

func TestLibsqlDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.StoreConfig
		want string
	}{
		{"url with token", config.StoreConfig{URL: "libsql://example.turso.io", AuthToken: "token123"}, "libsql://example.turso.io?authToken=token123"},
		{"url keeps query", config.StoreConfig{URL: "libsql://example.turso.io?foo=bar", AuthToken: "token123"}, "libsql://example.turso.io?authToken=token123&foo=bar"},
		{"url wins over path", config.StoreConfig{URL: "libsql://db.turso.io", Path: "/tmp/ignored.db"}, "libsql://db.turso.io"},
		{"file uri", config.StoreConfig{Path: "file:./quotaline.db"}, "file:./quotaline.db"},
		{"memory", config.StoreConfig{Path: ":memory:"}, ":memory:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn, err := libsqlDSN(tt.cfg)
			require.NoError(t, err)
			require.Equal(t, tt.want, dsn)
		})
	}

	path := filepath.Join(t.TempDir(), "data", "quotaline.db")
	dsn, err := libsqlDSN(config.StoreConfig{Path: path})
	require.NoError(t, err)
	require.Equal(t, "file:"+path, dsn)
	require.DirExists(t, filepath.Dir(path))

	_, err = libsqlDSN(config.StoreConfig{})
	require.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "quotaline.db")

	dsn, err := sqliteDSN(path)
	require.NoError(t, err)
	require.Equal(t, path, dsn)
	require.DirExists(t, filepath.Join(dir, "nested"))

	uri := "file:" + filepath.Join(dir, "uri", "quotaline.db") + "?cache=shared"
	dsn, err = sqliteDSN(uri)
	require.NoError(t, err)
	require.Equal(t, uri, dsn)
	require.DirExists(t, filepath.Join(dir, "uri"))

	_, err = sqliteDSN("  ")
	require.Error(t, err)
}

func TestMigrateRecordsSchemaVersion(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "migrate.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	version, err := s.schemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, version)

	_, err = s.DB.ExecContext(ctx, `UPDATE schema_meta SET version = ? WHERE id = 1`, SchemaVersion+1)
	require.NoError(t, err)
	require.ErrorContains(t, s.Migrate(ctx), "newer than supported")
}

func TestOpenBackendRejectsUnknownDriver(t *testing.T) {
	_, err := OpenBackend(context.Background(), config.StoreConfig{Driver: "etcd"})
	require.Error(t, err)
}

func TestKeyQuery(t *testing.T) {
	require.Error(t, KeyQuery{}.Validate())
	require.NoError(t, KeyQuery{All: true}.Validate())

	q := KeyQuery{Prefix: "quota:"}
	require.True(t, q.Match("quota:alice:used"))
	require.False(t, q.Match("cache:alice:x"))

	exact := KeyQuery{Key: "quota:alice:used"}
	require.True(t, exact.Match("quota:alice:used"))
	require.False(t, exact.Match("quota:alice:used2"))
}

func TestPrefixArgsCountRunes(t *testing.T) {
	require.Equal(t, []any{7, "cache:é"}, prefixArgs("cache:é"))
}

// backendContract runs the shared KV and admin checks against any Backend.
func backendContract(t *testing.T, kv Backend) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, kv.Set(ctx, "cache:alice:/r?q=a_b", `{"a":1}`))
	require.NoError(t, kv.Set(ctx, "cache:axice:/r", `{}`))
	require.NoError(t, kv.Set(ctx, "quota:alice:used", "3"))
	require.NoError(t, kv.Set(ctx, "quota:alice:used", "4"))

	value, ok, err := kv.Get(ctx, "quota:alice:used")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "4", value)

	keys, err := kv.Keys(ctx, "cache:")
	require.NoError(t, err)
	require.Equal(t, []string{"cache:alice:/r?q=a_b", "cache:axice:/r"}, keys)

	// '_' must not act as a wildcard and prefixes are case-sensitive.
	keys, err = kv.Keys(ctx, "cache:a_ice")
	require.NoError(t, err)
	require.Empty(t, keys)
	keys, err = kv.Keys(ctx, "CACHE:")
	require.NoError(t, err)
	require.Empty(t, keys)

	count, err := kv.CountEntries(ctx, KeyQuery{Prefix: "cache:"})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	entries, err := kv.ListEntries(ctx, KeyQuery{Key: "quota:alice:used"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "4", entries[0].Value)
	require.False(t, entries[0].UpdatedAt.IsZero())

	removed, err := kv.DeleteEntries(ctx, KeyQuery{Prefix: "cache:"})
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)

	require.NoError(t, kv.Delete(ctx, "quota:alice:used"))
	require.NoError(t, kv.Delete(ctx, "quota:alice:used"))

	count, err = kv.CountEntries(ctx, KeyQuery{All: true})
	require.NoError(t, err)
	require.Zero(t, count)

	_, err = kv.ListEntries(ctx, KeyQuery{})
	require.Error(t, err)
}

func TestMemoryKV(t *testing.T) {
	backendContract(t, NewMemoryKV())
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	kv, err := OpenBackend(ctx, config.StoreConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	require.Equal(t, "sqlite", kv.Driver())
	backendContract(t, kv)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cfg := config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "quotaline.db")}

	first, err := OpenBackend(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "quota:bob:used", "7"))
	require.NoError(t, first.Close())

	second, err := OpenBackend(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	value, ok, err := second.Get(ctx, "quota:bob:used")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "7", value)
}

func TestNilStore(t *testing.T) {
	var s *Store
	_, _, err := s.Get(context.Background(), "k")
	require.Error(t, err)
	require.Error(t, s.Migrate(context.Background()))
	require.NoError(t, s.Close())
	require.Equal(t, "", s.Driver())
}
