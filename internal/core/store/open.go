package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/quotaline/quotaline/internal/config"
)

// OpenBackend opens and migrates the configured durable store.
func OpenBackend(ctx context.Context, cfg config.StoreConfig) (Backend, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case driverMemory:
		return NewMemoryKV(), nil
	case driverRedis:
		return OpenRedis(ctx, cfg)
	case "", driverSQLite, "sqlite3", driverLibsql:
		st, err := Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}
