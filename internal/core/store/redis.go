package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/quotaline/quotaline/internal/config"
)

const driverRedis = "redis"

const (
	redisValueField   = "value"
	redisUpdatedField = "updated_at"
	redisScanCount    = 256
)

// RedisKV stores entries as hashes under "<namespace>:<key>".
type RedisKV struct {
	c         *redis.Client
	namespace string
}

var _ Backend = (*RedisKV)(nil)

// OpenRedis connects to the configured Redis server and verifies it with PING.
func OpenRedis(ctx context.Context, cfg config.StoreConfig) (*RedisKV, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("store.redis_addr is required when store.driver=redis")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.RedisDB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis store: %w", err)
	}

	return NewRedisKV(client, cfg.Namespace), nil
}

// NewRedisKV wraps an existing client.
func NewRedisKV(client *redis.Client, namespace string) *RedisKV {
	return &RedisKV{c: client, namespace: strings.TrimSpace(namespace)}
}

func (r *RedisKV) fullKey(key string) string {
	if r.namespace == "" {
		return key
	}
	return r.namespace + ":" + key
}

func (r *RedisKV) shortKey(full string) string {
	if r.namespace == "" {
		return full
	}
	return strings.TrimPrefix(full, r.namespace+":")
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	if r == nil || r.c == nil {
		return "", false, errors.New("store is not initialized")
	}
	value, err := r.c.HGet(ctx, r.fullKey(key), redisValueField).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("fetch entry: %w", err)
	}
	return value, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	if r == nil || r.c == nil {
		return errors.New("store is not initialized")
	}
	err := r.c.HSet(ctx, r.fullKey(key),
		redisValueField, value,
		redisUpdatedField, time.Now().UTC().Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("store entry: %w", err)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if r == nil || r.c == nil {
		return errors.New("store is not initialized")
	}
	if err := r.c.Del(ctx, r.fullKey(key)).Err(); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

func (r *RedisKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	if r == nil || r.c == nil {
		return nil, errors.New("store is not initialized")
	}
	full, err := r.scan(ctx, globEscape(r.fullKey(prefix))+"*")
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(full))
	for _, key := range full {
		keys = append(keys, r.shortKey(key))
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *RedisKV) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := r.c.Scan(ctx, cursor, pattern, redisScanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scan keys: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (r *RedisKV) Close() error {
	if r == nil || r.c == nil {
		return nil
	}
	return r.c.Close()
}

func (r *RedisKV) Driver() string { return driverRedis }

func (r *RedisKV) ListEntries(ctx context.Context, q KeyQuery) ([]Entry, error) {
	keys, err := r.selectKeys(ctx, q)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		fields, err := r.c.HGetAll(ctx, r.fullKey(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("list entries: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		entry := Entry{Key: key, Value: fields[redisValueField]}
		if raw, ok := fields[redisUpdatedField]; ok {
			if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
				entry.UpdatedAt = time.Unix(unix, 0).UTC()
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *RedisKV) CountEntries(ctx context.Context, q KeyQuery) (int, error) {
	keys, err := r.selectKeys(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (r *RedisKV) DeleteEntries(ctx context.Context, q KeyQuery) (int64, error) {
	keys, err := r.selectKeys(ctx, q)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, 0, len(keys))
	for _, key := range keys {
		full = append(full, r.fullKey(key))
	}
	removed, err := r.c.Del(ctx, full...).Result()
	if err != nil {
		return 0, fmt.Errorf("delete entries: %w", err)
	}
	return removed, nil
}

func (r *RedisKV) selectKeys(ctx context.Context, q KeyQuery) ([]string, error) {
	if r == nil || r.c == nil {
		return nil, errors.New("store is not initialized")
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if key := strings.TrimSpace(q.Key); key != "" && !q.All {
		n, err := r.c.Exists(ctx, r.fullKey(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("lookup entry: %w", err)
		}
		if n == 0 {
			return []string{}, nil
		}
		return []string{key}, nil
	}
	prefix := ""
	if !q.All {
		prefix = strings.TrimSpace(q.Prefix)
	}
	return r.Keys(ctx, prefix)
}

// globEscape quotes SCAN MATCH metacharacters.
func globEscape(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(s)
}
