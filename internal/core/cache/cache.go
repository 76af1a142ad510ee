// Package cache holds backend responses for a fixed TTL, with a durable
// write-through copy and a stale-read path for degraded operation.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/quotaline/quotaline/internal/core"
	"github.com/quotaline/quotaline/internal/core/store"
)

// KeyPrefix namespaces cache records in the durable store.
const KeyPrefix = "cache:"

// DefaultTTL is the freshness window applied when none is configured.
const DefaultTTL = 24 * time.Hour

// ResponseCache stores responses in memory and mirrors them to a KV store.
type ResponseCache struct {
	KV     store.KV
	TTL    time.Duration
	Clock  func() time.Time
	Logger *logging.Logger

	mu      sync.RWMutex
	entries map[string]*core.CacheEntry
}

// CleanupResult summarizes a sweep.
type CleanupResult struct {
	Scanned int `json:"scanned"`
	Removed int `json:"removed"`
}

// New builds a cache over kv; kv may be nil for a memory-only cache.
func New(kv store.KV, ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResponseCache{KV: kv, TTL: ttl, entries: make(map[string]*core.CacheEntry)}
}

// Key builds the cache key for a caller and a request URL.
func Key(callerID, requestURL string) string {
	return callerID + ":" + requestURL
}

// RequestKey builds the cache key for a normalized request against baseURL.
func RequestKey(baseURL string, req core.Request) string {
	return Key(req.CallerID, strings.TrimRight(baseURL, "/")+req.Path())
}

// Get returns the entry only while now - storedAt < ttl.
func (c *ResponseCache) Get(ctx context.Context, key string) (*core.CacheEntry, bool) {
	entry := c.lookup(ctx, key)
	if entry == nil || !entry.Fresh(c.now(), c.TTL) {
		return nil, false
	}
	clone := *entry
	return &clone, true
}

// GetStale returns the entry regardless of age and marks it stale.
func (c *ResponseCache) GetStale(ctx context.Context, key string) (*core.CacheEntry, bool) {
	entry := c.lookup(ctx, key)
	if entry == nil {
		return nil, false
	}

	marked := *entry
	marked.Stale = true

	c.mu.Lock()
	replaced := false
	if current, ok := c.entries[key]; !ok || current == entry {
		c.entries[key] = &marked
		replaced = true
	}
	c.mu.Unlock()

	if replaced && !entry.Stale {
		if err := c.persist(ctx, key, &marked); err != nil {
			c.warn("Cache stale mark not persisted", key, err)
		}
	}

	clone := marked
	return &clone, true
}

// Put overwrites the entry for key and stamps it with the current time.
// The memory copy is always replaced; the returned error reports durable write failures.
func (c *ResponseCache) Put(ctx context.Context, key string, payload json.RawMessage) error {
	if c == nil {
		return errors.New("cache is not initialized")
	}

	entry := &core.CacheEntry{
		Key:      key,
		Payload:  append(json.RawMessage(nil), payload...),
		StoredAt: c.now(),
	}

	c.mu.Lock()
	if c.entries == nil {
		c.entries = make(map[string]*core.CacheEntry)
	}
	c.entries[key] = entry
	c.mu.Unlock()

	return c.persist(ctx, key, entry)
}

// persist writes entry to durable storage, if any.
func (c *ResponseCache) persist(ctx context.Context, key string, entry *core.CacheEntry) error {
	if c.KV == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.KV.Set(ctx, KeyPrefix+key, string(raw)); err != nil {
		return fmt.Errorf("persist cache entry: %w", err)
	}
	return nil
}

// Evict removes key from memory and durable storage.
func (c *ResponseCache) Evict(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	if c.KV == nil {
		return nil
	}
	if err := c.KV.Delete(ctx, KeyPrefix+key); err != nil {
		return fmt.Errorf("evict cache entry: %w", err)
	}
	return nil
}

// Len reports the number of entries held in memory.
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Cleanup deletes expired entries from memory and expired or undecodable
// records from durable storage.
func (c *ResponseCache) Cleanup(ctx context.Context) (CleanupResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := c.now()
	result := CleanupResult{}

	c.mu.Lock()
	for key, entry := range c.entries {
		result.Scanned++
		if !entry.Fresh(now, c.TTL) {
			delete(c.entries, key)
			result.Removed++
		}
	}
	c.mu.Unlock()

	if c.KV == nil {
		return result, nil
	}

	keys, err := c.KV.Keys(ctx, KeyPrefix)
	if err != nil {
		return result, fmt.Errorf("list cache keys: %w", err)
	}

	for _, durableKey := range keys {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		raw, ok, err := c.KV.Get(ctx, durableKey)
		if err != nil {
			return result, fmt.Errorf("read cache entry: %w", err)
		}
		if !ok {
			continue
		}
		result.Scanned++

		var entry core.CacheEntry
		if err := json.Unmarshal([]byte(raw), &entry); err == nil && entry.Fresh(now, c.TTL) {
			continue
		}
		if err := c.KV.Delete(ctx, durableKey); err != nil {
			return result, fmt.Errorf("delete cache entry: %w", err)
		}
		result.Removed++
	}

	if c.Logger != nil {
		c.Logger.Info("Cache cleanup completed",
			zap.Int("scanned", result.Scanned),
			zap.Int("removed", result.Removed))
	}

	return result, nil
}

// lookup returns the memory entry, hydrating it from durable storage on a miss.
func (c *ResponseCache) lookup(ctx context.Context, key string) *core.CacheEntry {
	if c == nil {
		return nil
	}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return entry
	}

	if c.KV == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	raw, found, err := c.KV.Get(ctx, KeyPrefix+key)
	if err != nil {
		c.warn("Cache read from store failed", key, err)
		return nil
	}
	if !found {
		return nil
	}

	var loaded core.CacheEntry
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		c.warn("Cache entry in store is corrupt", key, err)
		return nil
	}
	loaded.Key = key

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]*core.CacheEntry)
	}
	if existing, ok := c.entries[key]; ok {
		return existing
	}
	c.entries[key] = &loaded
	return &loaded
}

func (c *ResponseCache) warn(msg, key string, err error) {
	if c.Logger == nil {
		return
	}
	c.Logger.Warn(msg, zap.String("key", key), zap.Error(err))
}

func (c *ResponseCache) now() time.Time {
	if c != nil && c.Clock != nil {
		return c.Clock()
	}
	return time.Now().UTC()
}
