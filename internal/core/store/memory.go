package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const driverMemory = "memory"

// MemoryKV is a process-local Backend used for tests and ephemeral runs.
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string]Entry
	Clock   func() time.Time
}

var _ Backend = (*MemoryKV)(nil)

// NewMemoryKV returns an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]Entry)}
}

func (m *MemoryKV) now() time.Time {
	if m.Clock != nil {
		return m.Clock().UTC()
	}
	return time.Now().UTC()
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	return entry.Value, ok, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = Entry{Key: key, Value: value, UpdatedAt: m.now()}
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []string{}
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryKV) Close() error { return nil }

func (m *MemoryKV) Driver() string { return driverMemory }

func (m *MemoryKV) ListEntries(_ context.Context, q KeyQuery) ([]Entry, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := []Entry{}
	for key, entry := range m.entries {
		if q.Match(key) {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (m *MemoryKV) CountEntries(ctx context.Context, q KeyQuery) (int, error) {
	entries, err := m.ListEntries(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (m *MemoryKV) DeleteEntries(_ context.Context, q KeyQuery) (int64, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for key := range m.entries {
		if q.Match(key) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}
