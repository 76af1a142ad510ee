// Package quota tracks daily usage budgets that reset at the UTC day boundary
// and survive restarts through the durable key-value store.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/quotaline/quotaline/internal/core"
	"github.com/quotaline/quotaline/internal/core/store"
)

// KeyPrefix namespaces quota records in the durable store.
const KeyPrefix = "quota:"

const (
	usedSuffix  = ":used"
	resetSuffix = ":last_reset"
)

// ledger is one persisted {used, last_reset} pair.
type ledger struct {
	scope       string
	base        string
	used        int
	windowStart time.Time
}

func newLedger(scope, base string, now time.Time) *ledger {
	return &ledger{scope: scope, base: base, windowStart: core.UTCDay(now)}
}

func (l *ledger) usedKey() string  { return l.base + usedSuffix }
func (l *ledger) resetKey() string { return l.base + resetSuffix }

// load reads persisted state; missing or unreadable values leave a zero ledger.
func (l *ledger) load(ctx context.Context, kv store.KV) error {
	if kv == nil {
		return nil
	}

	rawUsed, ok, err := kv.Get(ctx, l.usedKey())
	if err != nil {
		return fmt.Errorf("load quota %s: %w", l.scope, err)
	}
	if ok {
		if used, err := strconv.Atoi(strings.TrimSpace(rawUsed)); err == nil && used >= 0 {
			l.used = used
		}
	}

	rawReset, ok, err := kv.Get(ctx, l.resetKey())
	if err != nil {
		return fmt.Errorf("load quota %s: %w", l.scope, err)
	}
	if ok {
		if reset, err := time.Parse(time.RFC3339, strings.TrimSpace(rawReset)); err == nil {
			l.windowStart = core.UTCDay(reset)
		} else {
			// Without a valid reset stamp the count cannot be attributed to a day.
			l.used = 0
		}
	}
	return nil
}

// rollover resets usage when now falls on a later UTC day; it reports whether it did.
func (l *ledger) rollover(now time.Time) bool {
	if core.SameUTCDay(l.windowStart, now) {
		return false
	}
	l.used = 0
	l.windowStart = core.UTCDay(now)
	return true
}

func (l *ledger) persist(ctx context.Context, kv store.KV) error {
	if kv == nil {
		return nil
	}
	if err := kv.Set(ctx, l.usedKey(), strconv.Itoa(l.used)); err != nil {
		return fmt.Errorf("persist quota %s: %w", l.scope, err)
	}
	if err := kv.Set(ctx, l.resetKey(), l.windowStart.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("persist quota %s: %w", l.scope, err)
	}
	return nil
}

func (l *ledger) remove(ctx context.Context, kv store.KV) error {
	if kv == nil {
		return nil
	}
	if err := kv.Delete(ctx, l.usedKey()); err != nil {
		return fmt.Errorf("reset quota %s: %w", l.scope, err)
	}
	if err := kv.Delete(ctx, l.resetKey()); err != nil {
		return fmt.Errorf("reset quota %s: %w", l.scope, err)
	}
	return nil
}

func (l *ledger) status(limit int) core.QuotaStatus {
	remaining := limit - l.used
	if remaining < 0 {
		remaining = 0
	}
	return core.QuotaStatus{
		Scope:     l.scope,
		Used:      l.used,
		Limit:     limit,
		Remaining: remaining,
		ResetsAt:  l.windowStart.AddDate(0, 0, 1),
	}
}
