package engine

import (
	"math"
	"sync"
	"time"

	"github.com/quotaline/quotaline/internal/core"
)

const (
	DefaultRateLimit    = 5
	DefaultRateInterval = time.Second
)

// minWait keeps a blocked drain loop from spinning on a zero wait.
const minWait = time.Millisecond

// WindowLimiter enforces at most Limit dispatches in any rolling Interval.
// It keeps the dispatch timestamps of the current interval (a sliding log).
type WindowLimiter struct {
	Clock func() time.Time

	mu     sync.Mutex
	window core.RateWindow
	margin float64
}

// NewWindowLimiter returns a limiter allowing limit dispatches per interval.
func NewWindowLimiter(limit int, interval time.Duration) *WindowLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if interval <= 0 {
		interval = DefaultRateInterval
	}
	return &WindowLimiter{window: core.RateWindow{Limit: limit, Interval: interval}}
}

// Allow reports whether a dispatch may happen now and, if not, how long to wait
// before checking again.
func (l *WindowLimiter) Allow() (bool, time.Duration) {
	if l == nil {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	if until := l.window.BackoffUntil; until != nil && now.Before(*until) {
		return false, atLeastMin(until.Sub(now))
	}

	limit := l.limitLocked()
	if len(l.window.Dispatched) < limit {
		return true, 0
	}

	// The oldest dispatch that keeps the log full must age out first.
	blocking := l.window.Dispatched[len(l.window.Dispatched)-limit]
	return false, atLeastMin(blocking.Add(l.window.Interval).Sub(now))
}

// Record notes a dispatch at the current time.
func (l *WindowLimiter) Record() {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)
	l.window.Dispatched = append(l.window.Dispatched, now)
}

// Record429 applies a backoff window from a 429 response.
func (l *WindowLimiter) Record429(retryAfter time.Duration) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.window.Last429At = &now
	if retryAfter > 0 {
		until := now.Add(retryAfter)
		if l.window.BackoffUntil == nil || until.After(*l.window.BackoffUntil) {
			l.window.BackoffUntil = &until
		}
	}
}

// ApplySafetyMargin adjusts the effective request limit by a ratio (0-1].
func (l *WindowLimiter) ApplySafetyMargin(margin float64) {
	if l == nil {
		return
	}
	if margin <= 0 || margin > 1 {
		return
	}
	l.mu.Lock()
	l.margin = margin
	l.mu.Unlock()
}

// Limit returns the effective limit after the safety margin.
func (l *WindowLimiter) Limit() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitLocked()
}

// Snapshot returns a copy of the current window.
func (l *WindowLimiter) Snapshot() core.RateWindow {
	if l == nil {
		return core.RateWindow{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(l.now())
	snap := l.window
	snap.Limit = l.limitLocked()
	snap.Dispatched = append([]time.Time(nil), l.window.Dispatched...)
	return snap
}

func (l *WindowLimiter) pruneLocked(now time.Time) {
	keep := 0
	for _, at := range l.window.Dispatched {
		if now.Sub(at) < l.window.Interval {
			l.window.Dispatched[keep] = at
			keep++
		}
	}
	l.window.Dispatched = l.window.Dispatched[:keep]

	if until := l.window.BackoffUntil; until != nil && !now.Before(*until) {
		l.window.BackoffUntil = nil
	}
}

func (l *WindowLimiter) limitLocked() int {
	limit := l.window.Limit
	if l.margin <= 0 || l.margin > 1 {
		return limit
	}
	adjusted := int(math.Floor(float64(limit) * l.margin))
	if adjusted < 1 {
		adjusted = 1
	}
	return adjusted
}

func (l *WindowLimiter) now() time.Time {
	if l != nil && l.Clock != nil {
		return l.Clock()
	}
	return time.Now().UTC()
}

func atLeastMin(d time.Duration) time.Duration {
	if d < minWait {
		return minWait
	}
	return d
}
