package core

import "time"

// RateWindow captures the scheduler's sliding dispatch window.
type RateWindow struct {
	Limit        int
	Interval     time.Duration
	Dispatched   []time.Time
	BackoffUntil *time.Time
	Last429At    *time.Time
}

// Count returns the number of dispatches inside the window ending at now.
func (w RateWindow) Count(now time.Time) int {
	count := 0
	for _, at := range w.Dispatched {
		if now.Sub(at) < w.Interval {
			count++
		}
	}
	return count
}
