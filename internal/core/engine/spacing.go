package engine

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMinSpacing is the minimum gap between two dispatched calls.
const DefaultMinSpacing = 100 * time.Millisecond

// SpacingGate enforces a minimum interval between consecutive dispatches,
// independent of priority and of the window limiter.
type SpacingGate struct {
	limiter *rate.Limiter
	spacing time.Duration
}

// NewSpacingGate returns a gate admitting one call per spacing. A spacing of
// zero or less disables the gate.
func NewSpacingGate(spacing time.Duration) *SpacingGate {
	if spacing <= 0 {
		return &SpacingGate{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &SpacingGate{limiter: rate.NewLimiter(rate.Every(spacing), 1), spacing: spacing}
}

// Wait blocks until the next call may proceed.
func (g *SpacingGate) Wait(ctx context.Context) error {
	if g == nil || g.limiter == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return g.limiter.Wait(ctx)
}

// Spacing returns the configured minimum gap.
func (g *SpacingGate) Spacing() time.Duration {
	if g == nil {
		return 0
	}
	return g.spacing
}
