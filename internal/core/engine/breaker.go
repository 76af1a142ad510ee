package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/quotaline/quotaline/internal/core"
)

// BreakerState is the circuit breaker's position.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// String returns a human-readable state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
)

// Operation is a unit of backend work.
type Operation func(ctx context.Context) (json.RawMessage, error)

// BreakerSnapshot is a read-only view of breaker state.
type BreakerSnapshot struct {
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	FailureThreshold    int        `json:"failure_threshold"`
	ResetTimeout        string     `json:"reset_timeout"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}

// CircuitBreaker rejects calls after FailureThreshold consecutive failures and
// admits a single trial call once ResetTimeout has elapsed. OnStateChange runs
// with the breaker lock held and must not call back into the breaker.
type CircuitBreaker struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	Clock            func() time.Time
	OnStateChange    func(from, to BreakerState)

	mu            sync.Mutex
	state         BreakerState
	failures      int
	lastFailureAt time.Time
	trialInFlight bool
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	return &CircuitBreaker{FailureThreshold: threshold, ResetTimeout: resetTimeout}
}

// Execute runs op unless the breaker is rejecting calls. Any error from op
// counts as a failure.
func (b *CircuitBreaker) Execute(ctx context.Context, op Operation) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	trial, err := b.admit()
	if err != nil {
		return nil, err
	}

	// A panicking op is a failure; the trial slot must not stay taken.
	settled := false
	defer func() {
		if !settled {
			b.onFailure(trial)
		}
	}()

	payload, opErr := op(ctx)
	settled = true
	if opErr != nil {
		b.onFailure(trial)
		return nil, opErr
	}
	b.onSuccess(trial)
	return payload, nil
}

// admit decides whether a call may proceed and whether it is the half-open trial.
func (b *CircuitBreaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		elapsed := b.now().Sub(b.lastFailureAt)
		if elapsed < b.ResetTimeout {
			return false, core.NewCircuitOpen(b.ResetTimeout - elapsed)
		}
		b.transitionLocked(BreakerHalfOpen)
		b.trialInFlight = true
		return true, nil
	case BreakerHalfOpen:
		if b.trialInFlight {
			return false, core.NewCircuitOpen(0)
		}
		b.trialInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *CircuitBreaker) onSuccess(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	}
	b.failures = 0
	b.transitionLocked(BreakerClosed)
}

func (b *CircuitBreaker) onFailure(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureAt = b.now()

	if trial {
		b.trialInFlight = false
		b.transitionLocked(BreakerOpen)
		return
	}
	if b.state == BreakerClosed && b.failures >= b.FailureThreshold {
		b.transitionLocked(BreakerOpen)
	}
}

// State returns the current state. An open breaker whose timeout has elapsed
// still reports open until the next call admits the trial.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Snapshot returns a serializable view of the breaker.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		FailureThreshold:    b.FailureThreshold,
		ResetTimeout:        b.ResetTimeout.String(),
	}
	if !b.lastFailureAt.IsZero() {
		last := b.lastFailureAt
		snap.LastFailureAt = &last
	}
	return snap
}

// Reset forces the breaker closed.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trialInFlight = false
	b.lastFailureAt = time.Time{}
	b.transitionLocked(BreakerClosed)
}

func (b *CircuitBreaker) transitionLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}

func (b *CircuitBreaker) now() time.Time {
	if b != nil && b.Clock != nil {
		return b.Clock()
	}
	return time.Now().UTC()
}
