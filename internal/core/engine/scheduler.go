package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/quotaline/quotaline/internal/core"
)

// Scheduler dispatches operations one at a time in priority order, subject to
// the window limiter and the spacing gate.
type Scheduler struct {
	Limiter *WindowLimiter
	Gate    *SpacingGate
	Clock   func() time.Time
	Logger  *logging.Logger
	// OnDepth observes the queue length after every enqueue and dequeue.
	OnDepth func(depth int)

	sleep func(d time.Duration)

	mu       sync.Mutex
	queue    *binaryheap.Heap
	seq      uint64
	draining bool
}

type pendingRequest struct {
	priority   core.Priority
	seq        uint64
	enqueuedAt time.Time
	ctx        context.Context
	op         Operation
	done       chan scheduleResult
}

type scheduleResult struct {
	payload json.RawMessage
	err     error
}

// NewScheduler builds a scheduler over the given limiter and gate.
func NewScheduler(limiter *WindowLimiter, gate *SpacingGate) *Scheduler {
	if limiter == nil {
		limiter = NewWindowLimiter(DefaultRateLimit, DefaultRateInterval)
	}
	if gate == nil {
		gate = NewSpacingGate(DefaultMinSpacing)
	}
	return &Scheduler{
		Limiter: limiter,
		Gate:    gate,
		queue:   binaryheap.NewWith(comparePending),
	}
}

// comparePending orders higher priority first, then arrival order.
func comparePending(a, b interface{}) int {
	pa := a.(*pendingRequest)
	pb := b.(*pendingRequest)
	switch {
	case pa.priority > pb.priority:
		return -1
	case pa.priority < pb.priority:
		return 1
	case pa.seq < pb.seq:
		return -1
	case pa.seq > pb.seq:
		return 1
	default:
		return 0
	}
}

// Schedule enqueues op and waits for its result. Once accepted, op runs even
// if ctx is cancelled; the caller then stops waiting and the result is dropped.
func (s *Scheduler) Schedule(ctx context.Context, priority core.Priority, op Operation) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if op == nil {
		return nil, fmt.Errorf("operation is required")
	}

	pending := &pendingRequest{
		priority:   priority,
		enqueuedAt: s.now(),
		ctx:        context.WithoutCancel(ctx),
		op:         op,
		done:       make(chan scheduleResult, 1),
	}

	s.mu.Lock()
	if s.queue == nil {
		s.queue = binaryheap.NewWith(comparePending)
	}
	s.seq++
	pending.seq = s.seq
	s.queue.Push(pending)
	depth := s.queue.Size()
	start := !s.draining
	if start {
		s.draining = true
	}
	s.mu.Unlock()

	s.observeDepth(depth)
	if start {
		go s.drain()
	}

	select {
	case result := <-pending.done:
		return result.payload, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of queued operations.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return 0
	}
	return s.queue.Size()
}

// drain is the single processing pass; Schedule starts it only when none is active.
func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if s.queue.Empty() {
			s.draining = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if allowed, wait := s.Limiter.Allow(); !allowed {
			s.pause(wait)
			continue
		}
		if err := s.Gate.Wait(context.Background()); err != nil {
			if s.Logger != nil {
				s.Logger.Warn("Spacing gate wait failed, retrying", zap.Error(err))
			}
			s.pause(s.Gate.Spacing())
			continue
		}

		s.mu.Lock()
		value, ok := s.queue.Pop()
		depth := s.queue.Size()
		s.mu.Unlock()
		if !ok {
			continue
		}
		s.observeDepth(depth)

		pending := value.(*pendingRequest)
		s.Limiter.Record()
		if s.Logger != nil {
			s.Logger.Debug("Dispatching scheduled operation",
				zap.Int("priority", int(pending.priority)),
				zap.Duration("queued_for", s.now().Sub(pending.enqueuedAt)))
		}
		pending.done <- s.run(pending)
	}
}

func (s *Scheduler) run(pending *pendingRequest) (result scheduleResult) {
	defer func() {
		if r := recover(); r != nil {
			result = scheduleResult{err: fmt.Errorf("scheduled operation panicked: %v", r)}
		}
	}()
	payload, err := pending.op(pending.ctx)
	return scheduleResult{payload: payload, err: err}
}

func (s *Scheduler) pause(d time.Duration) {
	if s.sleep != nil {
		s.sleep(d)
		return
	}
	time.Sleep(d)
}

func (s *Scheduler) observeDepth(depth int) {
	if s.OnDepth != nil {
		s.OnDepth(depth)
	}
}

func (s *Scheduler) now() time.Time {
	if s != nil && s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}
