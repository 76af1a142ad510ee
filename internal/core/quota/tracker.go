package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/quotaline/quotaline/internal/core"
	"github.com/quotaline/quotaline/internal/core/store"
)

// DefaultDailyLimit is the per-caller request budget.
const DefaultDailyLimit = 150

const callerPrefix = KeyPrefix + "caller:"

// Tracker enforces a per-caller daily request budget.
type Tracker struct {
	KV         store.KV
	DailyLimit int
	Clock      func() time.Time
	Logger     *logging.Logger

	mu       sync.Mutex
	sessions map[string]*ledger
}

// NewTracker builds a tracker persisting to kv (nil keeps state in memory).
func NewTracker(kv store.KV, dailyLimit int) *Tracker {
	if dailyLimit <= 0 {
		dailyLimit = DefaultDailyLimit
	}
	return &Tracker{KV: kv, DailyLimit: dailyLimit, sessions: make(map[string]*ledger)}
}

// Load rehydrates every persisted caller session and reconciles it against
// the current UTC day.
func (t *Tracker) Load(ctx context.Context) error {
	if t == nil {
		return errors.New("quota tracker is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if t.KV == nil {
		return nil
	}

	keys, err := t.KV.Keys(ctx, callerPrefix)
	if err != nil {
		return fmt.Errorf("list quota sessions: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range keys {
		if !strings.HasSuffix(key, usedSuffix) {
			continue
		}
		callerID := strings.TrimSuffix(strings.TrimPrefix(key, callerPrefix), usedSuffix)
		if callerID == "" {
			continue
		}
		if _, err := t.sessionLocked(ctx, callerID); err != nil {
			return err
		}
	}
	return nil
}

// Check fails with a QuotaExceeded error once the caller has used its budget.
func (t *Tracker) Check(ctx context.Context, callerID string) error {
	if t == nil {
		return errors.New("quota tracker is not initialized")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	session, err := t.sessionLocked(ctx, callerID)
	if err != nil {
		return err
	}
	if session.used >= t.DailyLimit {
		return core.NewQuotaExceeded(session.scope,
			fmt.Sprintf("caller %s used %d of %d daily requests", session.scope, session.used, t.DailyLimit))
	}
	return nil
}

// RecordUse increments the caller's usage for the current day.
func (t *Tracker) RecordUse(ctx context.Context, callerID string) error {
	if t == nil {
		return errors.New("quota tracker is not initialized")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	session, err := t.sessionLocked(ctx, callerID)
	if err != nil {
		return err
	}
	session.used++
	return session.persist(ctx, t.KV)
}

// Status reports the caller's usage for the current day.
func (t *Tracker) Status(ctx context.Context, callerID string) (core.QuotaStatus, error) {
	if t == nil {
		return core.QuotaStatus{}, errors.New("quota tracker is not initialized")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	session, err := t.sessionLocked(ctx, callerID)
	if err != nil {
		return core.QuotaStatus{}, err
	}
	return session.status(t.DailyLimit), nil
}

// Reset clears the caller's usage and its persisted records.
func (t *Tracker) Reset(ctx context.Context, callerID string) error {
	if t == nil {
		return errors.New("quota tracker is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	callerID = normalizeCaller(callerID)

	t.mu.Lock()
	defer t.mu.Unlock()

	session := newLedger(callerID, callerPrefix+callerID, t.now())
	delete(t.sessions, callerID)
	return session.remove(ctx, t.KV)
}

// Sessions returns a snapshot of the sessions known in memory, sorted by caller.
func (t *Tracker) Sessions() []core.QuotaSession {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]core.QuotaSession, 0, len(t.sessions))
	for callerID, session := range t.sessions {
		used := session.used
		if !core.SameUTCDay(session.windowStart, now) {
			used = 0
		}
		out = append(out, core.QuotaSession{CallerID: callerID, Used: used, WindowStart: session.windowStart})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallerID < out[j].CallerID })
	return out
}

// sessionLocked returns the caller's session, loading it lazily and applying
// the day boundary. Callers must hold t.mu.
func (t *Tracker) sessionLocked(ctx context.Context, callerID string) (*ledger, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if t.sessions == nil {
		t.sessions = make(map[string]*ledger)
	}

	callerID = normalizeCaller(callerID)
	now := t.now()

	session, ok := t.sessions[callerID]
	if !ok {
		session = newLedger(callerID, callerPrefix+callerID, now)
		if err := session.load(ctx, t.KV); err != nil {
			return nil, err
		}
		t.sessions[callerID] = session
	}

	if session.rollover(now) {
		if t.Logger != nil {
			t.Logger.Info("Quota window reset", zap.String("caller_id", callerID))
		}
		if err := session.persist(ctx, t.KV); err != nil {
			return nil, err
		}
	}
	return session, nil
}

func (t *Tracker) now() time.Time {
	if t != nil && t.Clock != nil {
		return t.Clock()
	}
	return time.Now().UTC()
}

func normalizeCaller(callerID string) string {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return core.DefaultCallerID
	}
	return callerID
}
