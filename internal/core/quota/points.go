package quota

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/quotaline/quotaline/internal/core"
	"github.com/quotaline/quotaline/internal/core/store"
)

// BackendScope names the shared backend points ledger.
const BackendScope = "backend"

// DefaultEndpointCosts mirrors the upstream API's published point costs.
var DefaultEndpointCosts = map[string]int{
	"/complexSearch": 3,
	"/information":   1,
	"/random":        1,
}

// PointsTracker enforces the backend's daily points budget, shared by all
// callers, where each endpoint type has its own cost.
type PointsTracker struct {
	KV          store.KV
	DailyPoints int
	Costs       map[string]int
	DefaultCost int
	Clock       func() time.Time
	Logger      *logging.Logger

	mu     sync.Mutex
	ledger *ledger
}

// NewPointsTracker builds a backend tracker. A dailyPoints of zero disables it.
func NewPointsTracker(kv store.KV, dailyPoints int, costs map[string]int, defaultCost int) *PointsTracker {
	if costs == nil {
		costs = DefaultEndpointCosts
	}
	if defaultCost <= 0 {
		defaultCost = 1
	}
	normalized := make(map[string]int, len(costs))
	for endpoint, cost := range costs {
		normalized[normalizeEndpoint(endpoint)] = cost
	}
	return &PointsTracker{KV: kv, DailyPoints: dailyPoints, Costs: normalized, DefaultCost: defaultCost}
}

// Cost returns the points charged for one call to endpoint. Lookups try the
// full endpoint, then its last path segment ("/123/information" -> "/information").
func (p *PointsTracker) Cost(endpoint string) int {
	if p == nil {
		return 0
	}
	key := normalizeEndpoint(endpoint)
	if cost, ok := p.Costs[key]; ok {
		return cost
	}
	if cost, ok := p.Costs["/"+path.Base(key)]; ok {
		return cost
	}
	return p.DefaultCost
}

// Enabled reports whether a points budget applies.
func (p *PointsTracker) Enabled() bool {
	return p != nil && p.DailyPoints > 0
}

// Load rehydrates the persisted ledger and reconciles it against today.
func (p *PointsTracker) Load(ctx context.Context) error {
	if p == nil {
		return errors.New("points tracker is not initialized")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.ledgerLocked(ctx)
	return err
}

// CanSpend fails with a QuotaExceeded error if endpoint's cost does not fit
// in today's remaining points.
func (p *PointsTracker) CanSpend(ctx context.Context, endpoint string) error {
	if !p.Enabled() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	l, err := p.ledgerLocked(ctx)
	if err != nil {
		return err
	}
	cost := p.Cost(endpoint)
	if l.used+cost > p.DailyPoints {
		return core.NewQuotaExceeded(BackendScope,
			fmt.Sprintf("backend points exhausted: %d used, %d needed, %d daily", l.used, cost, p.DailyPoints))
	}
	return nil
}

// Track charges endpoint's cost against today's points.
func (p *PointsTracker) Track(ctx context.Context, endpoint string) error {
	if !p.Enabled() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	l, err := p.ledgerLocked(ctx)
	if err != nil {
		return err
	}
	l.used += p.Cost(endpoint)
	if l.used >= p.DailyPoints && p.Logger != nil {
		p.Logger.Warn("Backend points budget exhausted",
			zap.Int("used", l.used),
			zap.Int("daily_points", p.DailyPoints))
	}
	return l.persist(ctx, p.KV)
}

// Remaining returns today's unspent points.
func (p *PointsTracker) Remaining(ctx context.Context) (int, error) {
	status, err := p.Status(ctx)
	if err != nil {
		return 0, err
	}
	return status.Remaining, nil
}

// Status reports today's points usage.
func (p *PointsTracker) Status(ctx context.Context) (core.QuotaStatus, error) {
	if p == nil {
		return core.QuotaStatus{}, errors.New("points tracker is not initialized")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	l, err := p.ledgerLocked(ctx)
	if err != nil {
		return core.QuotaStatus{}, err
	}
	return l.status(p.DailyPoints), nil
}

// Reset clears today's points and the persisted records.
func (p *PointsTracker) Reset(ctx context.Context) error {
	if p == nil {
		return errors.New("points tracker is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	l := newLedger(BackendScope, KeyPrefix+BackendScope, p.now())
	p.ledger = l
	return l.remove(ctx, p.KV)
}

func (p *PointsTracker) ledgerLocked(ctx context.Context) (*ledger, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := p.now()
	if p.ledger == nil {
		l := newLedger(BackendScope, KeyPrefix+BackendScope, now)
		if err := l.load(ctx, p.KV); err != nil {
			return nil, err
		}
		p.ledger = l
	}
	if p.ledger.rollover(now) {
		if err := p.ledger.persist(ctx, p.KV); err != nil {
			return nil, err
		}
	}
	return p.ledger, nil
}

func (p *PointsTracker) now() time.Time {
	if p != nil && p.Clock != nil {
		return p.Clock()
	}
	return time.Now().UTC()
}

// normalizeEndpoint lower-cases and roots an endpoint; config keys arrive
// lower-cased from YAML files.
func normalizeEndpoint(endpoint string) string {
	endpoint = strings.ToLower(strings.TrimSpace(endpoint))
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	endpoint = strings.TrimRight(endpoint, "/")
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return endpoint
}
