// Package marketgate vetoes entries against the prevailing Fear & Greed regime.
package marketgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-engine/internal/events"
	"signal-engine/pkg/config"
	"signal-engine/pkg/db"
	"signal-engine/pkg/logger"
)

// Classification is the regime derived from the index value.
type Classification string

const (
	ExtremeFear  Classification = "EXTREME_FEAR"
	Fear         Classification = "FEAR"
	Neutral      Classification = "NEUTRAL"
	Greed        Classification = "GREED"
	ExtremeGreed Classification = "EXTREME_GREED"
)

var (
	ErrOutOfRange = errors.New("gate value must be within 0..100")
	ErrOutOfOrder = errors.New("observation is older than the current gate state")
	ErrFuture     = errors.New("observation is dated in the future")
)

// maxSkew is how far ahead of the local clock an observation may be dated.
const maxSkew = time.Minute

// Veto reasons returned by Check.
const (
	ReasonStale        = "market_gate_stale"
	ReasonExtremeFear  = "market_gate_extreme_fear"
	ReasonExtremeGreed = "market_gate_extreme_greed"
)

// Gate holds the latest index observation in memory, backed by the
// append-only market_gate_states table.
type Gate struct {
	db     *db.Database
	policy config.GatePolicy
	bus    *events.Bus
	log    *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	current *db.MarketGateState
}

// New creates a gate; call Load to pick up the persisted state.
func New(database *db.Database, policy config.GatePolicy, bus *events.Bus, log *zap.Logger) *Gate {
	return &Gate{db: database, policy: policy, bus: bus, log: logger.Or(log, "marketgate"), now: time.Now}
}

// Load reads the current row; an empty table leaves the gate without state.
func (g *Gate) Load(ctx context.Context) error {
	s, err := g.db.CurrentGateState(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.current = s
	g.mu.Unlock()
	return nil
}

// Classify maps a 0..100 value onto the configured bands.
func (g *Gate) Classify(value int) Classification {
	p := g.policy
	switch {
	case value <= p.ExtremeFearMax:
		return ExtremeFear
	case value <= p.FearMax:
		return Fear
	case value <= p.NeutralMax:
		return Neutral
	case value <= p.GreedMax:
		return Greed
	}
	return ExtremeGreed
}

// Allows reports whether the current regime permits entering dir.
// Extreme fear vetoes LONG, extreme greed vetoes SHORT.
func (g *Gate) Allows(dir db.Direction) bool {
	s, ok := g.State()
	if !ok {
		return true
	}
	switch Classification(s.Classification) {
	case ExtremeFear:
		return dir != db.DirectionLong
	case ExtremeGreed:
		return dir != db.DirectionShort
	}
	return true
}

// Check combines the staleness rule with Allows and names the veto.
func (g *Gate) Check(dir db.Direction) (bool, string) {
	if g.policy.StaleVeto && g.Stale(g.now()) {
		return false, ReasonStale
	}
	if !g.Allows(dir) {
		s, _ := g.State()
		if Classification(s.Classification) == ExtremeFear {
			return false, ReasonExtremeFear
		}
		return false, ReasonExtremeGreed
	}
	return true, ""
}

// Update records a new observation and makes it current.
func (g *Gate) Update(ctx context.Context, value int, observedAt time.Time, source string) (*db.MarketGateState, error) {
	if value < 0 || value > 100 {
		return nil, ErrOutOfRange
	}
	if observedAt.IsZero() {
		observedAt = g.now()
	}
	if observedAt.After(g.now().Add(maxSkew)) {
		return nil, fmt.Errorf("%w: %s", ErrFuture, observedAt.UTC().Format(time.RFC3339))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil && observedAt.Before(g.current.ObservedAt) {
		return nil, fmt.Errorf("%w: %s < %s", ErrOutOfOrder, observedAt.UTC().Format(time.RFC3339), g.current.ObservedAt.Format(time.RFC3339))
	}

	class := g.Classify(value)
	s, err := g.db.RecordGateState(ctx, db.MarketGateState{
		Value:          value,
		Classification: string(class),
		Source:         source,
		ObservedAt:     observedAt,
		RecordedAt:     g.now(),
	})
	if err != nil {
		return nil, err
	}
	prev := g.current
	g.current = s

	if prev == nil || prev.Classification != s.Classification {
		g.log.Info("market regime changed",
			zap.Int("value", value), zap.String("classification", s.Classification), zap.String("source", source))
	}
	if g.bus != nil {
		g.bus.Publish(events.EventMarketGateUpdate, events.GateUpdate{Index: value, Regime: s.Classification, ObservedAt: s.ObservedAt})
	}
	out := *s
	return &out, nil
}

// State returns a copy of the current observation.
func (g *Gate) State() (db.MarketGateState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.current == nil {
		return db.MarketGateState{}, false
	}
	return *g.current, true
}

// Age is the time since the current observation was made.
func (g *Gate) Age(now time.Time) (time.Duration, bool) {
	s, ok := g.State()
	if !ok {
		return 0, false
	}
	return now.Sub(s.ObservedAt), true
}

// Stale reports whether the index is older than the max age. No state counts as stale.
func (g *Gate) Stale(now time.Time) bool {
	age, ok := g.Age(now)
	return !ok || age > g.policy.MaxAge
}
