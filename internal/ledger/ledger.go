// Package ledger classifies the funding behind each closed position and
// records affiliate commission on profitable real-money trades.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-engine/internal/events"
	"signal-engine/pkg/config"
	"signal-engine/pkg/db"
	"signal-engine/pkg/logger"
)

const backfillBatch = 200

// Ledger attributes closures. Attribution is idempotent per position.
type Ledger struct {
	db    *db.Database
	rates config.CommissionPolicy
	bus   *events.Bus
	log   *zap.Logger
	now   func() time.Time
}

// New creates a ledger; bus may be nil when Run is not used.
func New(database *db.Database, rates config.CommissionPolicy, bus *events.Bus, log *zap.Logger) *Ledger {
	return &Ledger{db: database, rates: rates, bus: bus, log: logger.Or(log, "ledger"), now: time.Now}
}

// FundingSource returns the source of the latest confirmed capital event at
// or before at. Without one the capital is treated as BONUS.
func (l *Ledger) FundingSource(ctx context.Context, userID string, at time.Time) (db.FundingSource, error) {
	ev, err := l.db.LatestConfirmedCapitalEvent(ctx, userID, at)
	if errors.Is(err, db.ErrNotFound) {
		return db.FundingBonus, nil
	}
	if err != nil {
		return "", err
	}
	if ev.Source == db.FundingReal {
		return db.FundingReal, nil
	}
	return db.FundingBonus, nil
}

// Rate returns the commission rate for an affiliate tier.
func (l *Ledger) Rate(tier string) decimal.Decimal {
	if strings.EqualFold(tier, "vip") {
		return decimal.NewFromFloat(l.rates.VIP)
	}
	return decimal.NewFromFloat(l.rates.Standard)
}

// Attribute records the funding source of a closure and, for a REAL-funded
// profit with an active affiliate, the commission. It returns the
// commission, or nil when none is due. Attributing a position twice returns
// the first result.
func (l *Ledger) Attribute(ctx context.Context, ev db.ClosureEvent) (*db.CommissionRecord, error) {
	pos, err := l.db.GetPosition(ctx, ev.PositionID)
	if err != nil {
		return nil, fmt.Errorf("attribute %s: %w", ev.PositionID, err)
	}
	source, err := l.FundingSource(ctx, ev.UserID, pos.OpenedAt)
	if err != nil {
		return nil, fmt.Errorf("attribute %s: %w", ev.PositionID, err)
	}

	now := l.now().UTC()
	attr := db.RevenueAttribution{
		PositionID:    ev.PositionID,
		UserID:        ev.UserID,
		FundingSource: source,
		RealizedPnL:   ev.RealizedPnL,
		AttributedAt:  now,
	}

	var rec *db.CommissionRecord
	if source == db.FundingReal && ev.RealizedPnL.IsPositive() {
		aff, err := l.db.GetAffiliateForUser(ctx, ev.UserID)
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("attribute %s: %w", ev.PositionID, err)
		default:
			rate := l.Rate(aff.Tier)
			rec = &db.CommissionRecord{
				ID:               uuid.NewString(),
				AffiliateID:      aff.ID,
				SourcePositionID: ev.PositionID,
				UserID:           ev.UserID,
				FundingSource:    source,
				RateApplied:      rate,
				Amount:           ev.RealizedPnL.Mul(rate),
				CreatedAt:        now,
			}
		}
	}

	if err := l.db.RecordAttribution(ctx, attr, rec); err != nil {
		if !errors.Is(err, db.ErrDuplicate) {
			return nil, err
		}
		existing, err := l.db.GetCommissionByPosition(ctx, ev.PositionID)
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil
		}
		return existing, err
	}

	fields := []zap.Field{
		zap.String("position_id", ev.PositionID),
		zap.String("user_id", ev.UserID),
		zap.String("funding", string(source)),
		zap.String("pnl", ev.RealizedPnL.String()),
	}
	if rec != nil {
		fields = append(fields, zap.String("affiliate_id", rec.AffiliateID), zap.String("commission", rec.Amount.String()))
	}
	l.log.Info("closure attributed", fields...)
	return rec, nil
}

// Backfill attributes every closure that has no attribution yet.
func (l *Ledger) Backfill(ctx context.Context) (int, error) {
	total := 0
	for {
		pending, err := l.db.ListUnattributedClosures(ctx, backfillBatch)
		if err != nil {
			return total, err
		}
		if len(pending) == 0 {
			return total, nil
		}
		progressed := false
		for _, ev := range pending {
			if _, err := l.Attribute(ctx, ev); err != nil {
				l.log.Warn("backfill attribution failed", zap.String("position_id", ev.PositionID), zap.Error(err))
				continue
			}
			progressed = true
			total++
		}
		if !progressed || len(pending) < backfillBatch {
			return total, nil
		}
	}
}

// Run attributes closures as they are published and sweeps for missed ones
// every interval. It returns when ctx is done.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	closed, unsub := l.bus.SubscribeAs("ledger", events.EventPositionClosed, 256)
	defer unsub()

	// a closure lost by any subscriber triggers an early sweep
	missed := make(chan struct{}, 1)
	removeHook := l.bus.OnDrop(func(topic events.Event, _ string) {
		if topic != events.EventPositionClosed {
			return
		}
		select {
		case missed <- struct{}{}:
		default:
		}
	})
	defer removeHook()

	if n, err := l.Backfill(ctx); err != nil {
		l.log.Warn("initial backfill failed", zap.Error(err))
	} else if n > 0 {
		l.log.Info("initial backfill done", zap.Int("attributed", n))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-closed:
			if !ok {
				return nil
			}
			pe, ok := msg.(events.PositionEvent)
			if !ok {
				continue
			}
			ev, err := l.db.GetClosureEvent(ctx, pe.PositionID)
			if err != nil {
				l.log.Warn("load closure failed", zap.String("position_id", pe.PositionID), zap.Error(err))
				continue
			}
			if _, err := l.Attribute(ctx, *ev); err != nil {
				l.log.Warn("attribution failed, left for backfill", zap.String("position_id", pe.PositionID), zap.Error(err))
			}
		case <-missed:
			if n, err := l.Backfill(ctx); err != nil {
				l.log.Warn("backfill after dropped closure failed", zap.Error(err))
			} else if n > 0 {
				l.log.Info("backfill attributed dropped closures", zap.Int("attributed", n))
			}
		case <-ticker.C:
			if n, err := l.Backfill(ctx); err != nil {
				l.log.Warn("backfill failed", zap.Error(err))
			} else if n > 0 {
				l.log.Info("backfill attributed missed closures", zap.Int("attributed", n))
			}
		}
	}
}
