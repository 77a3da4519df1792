// Package eligibility turns an accepted signal into one order intent per
// eligible trader account.
package eligibility

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-engine/internal/events"
	"signal-engine/internal/order"
	"signal-engine/internal/risk"
	"signal-engine/pkg/config"
	"signal-engine/pkg/db"
	"signal-engine/pkg/logger"
)

// Skip reasons recorded in the intent audit.
const (
	ReasonOpenPosition     = "open_position"
	ReasonMaxConcurrent    = "max_concurrent_reached"
	ReasonNoBalance        = "no_balance"
	ReasonBelowMinNotional = "below_min_notional"
	ReasonInvalidProfile   = "invalid_risk_profile"
	ReasonAlreadyProcessed = "already_processed"
)

// Gate answers whether the market regime permits an entry.
type Gate interface {
	Check(dir db.Direction) (bool, string)
}

// Balances provides the balance used to size an account's order.
type Balances interface {
	Snapshot(ctx context.Context, acct db.TraderAccount) decimal.Decimal
}

// Auditor records skipped intents.
type Auditor interface {
	Audit(e db.AuditEntry)
}

// Resolver applies the per-account checks and sizing rules.
type Resolver struct {
	db       *db.Database
	gate     Gate
	balances Balances
	sizing   config.SizingPolicy
	audit    Auditor
	bus      *events.Bus
	log      *zap.Logger
	now      func() time.Time
}

// New creates a resolver. audit and bus may be nil.
func New(database *db.Database, gate Gate, balances Balances, sizing config.SizingPolicy, audit Auditor, bus *events.Bus, log *zap.Logger) *Resolver {
	return &Resolver{
		db:       database,
		gate:     gate,
		balances: balances,
		sizing:   sizing,
		audit:    audit,
		bus:      bus,
		log:      logger.Or(log, "eligibility"),
		now:      time.Now,
	}
}

// Resolve returns the intents for sig. Accounts that are skipped are
// audited; a storage error aborts the whole signal.
func (r *Resolver) Resolve(ctx context.Context, sig db.Signal) ([]order.Intent, error) {
	if sig.Direction != db.DirectionLong && sig.Direction != db.DirectionShort {
		return nil, fmt.Errorf("resolve: signal %s has no entry direction", sig.ID)
	}

	accounts, err := r.db.ListActiveAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve: list accounts: %w", err)
	}

	if ok, reason := r.gate.Check(sig.Direction); !ok {
		for _, acct := range accounts {
			r.skip(sig, acct.UserID, "", reason, "")
		}
		r.log.Info("signal vetoed by market gate",
			zap.String("signal_id", sig.ID),
			zap.String("reason", reason),
			zap.Int("accounts", len(accounts)))
		return nil, nil
	}

	intents := make([]order.Intent, 0, len(accounts))
	for _, acct := range accounts {
		intent, reason, detail, err := r.evaluate(ctx, sig, acct)
		if err != nil {
			return intents, err
		}
		if reason != "" {
			r.skip(sig, acct.UserID, intent.ID, reason, detail)
			continue
		}
		intents = append(intents, intent)
	}

	r.log.Info("signal resolved",
		zap.String("signal_id", sig.ID),
		zap.String("symbol", sig.Symbol),
		zap.Int("accounts", len(accounts)),
		zap.Int("intents", len(intents)))
	return intents, nil
}

func (r *Resolver) evaluate(ctx context.Context, sig db.Signal, acct db.TraderAccount) (order.Intent, string, string, error) {
	profile := risk.ProfileOf(acct)
	if err := profile.Validate(); err != nil {
		return order.Intent{}, ReasonInvalidProfile, err.Error(), nil
	}

	open, err := r.db.HasActivePosition(ctx, acct.UserID, sig.Symbol)
	if err != nil {
		return order.Intent{}, "", "", err
	}
	if open {
		return order.Intent{}, ReasonOpenPosition, "", nil
	}

	active, err := r.db.CountActivePositions(ctx, acct.UserID)
	if err != nil {
		return order.Intent{}, "", "", err
	}
	if !profile.AllowsNewEntry(active) {
		return order.Intent{}, ReasonMaxConcurrent, fmt.Sprintf("%d/%d", active, profile.MaxConcurrent), nil
	}

	balance := r.balances.Snapshot(ctx, acct)
	if !balance.IsPositive() {
		return order.Intent{}, ReasonNoBalance, "", nil
	}

	notional, ok := r.Size(balance, profile, sig.Strength)
	if !ok {
		return order.Intent{}, ReasonBelowMinNotional, notional.String(), nil
	}

	intent := order.Intent{
		ID:             uuid.NewString(),
		SignalID:       sig.ID,
		UserID:         acct.UserID,
		Exchange:       acct.Exchange,
		Environment:    acct.Environment,
		Symbol:         sig.Symbol,
		Direction:      sig.Direction,
		Strength:       sig.Strength,
		Notional:       notional,
		Quantity:       notional.Div(sig.Price),
		ReferencePrice: sig.Price,
		StopLossPct:    profile.StopLossPct,
		TakeProfitPct:  profile.TakeProfitPct,
		CreatedAt:      r.now().UTC(),
	}

	claimed, err := r.db.ClaimSignalAccount(ctx, sig.ID, acct.UserID, intent.ID, intent.CreatedAt)
	if err != nil {
		return order.Intent{}, "", "", err
	}
	if !claimed {
		return order.Intent{}, ReasonAlreadyProcessed, "", nil
	}
	return intent, "", "", nil
}

// Size returns the quote notional for an entry. The bool is false when the
// venue minimum exceeds either the balance or the account's own cap.
func (r *Resolver) Size(balance decimal.Decimal, p risk.Profile, strength db.Strength) (decimal.Decimal, bool) {
	notional := balance.Mul(p.PositionPct)
	if strength == db.StrengthStrong {
		notional = notional.Mul(decimal.NewFromFloat(r.sizing.StrongMultiplier))
	}
	if p.MaxPositionSize.IsPositive() && notional.GreaterThan(p.MaxPositionSize) {
		notional = p.MaxPositionSize
	}

	minNotional := decimal.NewFromFloat(r.sizing.MinNotional)
	if notional.LessThan(minNotional) {
		capped := p.MaxPositionSize.IsPositive() && p.MaxPositionSize.LessThan(minNotional)
		if capped || balance.LessThan(minNotional) {
			return notional, false
		}
		notional = minNotional
	}
	return notional, true
}

func (r *Resolver) skip(sig db.Signal, userID, intentID, reason, detail string) {
	r.log.Debug("account skipped",
		zap.String("signal_id", sig.ID),
		zap.String("user_id", userID),
		zap.String("reason", reason))

	if r.audit != nil {
		r.audit.Audit(db.AuditEntry{
			SignalID:  sig.ID,
			UserID:    userID,
			IntentID:  intentID,
			Symbol:    sig.Symbol,
			Stage:     "eligibility",
			Reason:    reason,
			Detail:    detail,
			CreatedAt: r.now().UTC(),
		})
	}
	if r.bus != nil {
		r.bus.Publish(events.EventIntentRejected, events.IntentRejected{SignalID: sig.ID, UserID: userID, Reason: reason})
	}
}
