// Package risk turns an account's risk configuration into protection levels
// and close decisions.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"signal-engine/pkg/db"
)

var (
	ErrInvalidProfile   = errors.New("invalid risk profile")
	ErrInvalidDirection = errors.New("direction must be LONG or SHORT")
)

// Profile is the per-account risk configuration. Percentages are fractions
// (0.05 = 5%).
type Profile struct {
	PositionPct     decimal.Decimal `json:"position_pct"`
	MaxConcurrent   int             `json:"max_concurrent"`
	StopLossPct     decimal.Decimal `json:"stop_loss_pct"`
	TakeProfitPct   decimal.Decimal `json:"take_profit_pct"`
	MaxPositionSize decimal.Decimal `json:"max_position_size"` // quote notional, zero = uncapped
}

// ProfileOf extracts the risk profile of an account.
func ProfileOf(a db.TraderAccount) Profile {
	return Profile{
		PositionPct:     a.PositionPct,
		MaxConcurrent:   a.MaxConcurrent,
		StopLossPct:     a.StopLossPct,
		TakeProfitPct:   a.TakeProfitPct,
		MaxPositionSize: a.MaxPositionSize,
	}
}

var one = decimal.NewFromInt(1)

// Validate rejects profiles that could never produce a sane order.
func (p Profile) Validate() error {
	switch {
	case !p.PositionPct.IsPositive() || p.PositionPct.GreaterThan(one):
		return errors.Join(ErrInvalidProfile, errors.New("position_pct must be within (0, 1]"))
	case p.MaxConcurrent < 0:
		return errors.Join(ErrInvalidProfile, errors.New("max_concurrent must not be negative"))
	case !p.StopLossPct.IsPositive() || p.StopLossPct.GreaterThanOrEqual(one):
		return errors.Join(ErrInvalidProfile, errors.New("stop_loss_pct must be within (0, 1)"))
	case !p.TakeProfitPct.IsPositive() || p.TakeProfitPct.GreaterThanOrEqual(one):
		// a short's take-profit price would be zero or negative
		return errors.Join(ErrInvalidProfile, errors.New("take_profit_pct must be within (0, 1)"))
	case p.MaxPositionSize.IsNegative():
		return errors.Join(ErrInvalidProfile, errors.New("max_position_size must not be negative"))
	}
	return nil
}

// AllowsNewEntry reports whether another position fits under MaxConcurrent.
// Zero means no limit.
func (p Profile) AllowsNewEntry(active int) bool {
	return p.MaxConcurrent == 0 || active < p.MaxConcurrent
}
