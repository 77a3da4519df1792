package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"signal-engine/pkg/db"
)

// ProtectionLevels returns the stop-loss and take-profit prices for a
// position entered at entry.
func (p Profile) ProtectionLevels(dir db.Direction, entry decimal.Decimal) (stopLoss, takeProfit decimal.Decimal, err error) {
	switch dir {
	case db.DirectionLong:
		return entry.Mul(one.Sub(p.StopLossPct)), entry.Mul(one.Add(p.TakeProfitPct)), nil
	case db.DirectionShort:
		return entry.Mul(one.Add(p.StopLossPct)), entry.Mul(one.Sub(p.TakeProfitPct)), nil
	}
	return decimal.Zero, decimal.Zero, ErrInvalidDirection
}

// Evaluate decides whether a position must close at price. Precedence is
// stop-loss, then take-profit, then the holding timeout. An empty reason
// means keep holding.
func Evaluate(pos db.Position, price decimal.Decimal, now time.Time, maxHold time.Duration) db.CloseReason {
	if StopLossBreached(pos, price) {
		return db.ReasonStopLoss
	}
	if TakeProfitBreached(pos, price) {
		return db.ReasonTakeProfit
	}
	if maxHold > 0 && now.Sub(pos.OpenedAt) >= maxHold {
		return db.ReasonTimeout
	}
	return ""
}

// StopLossBreached reports whether price reached the stop on the losing side.
func StopLossBreached(pos db.Position, price decimal.Decimal) bool {
	if pos.StopLossPrice.IsZero() {
		return false
	}
	switch pos.Direction {
	case db.DirectionLong:
		return price.LessThanOrEqual(pos.StopLossPrice)
	case db.DirectionShort:
		return price.GreaterThanOrEqual(pos.StopLossPrice)
	}
	return false
}

// TakeProfitBreached reports whether price reached the target.
func TakeProfitBreached(pos db.Position, price decimal.Decimal) bool {
	if pos.TakeProfitPrice.IsZero() {
		return false
	}
	switch pos.Direction {
	case db.DirectionLong:
		return price.GreaterThanOrEqual(pos.TakeProfitPrice)
	case db.DirectionShort:
		return price.LessThanOrEqual(pos.TakeProfitPrice)
	}
	return false
}

// RealizedPnL is (exit - entry) * quantity * direction sign.
func RealizedPnL(dir db.Direction, entry, exit, qty decimal.Decimal) decimal.Decimal {
	return exit.Sub(entry).Mul(qty).Mul(decimal.NewFromInt(dir.Sign()))
}
