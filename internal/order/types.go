package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"signal-engine/pkg/db"
	"signal-engine/pkg/exchange"
)

var (
	ErrQueueFull      = errors.New("credential admission queue is full")
	ErrZeroFill       = errors.New("order was not filled")
	ErrPositionExists = errors.New("an open position already exists for user and symbol")
	ErrClosed         = errors.New("dispatcher is closed")
)

// Intent is one account's share of a signal, ready to be dispatched.
// ID doubles as the venue orderLinkId so a resend is recognised as a duplicate.
type Intent struct {
	ID             string
	SignalID       string
	UserID         string
	Exchange       string
	Environment    string
	Symbol         string
	Direction      db.Direction
	Strength       db.Strength
	Quantity       decimal.Decimal
	Notional       decimal.Decimal
	ReferencePrice decimal.Decimal
	StopLossPct    decimal.Decimal
	TakeProfitPct  decimal.Decimal
	CreatedAt      time.Time
}

// Side is the venue side that opens the intent's direction.
func (i Intent) Side() exchange.Side {
	if i.Direction == db.DirectionShort {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// CloseSide is the venue side that reduces a position of direction dir.
func CloseSide(dir db.Direction) exchange.Side {
	if dir == db.DirectionShort {
		return exchange.SideBuy
	}
	return exchange.SideSell
}

// DispatchError carries the class of the failure that stopped a dispatch.
type DispatchError struct {
	IntentID string
	Class    exchange.Class
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s failed (%s): %v", e.IntentID, e.Class, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// CloseRequest asks the dispatcher to flatten a position.
type CloseRequest struct {
	Position db.Position
	Reason   db.CloseReason
}

// CloseResult is the confirmed fill of a close order.
type CloseResult struct {
	OrderID   string
	ExitPrice decimal.Decimal
	FilledQty decimal.Decimal
	Endpoint  string
}
