// Package exchange is the client for the venue's v5 REST contract: signed
// requests, error classification, and the calls the engine needs to open,
// watch and close positions.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Side is the v5 order side.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the side that reduces a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus normalizes venue status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Final reports whether the venue will not fill the order any further.
func (s OrderStatus) Final() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	}
	return false
}

// OrderRequest is a market order. ClientOrderID doubles as the venue's
// idempotency key, so the same request may be resent safely.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult is the venue's view of an order.
type OrderResult struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          OrderStatus
	FilledQty       decimal.Decimal
	AvgPrice        decimal.Decimal
}

// PositionInfo is the venue's view of a position; Size is zero when flat.
type PositionInfo struct {
	Symbol   string
	Side     Side
	Size     decimal.Decimal
	AvgPrice decimal.Decimal
}

// Flat reports whether the venue holds no exposure on the symbol.
func (p PositionInfo) Flat() bool { return p.Size.IsZero() }

// Venue is the subset of the v5 contract used by the engine.
type Venue interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error)
	GetPosition(ctx context.Context, symbol string) (*PositionInfo, error)
	ListPositions(ctx context.Context, settleCoin string) ([]PositionInfo, error)
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	WalletBalance(ctx context.Context, coin string) (decimal.Decimal, error)
	Endpoint() string
}
