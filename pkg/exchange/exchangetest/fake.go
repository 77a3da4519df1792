// Package exchangetest provides an in-memory venue for tests.
package exchangetest

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"signal-engine/pkg/exchange"
)

// Venue is an in-memory exchange.Venue. Orders fill immediately at the mark
// price unless ZeroFill is set.
type Venue struct {
	mu sync.Mutex

	endpoint  string
	prices    map[string]decimal.Decimal
	positions map[string]exchange.PositionInfo
	orders    map[string]*exchange.OrderResult
	balance   decimal.Decimal

	placeErrs []error // consumed one per PlaceOrder call
	priceErr  error
	posErr    error

	ZeroFill bool
	// LoseAck fills the order but reports the first error in placeErrs.
	LoseAck bool

	PlaceCalls int
	Placed     []exchange.OrderRequest
}

// New creates a fake venue reporting endpoint.
func New(endpoint string) *Venue {
	return &Venue{
		endpoint:  endpoint,
		prices:    make(map[string]decimal.Decimal),
		positions: make(map[string]exchange.PositionInfo),
		orders:    make(map[string]*exchange.OrderResult),
	}
}

func (v *Venue) SetPrice(symbol string, price float64) {
	v.mu.Lock()
	v.prices[symbol] = decimal.NewFromFloat(price)
	v.mu.Unlock()
}

func (v *Venue) SetBalance(b float64) {
	v.mu.Lock()
	v.balance = decimal.NewFromFloat(b)
	v.mu.Unlock()
}

// FailPlace queues errors returned by the next PlaceOrder calls.
func (v *Venue) FailPlace(errs ...error) {
	v.mu.Lock()
	v.placeErrs = append(v.placeErrs, errs...)
	v.mu.Unlock()
}

func (v *Venue) FailPrice(err error) {
	v.mu.Lock()
	v.priceErr = err
	v.mu.Unlock()
}

func (v *Venue) FailPosition(err error) {
	v.mu.Lock()
	v.posErr = err
	v.mu.Unlock()
}

// SetPosition overrides the venue-side position, e.g. to simulate a manual close.
func (v *Venue) SetPosition(p exchange.PositionInfo) {
	v.mu.Lock()
	v.positions[p.Symbol] = p
	v.mu.Unlock()
}

func (v *Venue) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.PlaceCalls
}

func (v *Venue) Endpoint() string { return v.endpoint }

func (v *Venue) PlaceOrder(_ context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.PlaceCalls++

	if _, ok := v.orders[req.ClientOrderID]; ok {
		return nil, &exchange.Error{Class: exchange.ClassDomain, Code: 110072, Message: "OrderLinkedID is duplicate"}
	}

	var err error
	if len(v.placeErrs) > 0 {
		err = v.placeErrs[0]
		v.placeErrs = v.placeErrs[1:]
		if !v.LoseAck {
			return nil, err
		}
	}

	v.Placed = append(v.Placed, req)
	res := &exchange.OrderResult{
		ExchangeOrderID: "ex-" + req.ClientOrderID,
		ClientOrderID:   req.ClientOrderID,
		Status:          exchange.StatusFilled,
	}
	price := v.prices[req.Symbol]
	if v.ZeroFill {
		res.Status = exchange.StatusCanceled
		res.FilledQty = decimal.Zero
	} else {
		res.FilledQty = req.Qty
		res.AvgPrice = price
		v.applyFill(req, price)
	}
	v.orders[req.ClientOrderID] = res

	if err != nil {
		return nil, err
	}
	ack := *res
	ack.Status = exchange.StatusNew
	return &ack, nil
}

func (v *Venue) applyFill(req exchange.OrderRequest, price decimal.Decimal) {
	pos := v.positions[req.Symbol]
	if req.ReduceOnly {
		pos.Size = pos.Size.Sub(req.Qty)
		if !pos.Size.IsPositive() {
			pos = exchange.PositionInfo{Symbol: req.Symbol}
		}
	} else {
		pos = exchange.PositionInfo{Symbol: req.Symbol, Side: req.Side, Size: pos.Size.Add(req.Qty), AvgPrice: price}
	}
	v.positions[req.Symbol] = pos
}

func (v *Venue) GetOrder(_ context.Context, _ string, clientOrderID string) (*exchange.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if res, ok := v.orders[clientOrderID]; ok {
		out := *res
		return &out, nil
	}
	return &exchange.OrderResult{ClientOrderID: clientOrderID, Status: exchange.StatusUnknown}, nil
}

func (v *Venue) GetPosition(_ context.Context, symbol string) (*exchange.PositionInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.posErr != nil {
		return nil, v.posErr
	}
	p, ok := v.positions[symbol]
	if !ok {
		p = exchange.PositionInfo{Symbol: symbol}
	}
	return &p, nil
}

func (v *Venue) ListPositions(_ context.Context, _ string) ([]exchange.PositionInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.posErr != nil {
		return nil, v.posErr
	}
	out := make([]exchange.PositionInfo, 0, len(v.positions))
	for _, p := range v.positions {
		if !p.Flat() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (v *Venue) MarkPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.priceErr != nil {
		return decimal.Zero, v.priceErr
	}
	p, ok := v.prices[symbol]
	if !ok {
		return decimal.Zero, &exchange.Error{Class: exchange.ClassDomain, Message: "no ticker for " + symbol}
	}
	return p, nil
}

func (v *Venue) WalletBalance(_ context.Context, _ string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance, nil
}

var _ exchange.Venue = (*Venue)(nil)
