package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"signal-engine/internal/monitor"
	"signal-engine/pkg/db"
)

// CredentialInfo is a credential without its key material.
type CredentialInfo struct {
	ID               string     `json:"id"`
	Exchange         string     `json:"exchange"`
	Environment      string     `json:"environment"`
	APIKeyHint       string     `json:"api_key_hint,omitempty"`
	IsActive         bool       `json:"is_active"`
	ValidationStatus string     `json:"validation_status"`
	ErrorReason      string     `json:"error_reason,omitempty"`
	KeyVersion       int        `json:"key_version"`
	LastValidatedAt  *time.Time `json:"last_validated_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// GateStatus is the market gate as seen by the resolver.
type GateStatus struct {
	Available      bool      `json:"available"`
	Value          int       `json:"value"`
	Classification string    `json:"classification"`
	Source         string    `json:"source,omitempty"`
	ObservedAt     time.Time `json:"observed_at,omitempty"`
	AgeSeconds     float64   `json:"age_seconds"`
	Stale          bool      `json:"stale"`
	AllowsLong     bool      `json:"allows_long"`
	AllowsShort    bool      `json:"allows_short"`
}

// PositionView is a position as returned to its owner.
type PositionView struct {
	ID              string          `json:"id"`
	Symbol          string          `json:"symbol"`
	Direction       string          `json:"direction"`
	Status          string          `json:"status"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	Quantity        decimal.Decimal `json:"quantity"`
	StopLossPrice   decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
	OpenedAt        time.Time       `json:"opened_at"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	FrozenReason    string          `json:"frozen_reason,omitempty"`
	Closure         *ClosureView    `json:"closure,omitempty"`
}

// ClosureView is the terminal record of a closed position.
type ClosureView struct {
	ExitPrice   decimal.Decimal `json:"exit_price"`
	Reason      string          `json:"reason"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	ClosedAt    time.Time       `json:"closed_at"`
}

// CommissionView is a commission record as returned to the referred user.
type CommissionView struct {
	ID            string          `json:"id"`
	AffiliateID   string          `json:"affiliate_id"`
	PositionID    string          `json:"position_id"`
	FundingSource string          `json:"funding_source"`
	Rate          decimal.Decimal `json:"rate"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"created_at"`
}

func positionView(p db.Position) PositionView {
	return PositionView{
		ID:              p.ID,
		Symbol:          p.Symbol,
		Direction:       string(p.Direction),
		Status:          string(p.Status),
		EntryPrice:      p.EntryPrice,
		Quantity:        p.Quantity,
		StopLossPrice:   p.StopLossPrice,
		TakeProfitPrice: p.TakeProfitPrice,
		OpenedAt:        p.OpenedAt,
		ExchangeOrderID: p.ExchangeOrderID,
		FailureReason:   p.FailureReason,
		FrozenReason:    p.FrozenReason,
	}
}

func closureView(ev db.ClosureEvent) *ClosureView {
	return &ClosureView{ExitPrice: ev.ExitPrice, Reason: string(ev.Reason), RealizedPnL: ev.RealizedPnL, ClosedAt: ev.ClosedAt}
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Version    string                  `json:"version"`
	ServerTime time.Time               `json:"server_time"`
	Uptime     string                  `json:"uptime"`
	Supervised int                     `json:"supervised_positions"`
	Metrics    monitor.MetricsSnapshot `json:"metrics"`
}
