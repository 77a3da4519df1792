package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventSignalAccepted   Event = "signal.accepted"
	EventIntentRejected   Event = "intent.rejected"
	EventOrderPlaced      Event = "order.placed"
	EventOrderFailed      Event = "order.failed"
	EventPositionOpened   Event = "position.opened"
	EventPositionClosing  Event = "position.closing"
	EventPositionClosed   Event = "position.closed"
	EventPositionFailed   Event = "position.failed"
	EventPositionFrozen   Event = "position.frozen"
	EventPositionDesync   Event = "position.desync"
	EventCredentialFlag   Event = "credential.flagged"
	EventMarketGateUpdate Event = "market_gate.updated"
)

// Topics lists every topic, used by listeners that relay all of them.
var Topics = []Event{
	EventSignalAccepted, EventIntentRejected, EventOrderPlaced, EventOrderFailed,
	EventPositionOpened, EventPositionClosing, EventPositionClosed, EventPositionFailed,
	EventPositionFrozen, EventPositionDesync, EventCredentialFlag, EventMarketGateUpdate,
}

// IntentRejected is published when an account is skipped for a signal.
type IntentRejected struct {
	SignalID string `json:"signal_id"`
	UserID   string `json:"user_id"`
	Reason   string `json:"reason"`
}

// OrderEvent carries the outcome of one dispatch.
type OrderEvent struct {
	IntentID string          `json:"intent_id"`
	UserID   string          `json:"user_id"`
	Symbol   string          `json:"symbol"`
	Purpose  string          `json:"purpose"`
	Endpoint string          `json:"endpoint,omitempty"`
	Filled   decimal.Decimal `json:"filled_qty"`
	Price    decimal.Decimal `json:"avg_price"`
	Class    string          `json:"class,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// PositionEvent is published on every position lifecycle transition.
type PositionEvent struct {
	PositionID string          `json:"position_id"`
	UserID     string          `json:"user_id"`
	Symbol     string          `json:"symbol"`
	Status     string          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	ExitPrice  decimal.Decimal `json:"exit_price,omitempty"`
	PnL        decimal.Decimal `json:"pnl,omitempty"`
	At         time.Time       `json:"at"`
}

// CredentialFlagged is published when a credential is marked unusable.
type CredentialFlagged struct {
	CredentialID string `json:"credential_id"`
	UserID       string `json:"user_id,omitempty"`
	Pool         bool   `json:"pool"`
	Reason       string `json:"reason"`
}

// GateUpdate is published when the market gate changes.
type GateUpdate struct {
	Index      int       `json:"index"`
	Regime     string    `json:"regime"`
	ObservedAt time.Time `json:"observed_at"`
}
