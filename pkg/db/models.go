package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the trade direction carried by signals and positions.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionClose Direction = "CLOSE"
)

// Sign returns +1 for LONG, -1 for SHORT, 0 otherwise.
func (d Direction) Sign() int64 {
	switch d {
	case DirectionLong:
		return 1
	case DirectionShort:
		return -1
	}
	return 0
}

// Strength distinguishes ordinary from strong signals.
type Strength string

const (
	StrengthNormal Strength = "normal"
	StrengthStrong Strength = "strong"
)

// Tier is the account service level.
type Tier string

const (
	TierBasic Tier = "basic"
	TierVIP   Tier = "vip"
)

// ValidationStatus tracks whether a credential is known to work.
type ValidationStatus string

const (
	ValidationValid   ValidationStatus = "valid"
	ValidationPending ValidationStatus = "pending"
	ValidationError   ValidationStatus = "error"
)

// PositionStatus is the supervisor state machine.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
	PositionFailed  PositionStatus = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s PositionStatus) Terminal() bool {
	return s == PositionClosed || s == PositionFailed
}

// CloseReason explains why a position was closed.
type CloseReason string

const (
	ReasonTakeProfit CloseReason = "TAKE_PROFIT"
	ReasonStopLoss   CloseReason = "STOP_LOSS"
	ReasonTimeout    CloseReason = "TIMEOUT"
	ReasonManual     CloseReason = "MANUAL"
)

// FundingSource classifies the capital backing a position.
type FundingSource string

const (
	FundingReal  FundingSource = "REAL"
	FundingBonus FundingSource = "BONUS"
)

// Order status and purpose values.
const (
	OrderSubmitted       = "SUBMITTED"
	OrderFilled          = "FILLED"
	OrderPartiallyFilled = "PARTIALLY_FILLED"
	OrderRejected        = "REJECTED"
	OrderFailed          = "FAILED"

	PurposeOpen  = "OPEN"
	PurposeClose = "CLOSE"
)

// User is an API login.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TraderAccount is owned by the platform's user domain; the engine reads it
// and only writes the balance snapshot and the active flag.
type TraderAccount struct {
	UserID           string
	DisplayName      string
	Active           bool
	Tier             Tier
	Exchange         string
	Environment      string
	PositionPct      decimal.Decimal
	MaxConcurrent    int
	StopLossPct      decimal.Decimal
	TakeProfitPct    decimal.Decimal
	MaxPositionSize  decimal.Decimal // quote notional, zero = uncapped
	BalanceSnapshot  decimal.Decimal
	BalanceUpdatedAt *time.Time
}

// ExchangeCredential holds encrypted key material; UserID is empty for pool rows.
type ExchangeCredential struct {
	ID                 string
	UserID             string
	Exchange           string
	Environment        string
	APIKeyEncrypted    string
	APISecretEncrypted string
	KeyVersion         int
	IsPool             bool
	IsActive           bool
	ValidationStatus   ValidationStatus
	ErrorReason        string
	LastValidatedAt    *time.Time
	FlaggedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Signal is immutable once stored.
type Signal struct {
	ID             string
	IdempotencyKey string
	SourceID       string
	Symbol         string
	Action         string
	Direction      Direction
	Strength       Strength
	Price          decimal.Decimal
	Strategy       string
	Exchange       string
	SignalTime     time.Time
	ReceivedAt     time.Time
	ProcessedAt    *time.Time
}

// Order records one exchange order attempt (open or close).
type Order struct {
	ID              string // also the venue client order id
	UserID          string
	CredentialID    string
	SignalID        string
	PositionID      string
	Purpose         string
	Symbol          string
	Side            string
	Qty             decimal.Decimal
	FilledQty       decimal.Decimal
	AvgPrice        decimal.Decimal
	Status          string
	ExchangeOrderID string
	Endpoint        string
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Position is an open exchange exposure tracked until closed.
type Position struct {
	ID              string
	UserID          string
	SignalID        string
	CredentialID    string
	Exchange        string
	Environment     string
	Symbol          string
	Direction       Direction
	EntryPrice      decimal.Decimal
	Quantity        decimal.Decimal
	StopLossPrice   decimal.Decimal
	TakeProfitPrice decimal.Decimal
	OpenedAt        time.Time
	Status          PositionStatus
	ExchangeOrderID string
	FailureReason   string
	FrozenReason    string
	UpdatedAt       time.Time
}

// Frozen reports whether automated close attempts are suspended.
func (p Position) Frozen() bool { return p.FrozenReason != "" }

// ClosureEvent terminates a position.
type ClosureEvent struct {
	PositionID   string
	UserID       string
	Symbol       string
	ExitPrice    decimal.Decimal
	Reason       CloseReason
	RealizedPnL  decimal.Decimal
	CloseOrderID string
	ClosedAt     time.Time
}

// CapitalEvent mirrors the payment history: deposits (REAL) and grants (BONUS).
type CapitalEvent struct {
	ID        string
	UserID    string
	Source    FundingSource
	Amount    decimal.Decimal
	Status    string // CONFIRMED, PENDING, REVERSED
	Reference string
	CreatedAt time.Time
}

// Capital event status values.
const (
	CapitalConfirmed = "CONFIRMED"
	CapitalPending   = "PENDING"
	CapitalReversed  = "REVERSED"
)

// Affiliate earns commission on referred users' real revenue.
type Affiliate struct {
	ID       string
	Name     string
	Tier     string // standard, vip
	IsActive bool
}

// RevenueAttribution records the funding classification of every closure.
type RevenueAttribution struct {
	PositionID    string
	UserID        string
	FundingSource FundingSource
	RealizedPnL   decimal.Decimal
	AttributedAt  time.Time
}

// CommissionRecord exists only for REAL-funded profitable closures.
type CommissionRecord struct {
	ID               string
	AffiliateID      string
	SourcePositionID string
	UserID           string
	FundingSource    FundingSource
	RateApplied      decimal.Decimal
	Amount           decimal.Decimal
	CreatedAt        time.Time
}

// MarketGateState is one observation of the sentiment index.
type MarketGateState struct {
	ID             int64
	Value          int
	Classification string
	Source         string
	ObservedAt     time.Time
	RecordedAt     time.Time
	SupersededAt   *time.Time
}

// AuditEntry records a rejected or skipped intent.
type AuditEntry struct {
	SignalID  string
	UserID    string
	IntentID  string
	Symbol    string
	Stage     string
	Reason    string
	Detail    string
	CreatedAt time.Time
}
