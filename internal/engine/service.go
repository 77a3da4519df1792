// Package engine exposes the signal engine to the API layer. The API only
// talks to the engine through Service.
package engine

import (
	"context"
	"time"

	"signal-engine/pkg/db"
)

// Service defines the operations the API layer needs.
type Service interface {
	// Signals
	IngestSignal(ctx context.Context, raw []byte, token string) (*db.Signal, error)

	// Positions
	ListPositions(ctx context.Context, userID string, limit int) ([]PositionView, error)
	GetPosition(ctx context.Context, userID, positionID string) (*PositionView, error)
	ClosePosition(ctx context.Context, userID, positionID string) (*PositionView, error)

	// Credentials and account
	ListCredentials(ctx context.Context, userID string) ([]CredentialInfo, error)
	StoreCredential(ctx context.Context, userID, exchange, environment, apiKey, secret string) (*CredentialInfo, error)
	DeactivateAccount(ctx context.Context, userID string) error

	// Ledger
	ListCommissions(ctx context.Context, userID string, limit int) ([]CommissionView, error)

	// Market gate
	MarketGate(ctx context.Context) *GateStatus
	UpdateMarketGate(ctx context.Context, value int, observedAt time.Time, source string) (*db.MarketGateState, error)

	// System
	GetSystemStatus(ctx context.Context) *SystemStatus
}
