// Package reconciliation periodically compares local positions with the
// venue's and hands disagreements to the supervisor.
package reconciliation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-engine/internal/events"
	"signal-engine/internal/gateway"
	"signal-engine/internal/supervisor"
	"signal-engine/pkg/db"
	"signal-engine/pkg/exchange"
	"signal-engine/pkg/logger"
)

// Pool hands out clients for a stored credential.
type Pool interface {
	AcquireByID(ctx context.Context, userID, credentialID string) (*gateway.Lease, error)
	RecordResult(credentialID string, v exchange.Venue, err error)
}

// Freezer suspends automated handling of a position.
type Freezer interface {
	Freeze(ctx context.Context, positionID, reason string) error
}

// Service handles periodic reconciliation
type Service struct {
	db         *db.Database
	pool       Pool
	freezer    Freezer
	bus        *events.Bus
	settleCoin string
	interval   time.Duration
	log        *zap.Logger
	mu         sync.Mutex
}

// Report contains reconciliation results
type Report struct {
	Timestamp   time.Time      `json:"timestamp"`
	Credentials int            `json:"credentials"`
	Checked     int            `json:"checked"`
	Diffs       []PositionDiff `json:"diffs"`
	Frozen      int            `json:"frozen"`
	Untracked   int            `json:"untracked"`
}

// PositionDiff is one disagreement between local state and the venue.
type PositionDiff struct {
	PositionID   string          `json:"position_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	CredentialID string          `json:"credential_id"`
	Symbol       string          `json:"symbol"`
	LocalQty     decimal.Decimal `json:"local_qty"`
	VenueQty     decimal.Decimal `json:"venue_qty"`
	Reason       string          `json:"reason"`
}

// NewService creates a new reconciliation service
func NewService(database *db.Database, pool Pool, freezer Freezer, bus *events.Bus, settleCoin string, interval time.Duration, log *zap.Logger) *Service {
	if settleCoin == "" {
		settleCoin = "USDT"
	}
	return &Service{
		db:         database,
		pool:       pool,
		freezer:    freezer,
		bus:        bus,
		settleCoin: settleCoin,
		interval:   interval,
		log:        logger.Or(log, "reconciliation"),
	}
}

// Run reconciles every interval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info("reconciliation started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := s.Reconcile(ctx)
			if err != nil {
				s.log.Error("reconciliation failed", zap.Error(err))
				continue
			}
			s.handleReport(report)
		}
	}
}

// Reconcile checks every unfrozen OPEN position against its credential's
// venue view. Local positions the venue no longer backs are frozen; venue
// positions with no local record are reported.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions, err := s.db.ListPositionsByStatus(ctx, db.PositionOpen)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}

	byCredential := make(map[string][]db.Position)
	for _, p := range positions {
		if p.Frozen() {
			continue
		}
		byCredential[p.CredentialID] = append(byCredential[p.CredentialID], p)
	}

	report := &Report{Timestamp: time.Now().UTC(), Credentials: len(byCredential)}
	for credID, local := range byCredential {
		lease, err := s.pool.AcquireByID(ctx, local[0].UserID, credID)
		if err != nil {
			s.log.Warn("skip credential", zap.String("credential_id", credID), zap.Error(err))
			continue
		}
		venue, err := lease.Primary.ListPositions(ctx, s.settleCoin)
		s.pool.RecordResult(credID, lease.Primary, err)
		if err != nil {
			s.log.Warn("list venue positions failed", zap.String("credential_id", credID), zap.Error(err))
			continue
		}

		held := make(map[string]exchange.PositionInfo, len(venue))
		for _, vp := range venue {
			held[vp.Symbol] = vp
		}

		tracked := make(map[string]bool, len(local))
		for _, p := range local {
			report.Checked++
			tracked[p.Symbol] = true
			vp := held[p.Symbol]
			vp.Symbol = p.Symbol
			reason := supervisor.Desync(p, vp)
			if reason == "" {
				continue
			}
			report.Diffs = append(report.Diffs, PositionDiff{
				PositionID: p.ID, UserID: p.UserID, CredentialID: credID, Symbol: p.Symbol,
				LocalQty: p.Quantity, VenueQty: vp.Size, Reason: reason,
			})
			if err := s.freezer.Freeze(ctx, p.ID, "reconciliation: "+reason); err != nil {
				s.log.Warn("freeze failed", zap.String("position_id", p.ID), zap.Error(err))
				continue
			}
			report.Frozen++
		}

		for symbol, vp := range held {
			if tracked[symbol] {
				continue
			}
			report.Untracked++
			report.Diffs = append(report.Diffs, PositionDiff{
				CredentialID: credID, Symbol: symbol, VenueQty: vp.Size, Reason: "venue position has no local record",
			})
			if s.bus != nil {
				s.bus.Publish(events.EventPositionDesync, events.PositionEvent{
					Symbol: symbol, Reason: "venue position has no local record", At: report.Timestamp,
				})
			}
		}
	}
	return report, nil
}

func (s *Service) handleReport(report *Report) {
	if len(report.Diffs) == 0 {
		s.log.Debug("reconciliation ok", zap.Int("checked", report.Checked))
		return
	}
	for _, diff := range report.Diffs {
		s.log.Warn("position difference",
			zap.String("credential_id", diff.CredentialID),
			zap.String("position_id", diff.PositionID),
			zap.String("symbol", diff.Symbol),
			zap.String("local_qty", diff.LocalQty.String()),
			zap.String("venue_qty", diff.VenueQty.String()),
			zap.String("reason", diff.Reason))
	}
	s.log.Warn("reconciliation found differences",
		zap.Int("checked", report.Checked),
		zap.Int("frozen", report.Frozen),
		zap.Int("untracked", report.Untracked))
}
