package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signal-engine/internal/monitor"
	"signal-engine/internal/signal"
	"signal-engine/pkg/db"
)

// Ingestor authenticates and stores webhook signals.
type Ingestor interface {
	Ingest(ctx context.Context, raw []byte, token string) (*db.Signal, error)
}

// Submitter processes stored signals in the background.
type Submitter interface {
	Submit(sig db.Signal)
}

// Supervision is the part of the position supervisor the API drives.
type Supervision interface {
	ManualClose(ctx context.Context, userID, positionID string) (*db.ClosureEvent, error)
	CancelUser(userID string) int
	Supervised() int
}

// CredentialStore writes credentials and drops cached ones.
type CredentialStore interface {
	Store(ctx context.Context, userID, exchange, environment, apiKey, secret string) (*db.ExchangeCredential, error)
	Invalidate(userID string)
}

// Gate is the market gate.
type Gate interface {
	State() (db.MarketGateState, bool)
	Stale(now time.Time) bool
	Allows(dir db.Direction) bool
	Update(ctx context.Context, value int, observedAt time.Time, source string) (*db.MarketGateState, error)
}

// Config holds the configuration for creating an engine implementation.
type Config struct {
	DB         *db.Database
	Ingest     Ingestor
	Pipeline   Submitter
	Supervisor Supervision
	Registry   CredentialStore
	Gate       Gate
	Forget     []func(userID string) // per-user caches dropped on deactivation
	Metrics    *monitor.SystemMetrics
	Version    string
}

// Impl implements the Service interface by composing existing modules.
type Impl struct {
	cfg     Config
	started time.Time
	now     func() time.Time
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	return &Impl{cfg: cfg, started: time.Now(), now: time.Now}
}

// --- Signals ---

func (e *Impl) IngestSignal(ctx context.Context, raw []byte, token string) (*db.Signal, error) {
	sig, err := e.cfg.Ingest.Ingest(ctx, raw, token)
	if err != nil {
		if !errors.Is(err, signal.ErrDuplicate) && e.cfg.Metrics != nil {
			e.cfg.Metrics.IncSignalsRejected()
		}
		return sig, err
	}
	e.cfg.Pipeline.Submit(*sig)
	return sig, nil
}

// --- Positions ---

func (e *Impl) ListPositions(ctx context.Context, userID string, limit int) ([]PositionView, error) {
	positions, err := e.cfg.DB.ListPositionsByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionView(p))
	}
	return out, nil
}

func (e *Impl) GetPosition(ctx context.Context, userID, positionID string) (*PositionView, error) {
	p, err := e.cfg.DB.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, db.ErrNotFound
	}
	view := positionView(*p)
	if p.Status == db.PositionClosed {
		ev, err := e.cfg.DB.GetClosureEvent(ctx, p.ID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		if ev != nil {
			view.Closure = closureView(*ev)
		}
	}
	return &view, nil
}

func (e *Impl) ClosePosition(ctx context.Context, userID, positionID string) (*PositionView, error) {
	if _, err := e.cfg.Supervisor.ManualClose(ctx, userID, positionID); err != nil {
		return nil, err
	}
	return e.GetPosition(ctx, userID, positionID)
}

// --- Credentials and account ---

func (e *Impl) ListCredentials(ctx context.Context, userID string) ([]CredentialInfo, error) {
	rows, err := e.cfg.DB.ListCredentialsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]CredentialInfo, 0, len(rows))
	for _, c := range rows {
		out = append(out, credentialInfo(c))
	}
	return out, nil
}

func (e *Impl) StoreCredential(ctx context.Context, userID, exchange, environment, apiKey, secret string) (*CredentialInfo, error) {
	row, err := e.cfg.Registry.Store(ctx, userID, exchange, environment, apiKey, secret)
	if err != nil {
		return nil, err
	}
	info := credentialInfo(*row)
	if len(apiKey) > 4 {
		info.APIKeyHint = "..." + apiKey[len(apiKey)-4:]
	}
	return &info, nil
}

func credentialInfo(c db.ExchangeCredential) CredentialInfo {
	return CredentialInfo{
		ID:               c.ID,
		Exchange:         c.Exchange,
		Environment:      c.Environment,
		IsActive:         c.IsActive,
		ValidationStatus: string(c.ValidationStatus),
		ErrorReason:      c.ErrorReason,
		KeyVersion:       c.KeyVersion,
		LastValidatedAt:  c.LastValidatedAt,
		CreatedAt:        c.CreatedAt,
	}
}

// DeactivateAccount stops new entries and supervision for a user. Open
// positions keep their status and are resumed if the account is reactivated
// and the engine restarts.
func (e *Impl) DeactivateAccount(ctx context.Context, userID string) error {
	if err := e.cfg.DB.SetAccountActive(ctx, userID, false); err != nil {
		return fmt.Errorf("deactivate account: %w", err)
	}
	e.cfg.Supervisor.CancelUser(userID)
	e.cfg.Registry.Invalidate(userID)
	for _, forget := range e.cfg.Forget {
		forget(userID)
	}
	return nil
}

// --- Ledger ---

func (e *Impl) ListCommissions(ctx context.Context, userID string, limit int) ([]CommissionView, error) {
	recs, err := e.cfg.DB.ListCommissionsByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]CommissionView, 0, len(recs))
	for _, r := range recs {
		out = append(out, CommissionView{
			ID:            r.ID,
			AffiliateID:   r.AffiliateID,
			PositionID:    r.SourcePositionID,
			FundingSource: string(r.FundingSource),
			Rate:          r.RateApplied,
			Amount:        r.Amount,
			CreatedAt:     r.CreatedAt,
		})
	}
	return out, nil
}

// --- Market gate ---

func (e *Impl) MarketGate(ctx context.Context) *GateStatus {
	now := e.now()
	st := &GateStatus{
		Stale:       e.cfg.Gate.Stale(now),
		AllowsLong:  e.cfg.Gate.Allows(db.DirectionLong),
		AllowsShort: e.cfg.Gate.Allows(db.DirectionShort),
	}
	if s, ok := e.cfg.Gate.State(); ok {
		st.Available = true
		st.Value = s.Value
		st.Classification = s.Classification
		st.Source = s.Source
		st.ObservedAt = s.ObservedAt
		st.AgeSeconds = now.Sub(s.ObservedAt).Seconds()
	}
	return st
}

func (e *Impl) UpdateMarketGate(ctx context.Context, value int, observedAt time.Time, source string) (*db.MarketGateState, error) {
	return e.cfg.Gate.Update(ctx, value, observedAt, source)
}

// --- System ---

func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	st := &SystemStatus{
		Version:    e.cfg.Version,
		ServerTime: e.now().UTC(),
		Uptime:     time.Since(e.started).Round(time.Second).String(),
	}
	if e.cfg.Supervisor != nil {
		st.Supervised = e.cfg.Supervisor.Supervised()
	}
	if e.cfg.Metrics != nil {
		st.Metrics = e.cfg.Metrics.GetSnapshot()
	}
	return st
}

var _ Service = (*Impl)(nil)
