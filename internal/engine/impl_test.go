package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/marketgate"
	"signal-engine/internal/monitor"
	"signal-engine/internal/signal"
	"signal-engine/pkg/config"
	"signal-engine/pkg/db"
)

type stubIngestor struct {
	sig *db.Signal
	err error
}

func (s *stubIngestor) Ingest(ctx context.Context, raw []byte, token string) (*db.Signal, error) {
	return s.sig, s.err
}

type stubSubmitter struct{ got []string }

func (s *stubSubmitter) Submit(sig db.Signal) { s.got = append(s.got, sig.ID) }

type stubSupervision struct {
	database  *db.Database
	cancelled []string
}

func (s *stubSupervision) ManualClose(ctx context.Context, userID, positionID string) (*db.ClosureEvent, error) {
	p, err := s.database.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, db.ErrNotFound
	}
	if err := s.database.TransitionPosition(ctx, p.ID, db.PositionOpen, db.PositionClosing, string(db.ReasonManual)); err != nil {
		return nil, err
	}
	ev := db.ClosureEvent{
		PositionID:  p.ID,
		UserID:      userID,
		Symbol:      p.Symbol,
		ExitPrice:   decimal.NewFromInt(105),
		Reason:      db.ReasonManual,
		RealizedPnL: decimal.NewFromInt(5),
		ClosedAt:    time.Now().UTC(),
	}
	return &ev, s.database.ClosePosition(ctx, ev)
}

func (s *stubSupervision) CancelUser(userID string) int {
	s.cancelled = append(s.cancelled, userID)
	return 1
}

func (s *stubSupervision) Supervised() int { return 3 }

type stubRegistry struct{ invalidated []string }

func (r *stubRegistry) Store(ctx context.Context, userID, exchange, environment, apiKey, secret string) (*db.ExchangeCredential, error) {
	return &db.ExchangeCredential{
		ID:               "cred-1",
		UserID:           userID,
		Exchange:         exchange,
		Environment:      environment,
		IsActive:         true,
		ValidationStatus: db.ValidationPending,
		KeyVersion:       1,
	}, nil
}

func (r *stubRegistry) Invalidate(userID string) { r.invalidated = append(r.invalidated, userID) }

type fixture struct {
	impl     *Impl
	db       *db.Database
	ingest   *stubIngestor
	pipeline *stubSubmitter
	sup      *stubSupervision
	registry *stubRegistry
	metrics  *monitor.SystemMetrics
	forgot   []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := newDB(t)
	f := &fixture{
		db:       database,
		ingest:   &stubIngestor{},
		pipeline: &stubSubmitter{},
		sup:      &stubSupervision{database: database},
		registry: &stubRegistry{},
		metrics:  monitor.NewSystemMetrics(),
	}
	f.impl = NewImpl(Config{
		DB:         database,
		Ingest:     f.ingest,
		Pipeline:   f.pipeline,
		Supervisor: f.sup,
		Registry:   f.registry,
		Gate:       marketgate.New(database, config.DefaultPolicy().MarketGate, nil, nil),
		Forget:     []func(string){func(u string) { f.forgot = append(f.forgot, u) }},
		Metrics:    f.metrics,
		Version:    "test",
	})
	return f
}

func openPosition(t *testing.T, database *db.Database, id, userID string) {
	t.Helper()
	require.NoError(t, database.CreatePosition(context.Background(), db.Position{
		ID:              id,
		UserID:          userID,
		SignalID:        "sig-1",
		CredentialID:    "cred-1",
		Exchange:        "bybit",
		Environment:     "testnet",
		Symbol:          "BTCUSDT",
		Direction:       db.DirectionLong,
		EntryPrice:      decimal.NewFromInt(100),
		Quantity:        decimal.NewFromInt(1),
		StopLossPrice:   decimal.NewFromInt(95),
		TakeProfitPrice: decimal.NewFromInt(110),
		OpenedAt:        time.Now().UTC(),
		Status:          db.PositionOpen,
	}, ""))
}

func TestIngestSignalSubmitsAcceptedSignal(t *testing.T) {
	f := newFixture(t)
	f.ingest.sig = &db.Signal{ID: "sig-1"}

	sig, err := f.impl.IngestSignal(context.Background(), []byte(`{}`), "tok")
	require.NoError(t, err)
	assert.Equal(t, "sig-1", sig.ID)
	assert.Equal(t, []string{"sig-1"}, f.pipeline.got)
}

func TestIngestSignalDuplicateIsNotResubmitted(t *testing.T) {
	f := newFixture(t)
	f.ingest.sig = &db.Signal{ID: "sig-1"}
	f.ingest.err = signal.ErrDuplicate

	sig, err := f.impl.IngestSignal(context.Background(), []byte(`{}`), "tok")
	assert.ErrorIs(t, err, signal.ErrDuplicate)
	assert.Equal(t, "sig-1", sig.ID)
	assert.Empty(t, f.pipeline.got)
	assert.Zero(t, f.metrics.GetSnapshot().SignalsRejected)
}

func TestIngestSignalRejectionCounted(t *testing.T) {
	f := newFixture(t)
	f.ingest.err = signal.ErrBadToken

	_, err := f.impl.IngestSignal(context.Background(), []byte(`{}`), "bad")
	assert.ErrorIs(t, err, signal.ErrBadToken)
	assert.Empty(t, f.pipeline.got)
	assert.Equal(t, uint64(1), f.metrics.GetSnapshot().SignalsRejected)
}

func TestPositionsAreScopedToOwner(t *testing.T) {
	f := newFixture(t)
	openPosition(t, f.db, "p1", "alice")
	ctx := context.Background()

	list, err := f.impl.ListPositions(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "OPEN", list[0].Status)

	_, err = f.impl.GetPosition(ctx, "bob", "p1")
	assert.ErrorIs(t, err, db.ErrNotFound)

	list, err = f.impl.ListPositions(ctx, "bob", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestClosePositionReturnsClosure(t *testing.T) {
	f := newFixture(t)
	openPosition(t, f.db, "p1", "alice")

	view, err := f.impl.ClosePosition(context.Background(), "alice", "p1")
	require.NoError(t, err)
	assert.Equal(t, "CLOSED", view.Status)
	require.NotNil(t, view.Closure)
	assert.Equal(t, "MANUAL", view.Closure.Reason)
	assert.True(t, view.Closure.RealizedPnL.Equal(decimal.NewFromInt(5)))

	_, err = f.impl.ClosePosition(context.Background(), "bob", "p1")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestStoreCredentialHidesKey(t *testing.T) {
	f := newFixture(t)
	info, err := f.impl.StoreCredential(context.Background(), "alice", "bybit", "testnet", "ABCDEFGH1234", "shh")
	require.NoError(t, err)
	assert.Equal(t, "...1234", info.APIKeyHint)
	assert.Equal(t, "pending", info.ValidationStatus)
}

func TestDeactivateAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.UpsertAccount(ctx, db.TraderAccount{
		UserID:        "alice",
		Active:        true,
		Tier:          db.TierBasic,
		Exchange:      "bybit",
		Environment:   "testnet",
		PositionPct:   decimal.RequireFromString("0.05"),
		MaxConcurrent: 3,
		StopLossPct:   decimal.RequireFromString("0.05"),
		TakeProfitPct: decimal.RequireFromString("0.1"),
	}))

	require.NoError(t, f.impl.DeactivateAccount(ctx, "alice"))

	acct, err := f.db.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, acct.Active)
	assert.Equal(t, []string{"alice"}, f.sup.cancelled)
	assert.Equal(t, []string{"alice"}, f.registry.invalidated)
	assert.Equal(t, []string{"alice"}, f.forgot)
}

func TestListCommissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.RecordAttribution(ctx,
		db.RevenueAttribution{PositionID: "p1", UserID: "alice", FundingSource: db.FundingReal, RealizedPnL: decimal.NewFromInt(200), AttributedAt: time.Now()},
		&db.CommissionRecord{ID: "c1", AffiliateID: "aff", SourcePositionID: "p1", UserID: "alice", FundingSource: db.FundingReal,
			RateApplied: decimal.RequireFromString("0.05"), Amount: decimal.NewFromInt(10), CreatedAt: time.Now()}))

	out, err := f.impl.ListCommissions(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "p1", out[0].PositionID)
	assert.Equal(t, "REAL", out[0].FundingSource)
	assert.True(t, out[0].Amount.Equal(decimal.NewFromInt(10)))
}

func TestMarketGateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st := f.impl.MarketGate(ctx)
	assert.False(t, st.Available)
	assert.True(t, st.Stale)
	assert.False(t, st.AllowsLong)

	_, err := f.impl.UpdateMarketGate(ctx, 50, time.Now().UTC(), "manual")
	require.NoError(t, err)

	st = f.impl.MarketGate(ctx)
	assert.True(t, st.Available)
	assert.Equal(t, 50, st.Value)
	assert.Equal(t, "NEUTRAL", st.Classification)
	assert.False(t, st.Stale)
	assert.True(t, st.AllowsLong)
	assert.True(t, st.AllowsShort)
}

func TestSystemStatus(t *testing.T) {
	f := newFixture(t)
	st := f.impl.GetSystemStatus(context.Background())
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, 3, st.Supervised)
}
