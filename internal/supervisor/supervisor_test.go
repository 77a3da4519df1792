package supervisor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/credential"
	"signal-engine/internal/events"
	"signal-engine/internal/gateway"
	"signal-engine/internal/order"
	"signal-engine/internal/retry"
	"signal-engine/pkg/cache"
	"signal-engine/pkg/db"
	"signal-engine/pkg/exchange"
	"signal-engine/pkg/exchange/exchangetest"
)

type stubPool struct {
	lease   *gateway.Lease
	byIDErr error
}

func (p *stubPool) Acquire(context.Context, string, string, string) (*gateway.Lease, error) {
	return p.lease, nil
}

func (p *stubPool) AcquireByID(context.Context, string, string) (*gateway.Lease, error) {
	if p.byIDErr != nil {
		return nil, p.byIDErr
	}
	return p.lease, nil
}

func (p *stubPool) RecordResult(string, exchange.Venue, error) {}

type fixture struct {
	db    *db.Database
	pool  *stubPool
	venue *exchangetest.Venue
	exec  *order.Executor
	bus   *events.Bus
	sup   *Supervisor
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { _ = database.Close() })

	venue := exchangetest.New("https://primary")
	venue.SetPrice("BTCUSDT", 100)
	pool := &stubPool{lease: &gateway.Lease{
		Credential: &credential.Credential{ID: "cred-1", UserID: "u1", Exchange: "bybit", Environment: "testnet"},
		Primary:    venue,
	}}

	policy := retry.Default()
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	bus := events.NewBus()
	exec := order.NewExecutor(database, pool, nil, nil, bus, nil, order.Config{
		QueueSize: 4, FillPollAttempts: 1, FillPollInterval: time.Millisecond, Retry: policy,
	}, nil)
	t.Cleanup(exec.Close)

	sup := New(database, pool, exec, cache.NewShardedPriceCache(time.Nanosecond), bus, nil,
		Config{Interval: time.Hour, MaxHold: 60 * time.Minute}, nil)
	t.Cleanup(sup.Stop)
	return &fixture{db: database, pool: pool, venue: venue, exec: exec, bus: bus, sup: sup}
}

func (f *fixture) open(t *testing.T, dir db.Direction) db.Position {
	t.Helper()
	pos, err := f.exec.Dispatch(context.Background(), order.Intent{
		ID: uuid.NewString(), SignalID: "s1", UserID: "u1", Exchange: "bybit", Environment: "testnet",
		Symbol: "BTCUSDT", Direction: dir, Quantity: d("1"), ReferencePrice: d("100"),
		StopLossPct: d("0.05"), TakeProfitPct: d("0.1"),
	})
	require.NoError(t, err)
	return *pos
}

func (f *fixture) closure(t *testing.T, id string) *db.ClosureEvent {
	t.Helper()
	ev, err := f.db.GetClosureEvent(context.Background(), id)
	require.NoError(t, err)
	return ev
}

func (f *fixture) status(t *testing.T, id string) db.Position {
	t.Helper()
	p, err := f.db.GetPosition(context.Background(), id)
	require.NoError(t, err)
	return *p
}

func TestStopLossPricePath(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t, db.DirectionLong)
	assert.Equal(t, "95", pos.StopLossPrice.String())
	assert.Equal(t, "110", pos.TakeProfitPrice.String())

	closed, unsub := f.bus.Subscribe(events.EventPositionClosed, 4)
	defer unsub()

	ctx := context.Background()
	f.venue.SetPrice("BTCUSDT", 96)
	assert.False(t, f.sup.Tick(ctx, pos.ID))
	assert.Equal(t, db.PositionOpen, f.status(t, pos.ID).Status)

	f.venue.SetPrice("BTCUSDT", 94)
	assert.True(t, f.sup.Tick(ctx, pos.ID))

	assert.Equal(t, db.PositionClosed, f.status(t, pos.ID).Status)
	ev := f.closure(t, pos.ID)
	assert.Equal(t, db.ReasonStopLoss, ev.Reason)
	assert.Equal(t, "94", ev.ExitPrice.String())
	assert.Equal(t, "-6", ev.RealizedPnL.String())
	assert.Len(t, closed, 1)
}

func TestTakeProfitShort(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t, db.DirectionShort)
	assert.Equal(t, "105", pos.StopLossPrice.String())
	assert.Equal(t, "90", pos.TakeProfitPrice.String())

	f.venue.SetPrice("BTCUSDT", 89)
	assert.True(t, f.sup.Tick(context.Background(), pos.ID))

	ev := f.closure(t, pos.ID)
	assert.Equal(t, db.ReasonTakeProfit, ev.Reason)
	assert.Equal(t, "11", ev.RealizedPnL.String())
}

func TestTimeout(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t, db.DirectionLong)

	assert.False(t, f.sup.Tick(context.Background(), pos.ID))
	f.sup.now = func() time.Time { return pos.OpenedAt.Add(61 * time.Minute) }
	assert.True(t, f.sup.Tick(context.Background(), pos.ID))
	assert.Equal(t, db.ReasonTimeout, f.closure(t, pos.ID).Reason)
}

func TestPriceUnavailableRetriesNextTick(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t, db.DirectionLong)

	f.venue.FailPrice(&exchange.Error{Class: exchange.ClassTransient, HTTPStatus: 503})
	assert.False(t, f.sup.Tick(context.Background(), pos.ID))
	assert.Equal(t, db.PositionOpen, f.status(t, pos.ID).Status)
}

func TestFlaggedCredentialFreezesBreachedPosition(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t, db.DirectionLong)

	frozen, unsub := f.bus.Subscribe(events.EventPositionFrozen, 4)
	defer unsub()

	f.venue.SetPrice("BTCUSDT", 80)
	f.pool.byIDErr = fmt.Errorf("%w: ip not whitelisted", credential.ErrFlagged)
	assert.True(t, f.sup.Tick(context.Background(), pos.ID))

	got := f.status(t, pos.ID)
	assert.Equal(t, db.PositionOpen, got.Status)
	assert.True(t, got.Frozen())
	assert.Contains(t, got.FrozenReason, "credential unusable")
	assert.Len(t, frozen, 1)

	assert.True(t, f.sup.Tick(context.Background(), pos.ID))
	assert.Len(t, frozen, 1)
}

func TestManualCloseWithInactiveCredentialFreezes(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t, db.DirectionLong)
	f.pool.byIDErr = credential.ErrInactive

	_, err := f.sup.ManualClose(context.Background(), "u1", pos.ID)
	assert.ErrorIs(t, err, ErrFrozen)
	assert.True(t, f.status(t, pos.ID).Frozen())
}

func TestDesyncFreezes(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t, db.DirectionLong)
	f.venue.SetPosition(exchange.PositionInfo{Symbol: "BTCUSDT"})

	frozen, unsub := f.bus.Subscribe(events.EventPositionFrozen, 4)
	defer unsub()

	f.venue.SetPrice("BTCUSDT", 90)
	calls := f.venue.Calls()
	assert.True(t, f.sup.Tick(context.Background(), pos.ID))

	got := f.status(t, pos.ID)
	assert.Equal(t, db.PositionOpen, got.Status)
	assert.True(t, got.Frozen())
	assert.Equal(t, calls, f.venue.Calls())
	assert.Len(t, frozen, 1)

	_, err := f.sup.Close(context.Background(), pos.ID, db.ReasonManual)
	assert.ErrorIs(t, err, ErrFrozen)
}

func TestCloseFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t, db.DirectionLong)
	f.venue.FailPlace(&exchange.Error{Class: exchange.ClassDomain, Code: 110017, Message: "reduce-only rejected"})

	failed, unsub := f.bus.Subscribe(events.EventPositionFailed, 4)
	defer unsub()

	f.venue.SetPrice("BTCUSDT", 94)
	assert.True(t, f.sup.Tick(context.Background(), pos.ID))

	got := f.status(t, pos.ID)
	assert.Equal(t, db.PositionFailed, got.Status)
	assert.NotEmpty(t, got.FailureReason)
	assert.Len(t, failed, 1)
}

func TestCloseLockIsExclusive(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t, db.DirectionLong)

	require.True(t, f.sup.lock(pos.ID))
	_, err := f.sup.Close(context.Background(), pos.ID, db.ReasonManual)
	assert.ErrorIs(t, err, ErrCloseInProgress)
	f.sup.unlock(pos.ID)

	ev, err := f.sup.Close(context.Background(), pos.ID, db.ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, db.ReasonManual, ev.Reason)

	_, err = f.sup.Close(context.Background(), pos.ID, db.ReasonManual)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestManualCloseChecksOwner(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t, db.DirectionLong)

	_, err := f.sup.ManualClose(context.Background(), "someone-else", pos.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)

	ev, err := f.sup.ManualClose(context.Background(), "u1", pos.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ReasonManual, ev.Reason)
}

func TestCloseSymbol(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t, db.DirectionLong)

	closed, err := f.sup.CloseSymbol(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, pos.ID, closed[0].PositionID)
}

func TestResumeSkipsFrozenAndStops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sup.Start(ctx)

	pos := f.open(t, db.DirectionLong)
	require.NoError(t, f.db.CreatePosition(ctx, db.Position{
		ID: "frozen", UserID: "u2", CredentialID: "cred-1", Symbol: "ETHUSDT", Direction: db.DirectionLong,
		EntryPrice: d("10"), Quantity: d("1"), StopLossPrice: d("9"), TakeProfitPrice: d("11"),
		OpenedAt: time.Now().UTC(), Status: db.PositionOpen,
	}, ""))
	require.NoError(t, f.db.FreezePosition(ctx, "frozen", "manual check"))

	n, err := f.sup.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.sup.Supervised())

	f.sup.Register(pos)
	assert.Equal(t, 1, f.sup.Supervised())

	assert.Equal(t, 1, f.sup.CancelUser("u1"))
	assert.Equal(t, 0, f.sup.Supervised())
	assert.Equal(t, db.PositionOpen, f.status(t, pos.ID).Status)
}

func TestJitterBounds(t *testing.T) {
	s := &Supervisor{cfg: Config{Interval: 60 * time.Second, Jitter: 5 * time.Second}}
	for i := 0; i < 200; i++ {
		delay := s.nextDelay()
		assert.GreaterOrEqual(t, delay, 55*time.Second)
		assert.LessOrEqual(t, delay, 65*time.Second)
	}
}

func TestDesync(t *testing.T) {
	long := db.Position{Direction: db.DirectionLong, Quantity: d("1")}
	cases := []struct {
		name string
		vp   exchange.PositionInfo
		ok   bool
	}{
		{"match", exchange.PositionInfo{Side: exchange.SideBuy, Size: d("1")}, true},
		{"larger", exchange.PositionInfo{Side: exchange.SideBuy, Size: d("2")}, true},
		{"flat", exchange.PositionInfo{}, false},
		{"smaller", exchange.PositionInfo{Side: exchange.SideBuy, Size: d("0.5")}, false},
		{"opposite", exchange.PositionInfo{Side: exchange.SideSell, Size: d("1")}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.ok, Desync(long, tc.vp) == "")
		})
	}
}
