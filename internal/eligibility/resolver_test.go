package eligibility

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/events"
	"signal-engine/internal/marketgate"
	"signal-engine/internal/risk"
	"signal-engine/pkg/config"
	"signal-engine/pkg/db"
)

type stubGate struct {
	ok     bool
	reason string
}

func (g stubGate) Check(db.Direction) (bool, string) { return g.ok, g.reason }

type storedBalances struct{}

func (storedBalances) Snapshot(_ context.Context, acct db.TraderAccount) decimal.Decimal {
	return acct.BalanceSnapshot
}

type captureAudit struct {
	mu      sync.Mutex
	entries []db.AuditEntry
}

func (c *captureAudit) Audit(e db.AuditEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *captureAudit) reasons() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.entries))
	for _, e := range c.entries {
		out[e.UserID] = e.Reason
	}
	return out
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	db    *db.Database
	audit *captureAudit
	bus   *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { _ = database.Close() })
	return &fixture{db: database, audit: &captureAudit{}, bus: events.NewBus()}
}

func (f *fixture) resolver(gate Gate) *Resolver {
	return New(f.db, gate, storedBalances{}, config.DefaultPolicy().Sizing, f.audit, f.bus, nil)
}

func (f *fixture) account(t *testing.T, userID, balance string, mutate ...func(*db.TraderAccount)) {
	t.Helper()
	a := db.TraderAccount{
		UserID: userID, Active: true, Tier: db.TierVIP, Exchange: "bybit", Environment: "testnet",
		PositionPct: d("0.05"), MaxConcurrent: 3, StopLossPct: d("0.05"), TakeProfitPct: d("0.1"),
		BalanceSnapshot: d(balance),
	}
	for _, m := range mutate {
		m(&a)
	}
	require.NoError(t, f.db.UpsertAccount(context.Background(), a))
}

func (f *fixture) signal(t *testing.T, id string, strength db.Strength) db.Signal {
	t.Helper()
	s := db.Signal{
		ID: id, IdempotencyKey: "key-" + id, SourceID: id, Symbol: "BTCUSDT", Action: "BUY",
		Direction: db.DirectionLong, Strength: strength, Price: d("67850.50"),
		SignalTime: time.Now().UTC(), ReceivedAt: time.Now().UTC(),
	}
	require.NoError(t, f.db.InsertSignal(context.Background(), s))
	return s
}

func (f *fixture) openPosition(t *testing.T, id, userID, symbol string) {
	t.Helper()
	require.NoError(t, f.db.CreatePosition(context.Background(), db.Position{
		ID: id, UserID: userID, SignalID: "old", CredentialID: "c", Exchange: "bybit", Environment: "testnet",
		Symbol: symbol, Direction: db.DirectionLong, EntryPrice: d("100"), Quantity: d("1"),
		StopLossPrice: d("95"), TakeProfitPrice: d("110"), OpenedAt: time.Now().UTC(), Status: db.PositionOpen,
	}, ""))
}

func TestResolveSizesVIPAccount(t *testing.T) {
	f := newFixture(t)
	f.account(t, "vip", "10000")
	sig := f.signal(t, "s1", db.StrengthNormal)

	intents, err := f.resolver(stubGate{ok: true}).Resolve(context.Background(), sig)
	require.NoError(t, err)
	require.Len(t, intents, 1)

	in := intents[0]
	assert.Equal(t, "vip", in.UserID)
	assert.Equal(t, "500", in.Notional.String())
	assert.True(t, in.Quantity.Equal(d("500").Div(d("67850.50"))))
	assert.Equal(t, db.DirectionLong, in.Direction)
	assert.NotEmpty(t, in.ID)
}

func TestResolveStrongMultiplierAndCap(t *testing.T) {
	f := newFixture(t)
	f.account(t, "a", "10000")
	f.account(t, "capped", "10000", func(a *db.TraderAccount) { a.MaxPositionSize = d("600") })
	sig := f.signal(t, "s1", db.StrengthStrong)

	intents, err := f.resolver(stubGate{ok: true}).Resolve(context.Background(), sig)
	require.NoError(t, err)
	require.Len(t, intents, 2)

	byUser := map[string]decimal.Decimal{}
	for _, in := range intents {
		byUser[in.UserID] = in.Notional
	}
	assert.Equal(t, "750", byUser["a"].String())
	assert.Equal(t, "600", byUser["capped"].String())
}

func TestResolveSkips(t *testing.T) {
	f := newFixture(t)
	f.account(t, "open", "10000")
	f.openPosition(t, "p1", "open", "BTCUSDT")
	f.account(t, "full", "10000", func(a *db.TraderAccount) { a.MaxConcurrent = 1 })
	f.openPosition(t, "p2", "full", "ETHUSDT")
	f.account(t, "broke", "0")
	f.account(t, "tiny", "3")
	f.account(t, "bad", "10000", func(a *db.TraderAccount) { a.StopLossPct = d("0") })
	f.account(t, "ok", "10000")
	sig := f.signal(t, "s1", db.StrengthNormal)

	rejected, unsub := f.bus.Subscribe(events.EventIntentRejected, 16)
	defer unsub()

	intents, err := f.resolver(stubGate{ok: true}).Resolve(context.Background(), sig)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, "ok", intents[0].UserID)

	assert.Equal(t, map[string]string{
		"open":  ReasonOpenPosition,
		"full":  ReasonMaxConcurrent,
		"broke": ReasonNoBalance,
		"tiny":  ReasonBelowMinNotional,
		"bad":   ReasonInvalidProfile,
	}, f.audit.reasons())
	assert.Len(t, rejected, 5)
}

func TestResolveMinNotionalRaised(t *testing.T) {
	f := newFixture(t)
	f.account(t, "small", "50")
	sig := f.signal(t, "s1", db.StrengthNormal)

	intents, err := f.resolver(stubGate{ok: true}).Resolve(context.Background(), sig)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, "5", intents[0].Notional.String())
}

func TestResolveGateVetoSkipsAll(t *testing.T) {
	f := newFixture(t)
	f.account(t, "a", "10000")
	f.account(t, "b", "10000")
	sig := f.signal(t, "s1", db.StrengthNormal)

	intents, err := f.resolver(stubGate{reason: marketgate.ReasonExtremeFear}).Resolve(context.Background(), sig)
	require.NoError(t, err)
	assert.Empty(t, intents)
	assert.Equal(t, map[string]string{"a": marketgate.ReasonExtremeFear, "b": marketgate.ReasonExtremeFear}, f.audit.reasons())
}

func TestResolveOncePerSignalAndUser(t *testing.T) {
	f := newFixture(t)
	f.account(t, "a", "10000")
	sig := f.signal(t, "s1", db.StrengthNormal)
	r := f.resolver(stubGate{ok: true})

	first, err := r.Resolve(context.Background(), sig)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := r.Resolve(context.Background(), sig)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, ReasonAlreadyProcessed, f.audit.reasons()["a"])
}

func TestResolveRejectsCloseSignal(t *testing.T) {
	f := newFixture(t)
	sig := db.Signal{ID: "c", Direction: db.DirectionClose}
	_, err := f.resolver(stubGate{ok: true}).Resolve(context.Background(), sig)
	assert.Error(t, err)
}

func TestSize(t *testing.T) {
	r := New(nil, nil, nil, config.SizingPolicy{StrongMultiplier: 2, MinNotional: 10}, nil, nil, nil)
	p := risk.Profile{PositionPct: d("0.01")}

	n, ok := r.Size(d("2000"), p, db.StrengthNormal)
	assert.True(t, ok)
	assert.Equal(t, "20", n.String())

	n, ok = r.Size(d("2000"), p, db.StrengthStrong)
	assert.True(t, ok)
	assert.Equal(t, "40", n.String())

	n, ok = r.Size(d("500"), p, db.StrengthNormal)
	assert.True(t, ok)
	assert.Equal(t, "10", n.String())

	_, ok = r.Size(d("9"), p, db.StrengthNormal)
	assert.False(t, ok)
}

func TestSizeNeverExceedsAccountCap(t *testing.T) {
	r := New(nil, nil, nil, config.SizingPolicy{StrongMultiplier: 2, MinNotional: 10}, nil, nil, nil)

	p := risk.Profile{PositionPct: d("0.01"), MaxPositionSize: d("8")}
	n, ok := r.Size(d("5000"), p, db.StrengthNormal)
	assert.False(t, ok)
	assert.Equal(t, "8", n.String())

	p.MaxPositionSize = d("10")
	n, ok = r.Size(d("500"), p, db.StrengthNormal)
	assert.True(t, ok)
	assert.Equal(t, "10", n.String())
}
