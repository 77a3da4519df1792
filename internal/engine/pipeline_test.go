package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/monitor"
	"signal-engine/internal/order"
	"signal-engine/pkg/db"
)

func newDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func storeSignal(t *testing.T, database *db.Database, id string, dir db.Direction) db.Signal {
	t.Helper()
	now := time.Now().UTC()
	sig := db.Signal{
		ID:             id,
		IdempotencyKey: "src:" + id,
		SourceID:       "src",
		Symbol:         "BTCUSDT",
		Action:         string(dir),
		Direction:      dir,
		Strength:       db.StrengthNormal,
		Price:          decimal.NewFromInt(100),
		SignalTime:     now,
		ReceivedAt:     now,
	}
	require.NoError(t, database.InsertSignal(context.Background(), sig))
	return sig
}

type stubResolver struct {
	intents []order.Intent
	err     error
}

func (r *stubResolver) Resolve(ctx context.Context, sig db.Signal) ([]order.Intent, error) {
	return r.intents, r.err
}

type stubDispatcher struct {
	mu    sync.Mutex
	seen  []string
	fail  map[string]error
	inUse int
	peak  int
	delay time.Duration
}

func (d *stubDispatcher) Dispatch(ctx context.Context, in order.Intent) (*db.Position, error) {
	d.mu.Lock()
	d.seen = append(d.seen, in.UserID)
	d.inUse++
	if d.inUse > d.peak {
		d.peak = d.inUse
	}
	err := d.fail[in.UserID]
	d.mu.Unlock()

	time.Sleep(d.delay)

	d.mu.Lock()
	d.inUse--
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &db.Position{ID: "pos-" + in.ID, UserID: in.UserID}, nil
}

type stubCloser struct {
	symbols []string
	closed  []db.ClosureEvent
}

func (c *stubCloser) CloseSymbol(ctx context.Context, symbol string) ([]db.ClosureEvent, error) {
	c.symbols = append(c.symbols, symbol)
	return c.closed, nil
}

func intents(users ...string) []order.Intent {
	out := make([]order.Intent, 0, len(users))
	for _, u := range users {
		out = append(out, order.Intent{ID: "in-" + u, UserID: u, Symbol: "BTCUSDT", Direction: db.DirectionLong})
	}
	return out
}

func TestProcessDispatchesEveryIntent(t *testing.T) {
	database := newDB(t)
	sig := storeSignal(t, database, "sig-1", db.DirectionLong)
	metrics := monitor.NewSystemMetrics()

	disp := &stubDispatcher{fail: map[string]error{
		"u2": &order.DispatchError{IntentID: "in-u2", Err: errors.New("rejected")},
	}}
	p := NewPipeline(database, &stubResolver{intents: intents("u1", "u2", "u3")}, disp, &stubCloser{}, 4, metrics, nil)

	res, err := p.Process(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Intents)
	assert.Equal(t, 2, res.Opened)
	assert.Equal(t, 1, res.Failed)
	assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, disp.seen)
	assert.Equal(t, uint64(3), metrics.GetSnapshot().IntentsEmitted)

	stored, err := database.GetSignal(context.Background(), sig.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestProcessRespectsWorkerLimit(t *testing.T) {
	database := newDB(t)
	sig := storeSignal(t, database, "sig-1", db.DirectionLong)

	disp := &stubDispatcher{delay: 20 * time.Millisecond}
	p := NewPipeline(database, &stubResolver{intents: intents("a", "b", "c", "d", "e", "f")}, disp, &stubCloser{}, 2, nil, nil)

	res, err := p.Process(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Opened)
	assert.LessOrEqual(t, disp.peak, 2)
}

func TestProcessCloseSignalFlattensSymbol(t *testing.T) {
	database := newDB(t)
	sig := storeSignal(t, database, "sig-close", db.DirectionClose)

	closer := &stubCloser{closed: []db.ClosureEvent{{PositionID: "p1"}, {PositionID: "p2"}}}
	disp := &stubDispatcher{}
	p := NewPipeline(database, &stubResolver{intents: intents("u1")}, disp, closer, 4, nil, nil)

	res, err := p.Process(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Closed)
	assert.Equal(t, []string{"BTCUSDT"}, closer.symbols)
	assert.Empty(t, disp.seen)
}

func TestProcessResolverError(t *testing.T) {
	database := newDB(t)
	sig := storeSignal(t, database, "sig-1", db.DirectionLong)

	p := NewPipeline(database, &stubResolver{err: errors.New("boom")}, &stubDispatcher{}, &stubCloser{}, 4, nil, nil)
	_, err := p.Process(context.Background(), sig)
	assert.Error(t, err)

	stored, err := database.GetSignal(context.Background(), sig.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestSubmitRunsInBackground(t *testing.T) {
	database := newDB(t)
	sig := storeSignal(t, database, "sig-1", db.DirectionLong)

	disp := &stubDispatcher{}
	p := NewPipeline(database, &stubResolver{intents: intents("u1")}, disp, &stubCloser{}, 4, nil, nil)
	p.Start(context.Background())
	p.Submit(sig)
	p.Wait()

	assert.Equal(t, []string{"u1"}, disp.seen)
}

func TestSubmitAfterStopIsDropped(t *testing.T) {
	database := newDB(t)
	sig := storeSignal(t, database, "sig-1", db.DirectionLong)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	disp := &stubDispatcher{}
	p := NewPipeline(database, &stubResolver{intents: intents("u1")}, disp, &stubCloser{}, 4, nil, nil)
	p.Start(ctx)
	p.Submit(sig)
	p.Wait()

	assert.Empty(t, disp.seen)
}
