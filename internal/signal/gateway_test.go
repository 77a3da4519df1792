package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/pkg/db"
)

var t0 = time.Date(2026, 5, 4, 10, 30, 15, 0, time.UTC)

func newGateway(t *testing.T) (*Gateway, *db.Database, *time.Time) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { _ = database.Close() })

	now := t0
	g := NewGateway(database, "secret", 120*time.Second, nil, nil)
	g.now = func() time.Time { return now }
	return g, database, &now
}

func body(symbol, action string, price any, ts any) []byte {
	raw, _ := json.Marshal(map[string]any{"symbol": symbol, "action": action, "price": price, "time": ts})
	return raw
}

func TestIngestAccepts(t *testing.T) {
	g, database, now := newGateway(t)
	*now = t0.Add(5 * time.Second)

	sig, err := g.Ingest(context.Background(), body("BYBIT:BTCUSDT.P", "STRONG_BUY", 67850.50, t0.Unix()), "secret")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
	assert.Equal(t, db.DirectionLong, sig.Direction)
	assert.Equal(t, db.StrengthStrong, sig.Strength)
	assert.Equal(t, "67850.5", sig.Price.String())
	assert.True(t, sig.SignalTime.Equal(t0))

	stored, err := database.GetSignal(context.Background(), sig.ID)
	require.NoError(t, err)
	assert.Equal(t, sig.IdempotencyKey, stored.IdempotencyKey)
}

func TestIngestRejectsBadToken(t *testing.T) {
	g, _, _ := newGateway(t)
	_, err := g.Ingest(context.Background(), body("BTCUSDT", "BUY", 1, t0.Unix()), "wrong")
	assert.ErrorIs(t, err, ErrBadToken)
	_, err = g.Ingest(context.Background(), body("BTCUSDT", "BUY", 1, t0.Unix()), "")
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestIngestStaleness(t *testing.T) {
	g, database, now := newGateway(t)

	*now = t0.Add(130 * time.Second)
	_, err := g.Ingest(context.Background(), body("BTCUSDT", "BUY", "67850.50", t0.Unix()), "secret")
	assert.ErrorIs(t, err, ErrStale)

	*now = t0.Add(120 * time.Second)
	_, err = g.Ingest(context.Background(), body("BTCUSDT", "BUY", "67850.50", t0.Unix()), "secret")
	assert.NoError(t, err, "exactly at the window is still fresh")

	*now = t0.Add(-5 * time.Minute)
	_, err = g.Ingest(context.Background(), body("ETHUSDT", "BUY", "1", t0.Unix()), "secret")
	assert.ErrorIs(t, err, ErrMalformed)

	n, err := database.CountSignals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIngestIdempotent(t *testing.T) {
	g, database, now := newGateway(t)
	ctx := context.Background()
	*now = t0.Add(2 * time.Second)

	first, err := g.Ingest(ctx, body("BTCUSDT", "BUY", 67850.5, t0.Unix()), "secret")
	require.NoError(t, err)

	// retransmit arrives in the next minute
	*now = t0.Add(50 * time.Second)
	dup, err := g.Ingest(ctx, body("BTCUSDT", "buy", 67850.5, t0.UnixMilli()), "secret")
	require.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, first.ID, dup.ID)
	// bucketed by the signal's time, not the minute it was received in
	assert.Equal(t, IdempotencyKey(first.SourceID, t0), first.IdempotencyKey)
	assert.NotEqual(t, first.ReceivedAt.Truncate(time.Minute), now.Truncate(time.Minute))

	n, err := database.CountSignals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIngestExplicitIDDedup(t *testing.T) {
	g, _, _ := newGateway(t)
	ctx := context.Background()
	raw := []byte(fmt.Sprintf(`{"id":"alert-7","symbol":"ETHUSDT","action":"SELL","price":"3100.1","time":"%s"}`, t0.Format(time.RFC3339)))

	first, err := g.Ingest(ctx, raw, "secret")
	require.NoError(t, err)
	assert.Equal(t, "alert-7", first.SourceID)
	assert.Equal(t, db.DirectionShort, first.Direction)

	_, err = g.Ingest(ctx, raw, "secret")
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestIngestMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{`, ErrMalformed},
		{"missing symbol", `{"action":"BUY","price":1,"time":1}`, ErrMalformed},
		{"missing price", `{"symbol":"BTCUSDT","action":"BUY","time":1}`, ErrMalformed},
		{"zero price", fmt.Sprintf(`{"symbol":"BTCUSDT","action":"BUY","price":0,"time":%d}`, t0.Unix()), ErrMalformed},
		{"bad time", `{"symbol":"BTCUSDT","action":"BUY","price":1,"time":"yesterday"}`, ErrMalformed},
		{"bad symbol", fmt.Sprintf(`{"symbol":"BTC/USDT","action":"BUY","price":1,"time":%d}`, t0.Unix()), ErrMalformed},
		{"unknown action", fmt.Sprintf(`{"symbol":"BTCUSDT","action":"HODL","price":1,"time":%d}`, t0.Unix()), ErrUnknownAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, _ := newGateway(t)
			_, err := g.Ingest(context.Background(), []byte(tt.raw), "secret")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNormalizeAction(t *testing.T) {
	tests := []struct {
		in   string
		dir  db.Direction
		str  db.Strength
		want bool
	}{
		{"buy", db.DirectionLong, db.StrengthNormal, true},
		{"Strong Buy", db.DirectionLong, db.StrengthStrong, true},
		{"strong-short", db.DirectionShort, db.StrengthStrong, true},
		{"close_long", db.DirectionClose, db.StrengthNormal, true},
		{"exit", db.DirectionClose, db.StrengthNormal, true},
		{"maybe", "", "", false},
	}
	for _, tt := range tests {
		_, e, ok := normalizeAction(tt.in)
		assert.Equal(t, tt.want, ok, tt.in)
		if ok {
			assert.Equal(t, tt.dir, e.direction, tt.in)
			assert.Equal(t, tt.str, e.strength, tt.in)
		}
	}
}

func TestParseTime(t *testing.T) {
	sec := json.RawMessage(fmt.Sprint(t0.Unix()))
	ms := json.RawMessage(fmt.Sprint(t0.UnixMilli()))
	str := json.RawMessage(fmt.Sprintf(`"%d"`, t0.Unix()))
	rfc := json.RawMessage(`"` + t0.Format(time.RFC3339) + `"`)
	for _, raw := range []json.RawMessage{sec, ms, str, rfc} {
		got, err := parseTime(raw)
		require.NoError(t, err, string(raw))
		assert.True(t, got.Equal(t0), string(raw))
	}
}

func TestIdempotencyKeyBucketsByMinute(t *testing.T) {
	a := IdempotencyKey("src", time.Date(2026, 1, 1, 12, 0, 5, 0, time.UTC))
	b := IdempotencyKey("src", time.Date(2026, 1, 1, 12, 0, 55, 0, time.UTC))
	c := IdempotencyKey("src", time.Date(2026, 1, 1, 12, 1, 0, 0, time.UTC))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "src:202601011200", a)
}
