package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/events"
	"signal-engine/pkg/crypto"
	"signal-engine/pkg/db"
)

type fixture struct {
	db   *db.Database
	keys *crypto.Keyring
	bus  *events.Bus
	reg  *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { _ = database.Close() })

	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	keys, err := crypto.NewKeyring(map[int][]byte{1: key})
	require.NoError(t, err)

	bus := events.NewBus()
	return &fixture{db: database, keys: keys, bus: bus, reg: NewRegistry(database, keys, bus, Config{}, nil)}
}

func (f *fixture) account(t *testing.T, userID string, tier db.Tier) {
	t.Helper()
	require.NoError(t, f.db.UpsertAccount(context.Background(), db.TraderAccount{
		UserID: userID, Active: true, Tier: tier, Exchange: "bybit", Environment: "testnet",
		PositionPct: decimal.RequireFromString("0.05"), MaxConcurrent: 3,
		StopLossPct: decimal.RequireFromString("0.05"), TakeProfitPct: decimal.RequireFromString("0.1"),
	}))
}

func (f *fixture) credential(t *testing.T, id, userID string, pool bool, status db.ValidationStatus, active bool) {
	t.Helper()
	encKey, encSecret, v, err := f.keys.SealPair(id, "key-"+id, "secret-"+id)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, f.db.InsertCredential(context.Background(), db.ExchangeCredential{
		ID: id, UserID: userID, Exchange: "bybit", Environment: "testnet",
		APIKeyEncrypted: encKey, APISecretEncrypted: encSecret, KeyVersion: v,
		IsPool: pool, IsActive: active, ValidationStatus: status, LastValidatedAt: &now,
	}))
}

func TestResolvePrefersIndividual(t *testing.T) {
	f := newFixture(t)
	f.account(t, "u1", db.TierBasic)
	f.credential(t, "own", "u1", false, db.ValidationValid, true)
	f.credential(t, "pool", "", true, db.ValidationValid, true)

	c, err := f.reg.Resolve(context.Background(), "u1", "bybit", "testnet")
	require.NoError(t, err)
	assert.Equal(t, "own", c.ID)
	assert.Equal(t, "key-own", c.APIKey)
	assert.Equal(t, "secret-own", c.Secret)
	assert.False(t, c.Pool)
}

func TestResolvePoolFallbackBasicOnly(t *testing.T) {
	f := newFixture(t)
	f.account(t, "basic", db.TierBasic)
	f.account(t, "vip", db.TierVIP)
	f.credential(t, "pool", "", true, db.ValidationValid, true)

	c, err := f.reg.Resolve(context.Background(), "basic", "bybit", "testnet")
	require.NoError(t, err)
	assert.True(t, c.Pool)

	_, err = f.reg.Resolve(context.Background(), "vip", "bybit", "testnet")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.reg.Resolve(context.Background(), "basic", "bybit", "mainnet")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveIndividualStates(t *testing.T) {
	f := newFixture(t)
	for _, u := range []string{"inactive", "pending", "flagged"} {
		f.account(t, u, db.TierBasic)
	}
	f.credential(t, "pool", "", true, db.ValidationValid, true)
	f.credential(t, "c-inactive", "inactive", false, db.ValidationValid, false)
	f.credential(t, "c-pending", "pending", false, db.ValidationPending, true)
	f.credential(t, "c-flagged", "flagged", false, db.ValidationValid, true)
	require.NoError(t, f.db.FlagCredentialError(context.Background(), "c-flagged", "IP not whitelisted", time.Now()))

	tests := []struct {
		user string
		want error
	}{
		{"inactive", ErrInactive},
		{"pending", ErrNotValidated},
		{"flagged", ErrFlagged},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			_, err := f.reg.Resolve(context.Background(), tt.user, "bybit", "testnet")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFlagErrorFailsFast(t *testing.T) {
	f := newFixture(t)
	f.account(t, "u1", db.TierVIP)
	f.credential(t, "own", "u1", false, db.ValidationValid, true)

	flagged, unsub := f.bus.Subscribe(events.EventCredentialFlag, 1)
	defer unsub()
	var hooked atomic.Value
	f.reg.OnFlag(func(id string) { hooked.Store(id) })

	ctx := context.Background()
	_, err := f.reg.Resolve(ctx, "u1", "bybit", "testnet")
	require.NoError(t, err)
	assert.Equal(t, 1, f.reg.Len())

	require.NoError(t, f.reg.FlagError(ctx, "own", "retCode=10010 Unmatched IP"))
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, "own", hooked.Load())

	_, err = f.reg.Resolve(ctx, "u1", "bybit", "testnet")
	require.ErrorIs(t, err, ErrFlagged)
	assert.Contains(t, err.Error(), "Unmatched IP")

	ev := (<-flagged).(events.CredentialFlagged)
	assert.Equal(t, "u1", ev.UserID)
	assert.False(t, ev.Pool)
}

func TestByID(t *testing.T) {
	f := newFixture(t)
	f.credential(t, "pool", "", true, db.ValidationValid, true)

	c, err := f.reg.ByID(context.Background(), "pool")
	require.NoError(t, err)
	assert.Equal(t, "key-pool", c.APIKey)

	_, err = f.reg.ByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCreatesThenReplaces(t *testing.T) {
	f := newFixture(t)
	f.account(t, "u1", db.TierVIP)
	ctx := context.Background()

	row, err := f.reg.Store(ctx, "u1", "bybit", "testnet", "k1", "s1")
	require.NoError(t, err)
	assert.Equal(t, db.ValidationPending, row.ValidationStatus)
	assert.NotContains(t, row.APIKeyEncrypted, "k1")

	_, err = f.reg.Resolve(ctx, "u1", "bybit", "testnet")
	assert.ErrorIs(t, err, ErrNotValidated)

	require.NoError(t, f.db.MarkCredentialValid(ctx, row.ID, time.Now()))
	c, err := f.reg.Resolve(ctx, "u1", "bybit", "testnet")
	require.NoError(t, err)
	assert.Equal(t, "k1", c.APIKey)

	again, err := f.reg.Store(ctx, "u1", "bybit", "testnet", "k2", "s2")
	require.NoError(t, err)
	assert.Equal(t, row.ID, again.ID)
	assert.Equal(t, db.ValidationPending, again.ValidationStatus)

	_, err = f.reg.Resolve(ctx, "u1", "bybit", "testnet")
	assert.ErrorIs(t, err, ErrNotValidated)
}

func TestCacheExpiresAndEvicts(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.reg = NewRegistry(f.db, f.keys, nil, Config{TTL: time.Minute, MaxSize: 1}, nil)
	f.reg.now = func() time.Time { return now }

	f.account(t, "a", db.TierVIP)
	f.account(t, "b", db.TierVIP)
	f.credential(t, "ca", "a", false, db.ValidationValid, true)
	f.credential(t, "cb", "b", false, db.ValidationValid, true)

	ctx := context.Background()
	_, err := f.reg.Resolve(ctx, "a", "bybit", "testnet")
	require.NoError(t, err)
	_, err = f.reg.Resolve(ctx, "b", "bybit", "testnet")
	require.NoError(t, err)
	assert.Equal(t, 1, f.reg.Len())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, f.reg.purgeExpired())
	assert.Equal(t, 0, f.reg.Len())
}

func TestConcurrentResolve(t *testing.T) {
	f := newFixture(t)
	f.account(t, "u1", db.TierBasic)
	f.credential(t, "pool", "", true, db.ValidationValid, true)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := f.reg.Resolve(context.Background(), "u1", "bybit", "testnet")
			if err == nil && c.ID != "pool" {
				err = errors.New("wrong credential")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}
