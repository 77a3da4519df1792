package cache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestGetHonoursTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewShardedPriceCache(5 * time.Second)
	c.now = func() time.Time { return now }

	key := Key("https://api-testnet.bybit.com", "BTCUSDT")
	c.Set(key, decimal.RequireFromString("65000.5"))

	p, ok := c.Get(key)
	assert.True(t, ok)
	assert.Equal(t, "65000.5", p.String())

	now = now.Add(6 * time.Second)
	_, ok = c.Get(key)
	assert.False(t, ok)

	_, age, ok := c.GetWithAge(key)
	assert.True(t, ok)
	assert.Equal(t, 6*time.Second, age)
}

func TestKeysAreScopedByEndpoint(t *testing.T) {
	c := NewShardedPriceCache(0)
	c.Set(Key("testnet", "BTCUSDT"), decimal.NewFromInt(1))
	c.Set(Key("mainnet", "BTCUSDT"), decimal.NewFromInt(2))

	p, _ := c.Get(Key("testnet", "BTCUSDT"))
	assert.True(t, p.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 2, c.Len())
}

func TestCleanup(t *testing.T) {
	now := time.Now()
	c := NewShardedPriceCache(0)
	c.now = func() time.Time { return now }
	c.Set("a", decimal.NewFromInt(1))
	now = now.Add(time.Minute)
	c.Set("b", decimal.NewFromInt(2))

	assert.Equal(t, 1, c.Cleanup(30*time.Second))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Stats().TotalItems)

	c.Delete("b")
	assert.Equal(t, 0, c.Len())
}
