package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/pkg/exchange"
)

func noSleep(slept *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
}

func TestDelay(t *testing.T) {
	p := Default()
	assert.Equal(t, 500*time.Millisecond, p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(3))
	assert.Equal(t, 4*time.Second, p.Delay(4))
	assert.Equal(t, 4*time.Second, p.Delay(10))
}

func TestDoRetriesTransientThenGivesUp(t *testing.T) {
	var slept []time.Duration
	p := Default()
	p.Sleep = noSleep(&slept)

	transient := &exchange.Error{Class: exchange.ClassTransient, HTTPStatus: 503}
	attempts, err := p.Do(context.Background(), func(context.Context) error { return transient })

	require.ErrorIs(t, err, transient)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, slept)
}

func TestDoStopsOnAuth(t *testing.T) {
	var slept []time.Duration
	p := Default()
	p.Sleep = noSleep(&slept)

	auth := &exchange.Error{Class: exchange.ClassAuth, Code: 10010}
	attempts, err := p.Do(context.Background(), func(context.Context) error { return auth })

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, slept)
}

func TestDoUnknownErrorNotRetried(t *testing.T) {
	p := Default()
	attempts, err := p.Do(context.Background(), func(context.Context) error { return errors.New("boom") })
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoRecovers(t *testing.T) {
	var slept []time.Duration
	var retries []int
	p := Default()
	p.Sleep = noSleep(&slept)
	p.OnRetry = func(n int, _ time.Duration, _ error) { retries = append(retries, n) }

	calls := 0
	attempts, err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &exchange.Error{Class: exchange.ClassTransient}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDoHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Default()
	p.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	attempts, err := p.Do(ctx, func(context.Context) error {
		return &exchange.Error{Class: exchange.ClassTransient}
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
