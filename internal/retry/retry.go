// Package retry holds the one backoff policy used for venue calls.
package retry

import (
	"context"
	"time"

	"signal-engine/pkg/exchange"
)

// Policy retries transient venue errors with capped exponential backoff.
type Policy struct {
	Base       time.Duration
	Factor     float64
	Cap        time.Duration
	MaxRetries int

	// Sleep waits d or until ctx is done; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each retry with the 1-based retry number.
	OnRetry func(n int, delay time.Duration, err error)
}

// Default is base 500ms, factor 2, cap 4s, 3 retries.
func Default() Policy {
	return Policy{Base: 500 * time.Millisecond, Factor: 2, Cap: 4 * time.Second, MaxRetries: 3}
}

// Delay returns the wait before retry n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := float64(p.Base)
	for i := 1; i < n; i++ {
		d *= p.Factor
		if p.Cap > 0 && time.Duration(d) >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && time.Duration(d) > p.Cap {
		return p.Cap
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, fails with a non-transient error, or the
// retry budget is spent. It returns the last error and the number of attempts.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	attempts := 0
	for {
		attempts++
		err := op(ctx)
		if err == nil {
			return attempts, nil
		}
		if exchange.Classify(err) != exchange.ClassTransient || attempts > p.MaxRetries {
			return attempts, err
		}
		if ctx.Err() != nil {
			return attempts, err
		}

		delay := p.Delay(attempts)
		if p.OnRetry != nil {
			p.OnRetry(attempts, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return attempts, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
