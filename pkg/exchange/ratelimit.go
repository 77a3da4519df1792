package exchange

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Rate-limit headers returned on private endpoints.
const (
	headerLimit       = "X-Bapi-Limit"
	headerLimitStatus = "X-Bapi-Limit-Status"
	headerLimitReset  = "X-Bapi-Limit-Reset-Timestamp"
)

// RateLimitTracker remembers the remaining quota the venue reported for a
// credential and tells the caller how long to hold off when it runs low.
type RateLimitTracker struct {
	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time
	now       func() time.Time
}

// NewRateLimitTracker creates an empty tracker (no waiting until the venue
// reports usage).
func NewRateLimitTracker() *RateLimitTracker {
	return &RateLimitTracker{remaining: -1, now: time.Now}
}

// Update records the quota headers of a response.
func (rl *RateLimitTracker) Update(h http.Header) {
	status := h.Get(headerLimitStatus)
	if status == "" {
		return
	}
	remaining, err := strconv.Atoi(status)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.remaining = remaining
	if limit, err := strconv.Atoi(h.Get(headerLimit)); err == nil {
		rl.limit = limit
	}
	if ms, err := strconv.ParseInt(h.Get(headerLimitReset), 10, 64); err == nil {
		rl.resetAt = time.UnixMilli(ms)
	}
}

// Wait returns how long to delay the next call; zero when quota remains.
func (rl *RateLimitTracker) Wait() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.remaining != 0 {
		return 0
	}
	d := rl.resetAt.Sub(rl.now())
	if d <= 0 {
		rl.remaining = -1
		return 0
	}
	return d
}

// Usage returns the last reported (remaining, limit).
func (rl *RateLimitTracker) Usage() (remaining, limit int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.remaining, rl.limit
}
