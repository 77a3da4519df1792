package exchange

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeSync keeps the offset between local and venue time so X-TIMESTAMP stays
// inside the receive window. One instance is shared per endpoint.
type TimeSync struct {
	fetch    func(ctx context.Context) (int64, error) // server time in ms
	interval time.Duration
	log      *zap.Logger

	mu       sync.RWMutex
	offset   int64 // milliseconds, server - local
	lastSync time.Time
}

// NewTimeSync creates a time synchronizer around a server-time fetcher.
func NewTimeSync(fetch func(ctx context.Context) (int64, error), log *zap.Logger) *TimeSync {
	if log == nil {
		log = zap.NewNop()
	}
	return &TimeSync{fetch: fetch, interval: 30 * time.Minute, log: log}
}

// Start syncs once and then periodically until ctx is done.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		ts.log.Warn("initial time sync failed", zap.Error(err))
	}
	go func() {
		ticker := time.NewTicker(ts.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					ts.log.Warn("time sync failed", zap.Error(err))
				}
			}
		}
	}()
}

// Sync measures the offset assuming symmetric network latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	server, err := ts.fetch(ctx)
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()
	local := before + (after-before)/2

	ts.mu.Lock()
	ts.offset = server - local
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	ts.log.Debug("time synced", zap.Int64("offset_ms", server-local))
	return nil
}

// Now returns the venue-adjusted time in milliseconds.
func (ts *TimeSync) Now() int64 {
	if ts == nil {
		return time.Now().UnixMilli()
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
