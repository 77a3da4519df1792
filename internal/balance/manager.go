// Package balance provides per-user balance snapshots for order sizing.
package balance

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-engine/internal/gateway"
	"signal-engine/internal/retry"
	"signal-engine/pkg/db"
	"signal-engine/pkg/exchange"
	"signal-engine/pkg/logger"
)

// Fetcher reads an account's live wallet balance.
type Fetcher func(ctx context.Context, acct db.TraderAccount) (decimal.Decimal, error)

// VenueFetcher reads the wallet balance of coin through the account's lease.
func VenueFetcher(pool *gateway.Manager, coin string, policy retry.Policy) Fetcher {
	return func(ctx context.Context, acct db.TraderAccount) (decimal.Decimal, error) {
		lease, err := pool.Acquire(ctx, acct.UserID, acct.Exchange, acct.Environment)
		if err != nil {
			return decimal.Zero, err
		}
		var bal decimal.Decimal
		_, err = policy.Do(ctx, func(ctx context.Context) error {
			var ferr error
			bal, ferr = lease.Primary.WalletBalance(ctx, coin)
			return ferr
		})
		pool.RecordResult(lease.Credential.ID, lease.Primary, err)
		return bal, err
	}
}

type snapshot struct {
	value    decimal.Decimal
	syncedAt time.Time
}

// Manager caches balance snapshots per user. Without a fetcher it serves the
// snapshot stored on the account row.
type Manager struct {
	db      *db.Database
	fetch   Fetcher
	ttl     time.Duration
	log     *zap.Logger
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]snapshot // userID -> snapshot
}

// NewManager creates a balance manager; fetch may be nil.
func NewManager(database *db.Database, fetch Fetcher, ttl time.Duration, log *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Manager{
		db:    database,
		fetch: fetch,
		ttl:   ttl,
		log:   logger.Or(log, "balance"),
		now:   time.Now,
		cache: make(map[string]snapshot),
	}
}

// Snapshot returns the balance used to size a new order for acct.
func (m *Manager) Snapshot(ctx context.Context, acct db.TraderAccount) decimal.Decimal {
	m.mu.RLock()
	s, ok := m.cache[acct.UserID]
	m.mu.RUnlock()
	if ok && m.now().Sub(s.syncedAt) < m.ttl {
		return s.value
	}

	if m.fetch == nil {
		return acct.BalanceSnapshot
	}

	value, err := m.Sync(ctx, acct)
	if err != nil {
		m.log.Warn("balance refresh failed, using stored snapshot",
			zap.String("user_id", acct.UserID),
			zap.String("class", exchange.Classify(err).String()),
			zap.Error(err))
		return acct.BalanceSnapshot
	}
	return value
}

// Sync fetches the live balance, persists it and caches it.
func (m *Manager) Sync(ctx context.Context, acct db.TraderAccount) (decimal.Decimal, error) {
	value, err := m.fetch(ctx, acct)
	if err != nil {
		return decimal.Zero, err
	}
	now := m.now()
	if err := m.db.UpdateBalanceSnapshot(ctx, acct.UserID, value, now); err != nil {
		m.log.Warn("persist balance snapshot failed", zap.String("user_id", acct.UserID), zap.Error(err))
	}

	m.mu.Lock()
	m.cache[acct.UserID] = snapshot{value: value, syncedAt: now}
	m.mu.Unlock()

	m.log.Debug("balance synced", zap.String("user_id", acct.UserID), zap.String("balance", value.String()))
	return value, nil
}

// Remove drops the cached snapshot for a user.
func (m *Manager) Remove(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, userID)
}

// UserCount returns the number of cached snapshots.
func (m *Manager) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

// CleanupIdle removes snapshots older than ttl.
func (m *Manager) CleanupIdle(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cutoff := m.now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, s := range m.cache {
		if s.syncedAt.Before(cutoff) {
			delete(m.cache, userID)
		}
	}
}
