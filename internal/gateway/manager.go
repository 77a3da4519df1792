// Package gateway pools venue clients per credential and endpoint.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-engine/internal/credential"
	"signal-engine/pkg/config"
	"signal-engine/pkg/exchange"
	"signal-engine/pkg/logger"
)

var (
	ErrNoEndpoint       = errors.New("no endpoint configured for exchange/environment")
	ErrGatewayUnhealthy = errors.New("venue endpoint is unhealthy")
)

// Resolver is the part of the credential registry the pool needs.
type Resolver interface {
	Resolve(ctx context.Context, userID, exchange, environment string) (*credential.Credential, error)
	ByID(ctx context.Context, credentialID string) (*credential.Credential, error)
}

// Lease is what a caller gets to talk to the venue on behalf of a user.
// Fallback is nil unless the endpoint config names one.
type Lease struct {
	Credential *credential.Credential
	Primary    exchange.Venue
	Fallback   exchange.Venue
}

// CachedVenue holds a client with metadata for lifecycle management.
type CachedVenue struct {
	Venue        exchange.Venue
	Key          string
	CredentialID string
	UserID       string
	Environment  string
	CreatedAt    time.Time
	LastUsed     time.Time
	HealthyAt    time.Time
	Failures     int
}

// Config holds configuration for the Manager.
type Config struct {
	MaxSize          int           // Maximum number of cached clients (LRU eviction)
	IdleTimeout      time.Duration // Time before an idle client is removed
	HealthInterval   time.Duration // Interval between health checks
	FailureThreshold int           // Consecutive transient failures before the circuit opens
	CircuitTimeout   time.Duration // Time to wait before trying an unhealthy endpoint again
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          500,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   2 * time.Minute,
	}
}

// Manager manages a pool of venue clients with LRU eviction and health checks.
type Manager struct {
	mu       sync.RWMutex
	venues   map[string]*CachedVenue // credentialID|baseURL -> client
	lruOrder []string                // oldest first

	config   Config
	policy   *config.Policy
	registry Resolver
	factory  VenueFactory
	log      *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a new Manager.
func NewManager(registry Resolver, policy *config.Policy, factory VenueFactory, cfg Config, log *zap.Logger) *Manager {
	if cfg.MaxSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		venues:   make(map[string]*CachedVenue),
		config:   cfg,
		policy:   policy,
		registry: registry,
		factory:  factory,
		log:      logger.Or(log, "gateway"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins background cleanup and health check goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll(ctx)
			}
		}
	}()
}

// Stop gracefully shuts down the manager.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.venues = make(map[string]*CachedVenue)
	m.lruOrder = nil
}

// Acquire resolves the user's credential and returns clients for it.
func (m *Manager) Acquire(ctx context.Context, userID, exchangeName, environment string) (*Lease, error) {
	cred, err := m.registry.Resolve(ctx, userID, exchangeName, environment)
	if err != nil {
		return nil, err
	}
	return m.lease(userID, cred)
}

// AcquireByID returns clients for a specific credential, used to manage a
// position on the account that opened it.
func (m *Manager) AcquireByID(ctx context.Context, userID, credentialID string) (*Lease, error) {
	cred, err := m.registry.ByID(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	return m.lease(userID, cred)
}

func (m *Manager) lease(userID string, cred *credential.Credential) (*Lease, error) {
	ep, ok := m.policy.Venue(cred.Exchange, cred.Environment)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoEndpoint, cred.Exchange, cred.Environment)
	}

	primary, primaryOK := m.getOrCreate(userID, cred, ep.BaseURL, ep.RecvWindow)
	var fallback exchange.Venue
	fallbackOK := false
	if ep.FallbackURL != "" {
		fallback, fallbackOK = m.getOrCreate(userID, cred, ep.FallbackURL, ep.RecvWindow)
	}

	switch {
	case primaryOK:
		return &Lease{Credential: cred, Primary: primary, Fallback: fallback}, nil
	case fallbackOK:
		// primary circuit is open; route everything through the fallback
		return &Lease{Credential: cred, Primary: fallback}, nil
	}
	return nil, ErrGatewayUnhealthy
}

// getOrCreate returns the cached client and whether its circuit is closed.
func (m *Manager) getOrCreate(userID string, cred *credential.Credential, baseURL string, recvWindow int64) (exchange.Venue, bool) {
	key := cred.ID + "|" + baseURL

	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.venues[key]; ok {
		m.touchLRULocked(key)
		if cached.Failures >= m.config.FailureThreshold && time.Since(cached.HealthyAt) < m.config.CircuitTimeout {
			return cached.Venue, false
		}
		return cached.Venue, true
	}

	if len(m.venues) >= m.config.MaxSize {
		m.evictOldestLocked()
	}

	now := time.Now()
	v := m.factory(baseURL, recvWindow, cred)
	m.venues[key] = &CachedVenue{
		Venue:        v,
		Key:          key,
		CredentialID: cred.ID,
		UserID:       userID,
		Environment:  cred.Environment,
		CreatedAt:    now,
		LastUsed:     now,
		HealthyAt:    now,
	}
	m.lruOrder = append(m.lruOrder, key)
	return v, true
}

// RecordResult feeds the circuit breaker of the client that served a call.
// Only transient failures count; auth and domain errors say nothing about
// endpoint health.
func (m *Manager) RecordResult(credentialID string, v exchange.Venue, err error) {
	key := credentialID + "|" + v.Endpoint()

	m.mu.Lock()
	defer m.mu.Unlock()
	cached, ok := m.venues[key]
	if !ok {
		return
	}
	switch {
	case err == nil:
		cached.Failures = 0
		cached.HealthyAt = time.Now()
	case exchange.Classify(err) == exchange.ClassTransient:
		cached.Failures++
		if cached.Failures == m.config.FailureThreshold {
			m.log.Warn("venue circuit opened", zap.String("endpoint", v.Endpoint()), zap.String("credential_id", credentialID))
		}
	}
}

// RemoveCredential drops every client built from a credential.
func (m *Manager) RemoveCredential(credentialID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, cached := range m.venues {
		if cached.CredentialID == credentialID {
			delete(m.venues, key)
			m.removeLRULocked(key)
		}
	}
}

// RemoveByUser drops all clients leased to a user.
func (m *Manager) RemoveByUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, cached := range m.venues {
		if cached.UserID == userID {
			delete(m.venues, key)
			m.removeLRULocked(key)
		}
	}
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		TotalClients:  len(m.venues),
		MaxSize:       m.config.MaxSize,
		ByEnvironment: make(map[string]int),
	}
	for _, cached := range m.venues {
		stats.ByEnvironment[cached.Environment]++
		if cached.Failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

// PoolStats contains venue pool statistics.
type PoolStats struct {
	TotalClients   int            `json:"total_clients"`
	MaxSize        int            `json:"max_size"`
	ByEnvironment  map[string]int `json:"by_environment"`
	UnhealthyCount int            `json:"unhealthy_count"`
}

// --- Internal helpers ---

func (m *Manager) touchLRULocked(key string) {
	if cached, ok := m.venues[key]; ok {
		cached.LastUsed = time.Now()
	}
	for i, k := range m.lruOrder {
		if k == key {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, key)
			break
		}
	}
}

func (m *Manager) removeLRULocked(key string) {
	for i, k := range m.lruOrder {
		if k == key {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldest := m.lruOrder[0]
	delete(m.venues, oldest)
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, cached := range m.venues {
		if now.Sub(cached.LastUsed) > m.config.IdleTimeout {
			delete(m.venues, key)
			m.removeLRULocked(key)
		}
	}
}

func (m *Manager) healthCheckAll(ctx context.Context) {
	m.mu.RLock()
	targets := make([]*CachedVenue, 0, len(m.venues))
	for _, cached := range m.venues {
		targets = append(targets, cached)
	}
	m.mu.RUnlock()

	for _, cached := range targets {
		pinger, ok := cached.Venue.(interface{ Ping(context.Context) error })
		if !ok {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := pinger.Ping(pctx)
		cancel()
		m.RecordResult(cached.CredentialID, cached.Venue, err)
	}
}
