// Package credential resolves which exchange credential signs a user's
// orders, and flags credentials the venue rejects.
package credential

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"signal-engine/internal/events"
	"signal-engine/pkg/crypto"
	"signal-engine/pkg/db"
	"signal-engine/pkg/logger"
)

var (
	ErrNotFound     = errors.New("no usable credential")
	ErrInactive     = errors.New("credential is inactive")
	ErrFlagged      = errors.New("credential flagged after an authentication failure")
	ErrNotValidated = errors.New("credential awaiting validation")
)

// Credential is decrypted key material; never log it.
type Credential struct {
	ID          string
	UserID      string // empty for pool credentials
	Exchange    string
	Environment string
	APIKey      string
	Secret      string
	Pool        bool
}

// Config bounds the resolution cache.
type Config struct {
	TTL     time.Duration
	MaxSize int
}

type entry struct {
	key      string
	cred     *Credential
	loadedAt time.Time
}

// Registry resolves credentials with a bounded, expiring cache in front of
// the database.
type Registry struct {
	db   *db.Database
	keys *crypto.Keyring
	bus  *events.Bus
	log  *zap.Logger
	cfg  Config
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recent
	group   singleflight.Group

	hookMu sync.RWMutex
	onFlag []func(credentialID string)
}

// NewRegistry creates a registry; bus and log may be nil.
func NewRegistry(database *db.Database, keys *crypto.Keyring, bus *events.Bus, cfg Config, log *zap.Logger) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	return &Registry{
		db:      database,
		keys:    keys,
		bus:     bus,
		log:     logger.Or(log, "credential"),
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// OnFlag registers a hook run after a credential is flagged.
func (r *Registry) OnFlag(fn func(credentialID string)) {
	r.hookMu.Lock()
	r.onFlag = append(r.onFlag, fn)
	r.hookMu.Unlock()
}

// Start purges expired entries until ctx is done.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.cfg.TTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.purgeExpired(); n > 0 {
					r.log.Debug("purged expired credentials", zap.Int("count", n))
				}
			}
		}
	}()
}

// Resolve returns the credential that signs orders for (user, exchange,
// environment): the user's own valid credential, or for basic-tier accounts
// without one, a valid pool credential for the same venue.
func (r *Registry) Resolve(ctx context.Context, userID, exchange, environment string) (*Credential, error) {
	key := "u|" + userID + "|" + exchange + "|" + environment
	if c, ok := r.cached(key); ok {
		return c, nil
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		c, err := r.load(ctx, userID, exchange, environment)
		if err != nil {
			return nil, err
		}
		r.store(key, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

// ByID returns a specific credential, applying the same usability checks.
// Positions close on the credential that opened them.
func (r *Registry) ByID(ctx context.Context, credentialID string) (*Credential, error) {
	key := "id|" + credentialID
	if c, ok := r.cached(key); ok {
		return c, nil
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		row, err := r.db.GetCredential(ctx, credentialID)
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if err := usable(row); err != nil {
			return nil, err
		}
		c, err := r.decrypt(row)
		if err != nil {
			return nil, err
		}
		r.store(key, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

func (r *Registry) load(ctx context.Context, userID, exchange, environment string) (*Credential, error) {
	row, err := r.db.GetIndividualCredential(ctx, userID, exchange, environment)
	switch {
	case err == nil:
		if err := usable(row); err != nil {
			return nil, err
		}
		return r.decrypt(row)
	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}

	acct, err := r.db.GetAccount(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if acct.Tier != db.TierBasic {
		return nil, ErrNotFound
	}

	pool, err := r.db.GetPoolCredential(ctx, exchange, environment)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.decrypt(pool)
}

func usable(row *db.ExchangeCredential) error {
	switch {
	case !row.IsActive:
		return ErrInactive
	case row.ValidationStatus == db.ValidationError:
		return fmt.Errorf("%w: %s", ErrFlagged, row.ErrorReason)
	case row.ValidationStatus != db.ValidationValid:
		return ErrNotValidated
	}
	return nil
}

func (r *Registry) decrypt(row *db.ExchangeCredential) (*Credential, error) {
	apiKey, secret, err := r.keys.OpenPair(row.ID, row.APIKeyEncrypted, row.APISecretEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential %s: %w", row.ID, err)
	}
	return &Credential{
		ID:          row.ID,
		UserID:      row.UserID,
		Exchange:    row.Exchange,
		Environment: row.Environment,
		APIKey:      apiKey,
		Secret:      secret,
		Pool:        row.IsPool,
	}, nil
}

// FlagError marks a credential unusable after the venue rejected it. Every
// cached resolution pointing at it is dropped so the next call fails fast.
func (r *Registry) FlagError(ctx context.Context, credentialID, reason string) error {
	if err := r.db.FlagCredentialError(ctx, credentialID, reason, r.now()); err != nil {
		return err
	}
	r.dropCredential(credentialID)

	r.hookMu.RLock()
	hooks := append([]func(string){}, r.onFlag...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(credentialID)
	}

	ev := events.CredentialFlagged{CredentialID: credentialID, Reason: reason}
	if row, err := r.db.GetCredential(ctx, credentialID); err == nil {
		ev.UserID = row.UserID
		ev.Pool = row.IsPool
	}
	r.log.Warn("credential flagged",
		zap.String("credential_id", credentialID),
		zap.String("user_id", ev.UserID),
		zap.Bool("pool", ev.Pool),
		zap.String("reason", reason))
	if r.bus != nil {
		r.bus.Publish(events.EventCredentialFlag, ev)
	}
	return nil
}

// Store encrypts and saves the user's own credential for a venue. New or
// replaced material is pending until validated externally.
func (r *Registry) Store(ctx context.Context, userID, exchange, environment, apiKey, secret string) (*db.ExchangeCredential, error) {
	existing, err := r.db.GetIndividualCredential(ctx, userID, exchange, environment)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		encKey, encSecret, version, err := r.keys.SealPair(existing.ID, apiKey, secret)
		if err != nil {
			return nil, err
		}
		if err := r.db.ReplaceKeys(ctx, existing.ID, encKey, encSecret, version); err != nil {
			return nil, err
		}
		r.Invalidate(userID)
		r.dropCredential(existing.ID)
		return r.db.GetCredential(ctx, existing.ID)
	}

	id := uuid.NewString()
	encKey, encSecret, version, err := r.keys.SealPair(id, apiKey, secret)
	if err != nil {
		return nil, err
	}
	row := db.ExchangeCredential{
		ID:                 id,
		UserID:             userID,
		Exchange:           exchange,
		Environment:        environment,
		APIKeyEncrypted:    encKey,
		APISecretEncrypted: encSecret,
		KeyVersion:         version,
		IsActive:           true,
		ValidationStatus:   db.ValidationPending,
	}
	if err := r.db.InsertCredential(ctx, row); err != nil {
		return nil, err
	}
	r.Invalidate(userID)
	return r.db.GetCredential(ctx, id)
}

// Invalidate drops every cached resolution for a user.
func (r *Registry) Invalidate(userID string) {
	prefix := "u|" + userID + "|"
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, el := range r.entries {
		if strings.HasPrefix(key, prefix) {
			r.lru.Remove(el)
			delete(r.entries, key)
		}
	}
}

// Len returns the number of cached resolutions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// --- cache helpers ---

func (r *Registry) cached(key string) (*Credential, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if r.now().Sub(e.loadedAt) > r.cfg.TTL {
		r.lru.Remove(el)
		delete(r.entries, key)
		return nil, false
	}
	r.lru.MoveToFront(el)
	return e.cred, true
}

func (r *Registry) store(key string, c *Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.entries[key]; ok {
		el.Value = &entry{key: key, cred: c, loadedAt: r.now()}
		r.lru.MoveToFront(el)
		return
	}
	r.entries[key] = r.lru.PushFront(&entry{key: key, cred: c, loadedAt: r.now()})
	for r.lru.Len() > r.cfg.MaxSize {
		oldest := r.lru.Back()
		r.lru.Remove(oldest)
		delete(r.entries, oldest.Value.(*entry).key)
	}
}

func (r *Registry) dropCredential(credentialID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, el := range r.entries {
		if el.Value.(*entry).cred.ID == credentialID {
			r.lru.Remove(el)
			delete(r.entries, key)
		}
	}
}

func (r *Registry) purgeExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, el := range r.entries {
		if r.now().Sub(el.Value.(*entry).loadedAt) > r.cfg.TTL {
			r.lru.Remove(el)
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}
