// Package supervisor runs one polling task per open position and closes it
// on stop-loss, take-profit or timeout.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-engine/internal/credential"
	"signal-engine/internal/events"
	"signal-engine/internal/gateway"
	"signal-engine/internal/monitor"
	"signal-engine/internal/order"
	"signal-engine/internal/risk"
	"signal-engine/pkg/cache"
	"signal-engine/pkg/db"
	"signal-engine/pkg/exchange"
	"signal-engine/pkg/logger"
)

var (
	ErrCloseInProgress = errors.New("a close is already in progress for this position")
	ErrNotActive       = errors.New("position is not open")
	ErrFrozen          = errors.New("position is frozen")
	ErrDesync          = errors.New("venue position disagrees with local state")
)

// Closer sends the reduce-only close order.
type Closer interface {
	ClosePosition(ctx context.Context, req order.CloseRequest) (*order.CloseResult, error)
}

// Pool hands out clients for the credential that opened a position.
type Pool interface {
	AcquireByID(ctx context.Context, userID, credentialID string) (*gateway.Lease, error)
	RecordResult(credentialID string, v exchange.Venue, err error)
}

// Config holds the polling cadence.
type Config struct {
	Interval    time.Duration
	Jitter      time.Duration
	MaxHold     time.Duration
	CallTimeout time.Duration
}

type task struct {
	positionID string
	userID     string
	cancel     context.CancelFunc
}

// Supervisor owns the polling tasks of every OPEN or CLOSING position.
type Supervisor struct {
	db      *db.Database
	pool    Pool
	closer  Closer
	prices  *cache.ShardedPriceCache
	bus     *events.Bus
	metrics *monitor.SystemMetrics
	log     *zap.Logger
	cfg     Config
	now     func() time.Time

	mu      sync.Mutex
	base    context.Context
	stop    context.CancelFunc
	tasks   map[string]*task
	closing map[string]struct{} // per-position close lock
	wg      sync.WaitGroup
}

// New creates a supervisor. bus and metrics may be nil.
func New(database *db.Database, pool Pool, closer Closer, prices *cache.ShardedPriceCache, bus *events.Bus, metrics *monitor.SystemMetrics, cfg Config, log *zap.Logger) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = 60 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if prices == nil {
		prices = cache.NewShardedPriceCache(5 * time.Second)
	}
	return &Supervisor{
		db:      database,
		pool:    pool,
		closer:  closer,
		prices:  prices,
		bus:     bus,
		metrics: metrics,
		log:     logger.Or(log, "supervisor"),
		cfg:     cfg,
		now:     time.Now,
		tasks:   make(map[string]*task),
		closing: make(map[string]struct{}),
	}
}

// Start sets the context every polling task derives from.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base, s.stop = context.WithCancel(ctx)
}

// Resume registers every persisted OPEN or CLOSING position that is not
// frozen and returns how many were picked up.
func (s *Supervisor) Resume(ctx context.Context) (int, error) {
	positions, err := s.db.ListPositionsByStatus(ctx, db.PositionOpen, db.PositionClosing)
	if err != nil {
		return 0, fmt.Errorf("resume supervision: %w", err)
	}
	n := 0
	for _, p := range positions {
		if p.Frozen() {
			s.log.Warn("frozen position left unsupervised",
				zap.String("position_id", p.ID), zap.String("reason", p.FrozenReason))
			continue
		}
		s.Register(p)
		n++
	}
	s.log.Info("supervision resumed", zap.Int("positions", n))
	return n, nil
}

// Register starts the polling task for pos. Registering a supervised
// position again is a no-op.
func (s *Supervisor) Register(pos db.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[pos.ID]; ok {
		return
	}
	if s.base == nil {
		s.base, s.stop = context.WithCancel(context.Background())
	}
	if s.base.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(s.base)
	t := &task{positionID: pos.ID, userID: pos.UserID, cancel: cancel}
	s.tasks[pos.ID] = t
	s.wg.Add(1)
	go s.run(ctx, t)

	if s.metrics != nil {
		s.metrics.SetSupervised(len(s.tasks))
	}
	s.log.Debug("position supervised", zap.String("position_id", pos.ID), zap.String("symbol", pos.Symbol))
}

func (s *Supervisor) run(ctx context.Context, t *task) {
	defer s.wg.Done()
	defer s.finish(t)

	for {
		timer := time.NewTimer(s.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if s.Tick(ctx, t.positionID) {
			return
		}
	}
}

// nextDelay spreads polls over interval ± jitter.
func (s *Supervisor) nextDelay() time.Duration {
	if s.cfg.Jitter <= 0 {
		return s.cfg.Interval
	}
	return s.cfg.Interval - s.cfg.Jitter + time.Duration(rand.Int63n(int64(2*s.cfg.Jitter)+1))
}

func (s *Supervisor) finish(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.tasks[t.positionID]; ok && cur == t {
		delete(s.tasks, t.positionID)
	}
	t.cancel()
	if s.metrics != nil {
		s.metrics.SetSupervised(len(s.tasks))
	}
}

// Tick runs one evaluation of a position and reports whether supervision
// should stop. A price that cannot be fetched is retried on the next tick.
func (s *Supervisor) Tick(ctx context.Context, positionID string) bool {
	pos, err := s.db.GetPosition(ctx, positionID)
	if errors.Is(err, db.ErrNotFound) {
		return true
	}
	if err != nil {
		s.log.Warn("load position failed", zap.String("position_id", positionID), zap.Error(err))
		return false
	}
	if pos.Status.Terminal() || pos.Frozen() {
		return true
	}

	if pos.Status == db.PositionClosing {
		// a close was interrupted; finish it
		return s.attempt(ctx, *pos, db.CloseReason(pos.FailureReason))
	}

	price, err := s.markPrice(ctx, *pos)
	if unusableCredential(err) {
		s.credentialLost(ctx, *pos, err)
		return true
	}
	if err != nil {
		s.log.Debug("mark price unavailable, retrying next tick",
			zap.String("position_id", pos.ID), zap.String("symbol", pos.Symbol), zap.Error(err))
		return false
	}

	reason := risk.Evaluate(*pos, price, s.now(), s.cfg.MaxHold)
	if reason == "" {
		return false
	}
	s.log.Info("close triggered",
		zap.String("position_id", pos.ID),
		zap.String("reason", string(reason)),
		zap.String("price", price.String()))
	return s.attempt(ctx, *pos, reason)
}

// attempt closes pos and reports whether supervision is over.
func (s *Supervisor) attempt(ctx context.Context, pos db.Position, reason db.CloseReason) bool {
	_, err := s.Close(ctx, pos.ID, reason)
	switch {
	case err == nil, errors.Is(err, ErrNotActive), errors.Is(err, ErrFrozen), errors.Is(err, ErrDesync):
		return true
	case errors.Is(err, ErrCloseInProgress):
		return false
	}
	cur, gerr := s.db.GetPosition(ctx, pos.ID)
	return gerr == nil && (cur.Status.Terminal() || cur.Frozen())
}

// Close takes the position's close lock and runs the close sequence:
// desync check, OPEN to CLOSING, reduce-only order, then CLOSED with its
// closure event. An irrecoverable order failure moves the position to FAILED.
func (s *Supervisor) Close(ctx context.Context, positionID string, reason db.CloseReason) (*db.ClosureEvent, error) {
	if !s.lock(positionID) {
		return nil, ErrCloseInProgress
	}
	defer s.unlock(positionID)

	pos, err := s.db.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	switch {
	case pos.Status.Terminal():
		return nil, ErrNotActive
	case pos.Frozen():
		return nil, ErrFrozen
	}
	if reason == "" {
		reason = db.ReasonManual
	}

	if err := s.verify(ctx, *pos); err != nil {
		if unusableCredential(err) {
			s.credentialLost(ctx, *pos, err)
			return nil, fmt.Errorf("%w: %v", ErrFrozen, err)
		}
		return nil, err
	}

	if pos.Status == db.PositionOpen {
		if err := s.db.TransitionPosition(ctx, pos.ID, db.PositionOpen, db.PositionClosing, string(reason)); err != nil {
			if errors.Is(err, db.ErrStatusConflict) {
				return nil, ErrNotActive
			}
			return nil, err
		}
		pos.Status = db.PositionClosing
		s.publish(events.EventPositionClosing, *pos, string(reason), decimal.Zero, decimal.Zero)
	}

	res, err := s.closer.ClosePosition(ctx, order.CloseRequest{Position: *pos, Reason: reason})
	if err != nil {
		if ctx.Err() != nil {
			// shutting down; the CLOSING row is picked up again on resume
			return nil, err
		}
		s.fail(ctx, *pos, err.Error())
		return nil, err
	}
	if res.FilledQty.LessThan(pos.Quantity) {
		msg := fmt.Sprintf("close partially filled: %s of %s", res.FilledQty, pos.Quantity)
		s.fail(ctx, *pos, msg)
		return nil, errors.New(msg)
	}

	ev := db.ClosureEvent{
		PositionID:   pos.ID,
		UserID:       pos.UserID,
		Symbol:       pos.Symbol,
		ExitPrice:    res.ExitPrice,
		Reason:       reason,
		RealizedPnL:  risk.RealizedPnL(pos.Direction, pos.EntryPrice, res.ExitPrice, pos.Quantity),
		CloseOrderID: res.OrderID,
		ClosedAt:     s.now().UTC(),
	}
	if err := s.db.ClosePosition(ctx, ev); err != nil {
		s.log.Error("record closure failed",
			zap.String("position_id", pos.ID), zap.String("close_order_id", res.OrderID), zap.Error(err))
		return nil, err
	}

	s.log.Info("position closed",
		zap.String("position_id", pos.ID),
		zap.String("user_id", pos.UserID),
		zap.String("symbol", pos.Symbol),
		zap.String("reason", string(reason)),
		zap.String("exit", ev.ExitPrice.String()),
		zap.String("pnl", ev.RealizedPnL.String()))
	pos.Status = db.PositionClosed
	s.publish(events.EventPositionClosed, *pos, string(reason), ev.ExitPrice, ev.RealizedPnL)
	return &ev, nil
}

// verify compares the venue's view with pos and freezes it on disagreement.
func (s *Supervisor) verify(ctx context.Context, pos db.Position) error {
	lease, err := s.pool.AcquireByID(ctx, pos.UserID, pos.CredentialID)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	vp, err := lease.Primary.GetPosition(callCtx, pos.Symbol)
	s.pool.RecordResult(lease.Credential.ID, lease.Primary, err)
	if err != nil {
		return err
	}

	reason := Desync(pos, *vp)
	if reason == "" {
		return nil
	}
	if err := s.freeze(ctx, pos, reason, events.EventPositionDesync); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrDesync, reason)
}

// Desync describes how the venue position vp contradicts pos, or returns ""
// when the venue still holds at least the local quantity on the same side.
func Desync(pos db.Position, vp exchange.PositionInfo) string {
	want := exchange.SideBuy
	if pos.Direction == db.DirectionShort {
		want = exchange.SideSell
	}
	switch {
	case vp.Flat():
		return "venue position is flat"
	case vp.Side != want:
		return fmt.Sprintf("venue side %s does not match %s", vp.Side, pos.Direction)
	case vp.Size.LessThan(pos.Quantity):
		return fmt.Sprintf("venue size %s below local %s", vp.Size, pos.Quantity)
	}
	return ""
}

func (s *Supervisor) markPrice(ctx context.Context, pos db.Position) (decimal.Decimal, error) {
	lease, err := s.pool.AcquireByID(ctx, pos.UserID, pos.CredentialID)
	if err != nil {
		return decimal.Zero, err
	}
	key := cache.Key(lease.Primary.Endpoint(), pos.Symbol)
	if p, ok := s.prices.Get(key); ok {
		return p, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	p, err := lease.Primary.MarkPrice(callCtx, pos.Symbol)
	s.pool.RecordResult(lease.Credential.ID, lease.Primary, err)
	if err != nil {
		return decimal.Zero, err
	}
	s.prices.Set(key, p)
	return p, nil
}

// unusableCredential reports lease errors that no later tick can recover from.
func unusableCredential(err error) bool {
	return errors.Is(err, credential.ErrFlagged) || errors.Is(err, credential.ErrInactive) ||
		errors.Is(err, credential.ErrNotValidated) || errors.Is(err, credential.ErrNotFound)
}

// credentialLost freezes a position whose opening credential can no longer
// reach the venue, so its protection levels are no longer enforced.
func (s *Supervisor) credentialLost(ctx context.Context, pos db.Position, cause error) {
	reason := "credential unusable: " + cause.Error()
	s.log.Error("position lost its credential, stop-loss not enforced",
		zap.String("position_id", pos.ID),
		zap.String("user_id", pos.UserID),
		zap.String("credential_id", pos.CredentialID),
		zap.String("symbol", pos.Symbol),
		zap.Error(cause))
	if err := s.freeze(ctx, pos, reason, events.EventPositionFrozen); err != nil && !errors.Is(err, ErrNotActive) {
		s.log.Error("freeze position failed", zap.String("position_id", pos.ID), zap.Error(err))
	}
}

func (s *Supervisor) fail(ctx context.Context, pos db.Position, reason string) {
	// the close order may have left ctx unusable; record the failure regardless
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.db.TransitionPosition(wctx, pos.ID, db.PositionClosing, db.PositionFailed, reason); err != nil {
		s.log.Error("mark position failed", zap.String("position_id", pos.ID), zap.Error(err))
		return
	}
	s.log.Error("position needs manual intervention",
		zap.String("position_id", pos.ID),
		zap.String("user_id", pos.UserID),
		zap.String("symbol", pos.Symbol),
		zap.String("reason", reason))
	pos.Status = db.PositionFailed
	s.publish(events.EventPositionFailed, pos, reason, decimal.Zero, decimal.Zero)
}

// Freeze suspends automated closes for a position and stops its task.
func (s *Supervisor) Freeze(ctx context.Context, positionID, reason string) error {
	pos, err := s.db.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	return s.freeze(ctx, *pos, reason, events.EventPositionFrozen)
}

func (s *Supervisor) freeze(ctx context.Context, pos db.Position, reason string, topic events.Event) error {
	if err := s.db.FreezePosition(ctx, pos.ID, reason); err != nil {
		if errors.Is(err, db.ErrStatusConflict) {
			return ErrNotActive
		}
		return err
	}
	s.cancel(pos.ID)
	s.log.Warn("position frozen",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("reason", reason))
	s.publish(topic, pos, reason, decimal.Zero, decimal.Zero)
	if topic != events.EventPositionFrozen {
		s.publish(events.EventPositionFrozen, pos, reason, decimal.Zero, decimal.Zero)
	}
	return nil
}

// ManualClose closes a position owned by userID with reason MANUAL.
func (s *Supervisor) ManualClose(ctx context.Context, userID, positionID string) (*db.ClosureEvent, error) {
	pos, err := s.db.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos.UserID != userID {
		return nil, db.ErrNotFound
	}
	ev, err := s.Close(ctx, positionID, db.ReasonManual)
	if err == nil {
		s.cancel(positionID)
	}
	return ev, err
}

// CloseSymbol closes every OPEN position on symbol with reason MANUAL and
// returns the closure events that succeeded.
func (s *Supervisor) CloseSymbol(ctx context.Context, symbol string) ([]db.ClosureEvent, error) {
	positions, err := s.db.ListActiveBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	var (
		closed []db.ClosureEvent
		errs   []error
	)
	for _, p := range positions {
		if p.Frozen() {
			continue
		}
		ev, err := s.Close(ctx, p.ID, db.ReasonManual)
		if err != nil {
			errs = append(errs, fmt.Errorf("position %s: %w", p.ID, err))
			continue
		}
		s.cancel(p.ID)
		closed = append(closed, *ev)
	}
	return closed, errors.Join(errs...)
}

// CancelUser stops supervising a user's positions without changing their
// status, as on account deactivation.
func (s *Supervisor) CancelUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tasks {
		if t.userID == userID {
			t.cancel()
			delete(s.tasks, id)
			n++
		}
	}
	return n
}

// Supervised returns the number of running tasks.
func (s *Supervisor) Supervised() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every task and waits for them. Position rows are untouched.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Supervisor) cancel(positionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[positionID]; ok {
		t.cancel()
		delete(s.tasks, positionID)
	}
}

func (s *Supervisor) lock(positionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.closing[positionID]; busy {
		return false
	}
	s.closing[positionID] = struct{}{}
	return true
}

func (s *Supervisor) unlock(positionID string) {
	s.mu.Lock()
	delete(s.closing, positionID)
	s.mu.Unlock()
}

func (s *Supervisor) publish(topic events.Event, pos db.Position, reason string, exit, pnl decimal.Decimal) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, events.PositionEvent{
		PositionID: pos.ID,
		UserID:     pos.UserID,
		Symbol:     pos.Symbol,
		Status:     string(pos.Status),
		Reason:     reason,
		ExitPrice:  exit,
		PnL:        pnl,
		At:         s.now().UTC(),
	})
}
