package order

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-engine/internal/credential"
	"signal-engine/internal/events"
	"signal-engine/internal/gateway"
	"signal-engine/internal/monitor"
	"signal-engine/internal/retry"
	"signal-engine/internal/risk"
	"signal-engine/pkg/db"
	"signal-engine/pkg/exchange"
	"signal-engine/pkg/logger"
)

// Pool hands out venue clients for a user's credential.
type Pool interface {
	Acquire(ctx context.Context, userID, exchange, environment string) (*gateway.Lease, error)
	AcquireByID(ctx context.Context, userID, credentialID string) (*gateway.Lease, error)
	RecordResult(credentialID string, v exchange.Venue, err error)
}

// Flagger marks a credential unusable after an authentication failure.
type Flagger interface {
	FlagError(ctx context.Context, credentialID, reason string) error
}

// Registrar takes over supervision of a newly opened position.
type Registrar interface {
	Register(pos db.Position)
}

// Auditor records rejected intents.
type Auditor interface {
	Audit(e db.AuditEntry)
}

// Config tunes venue calls made by the dispatcher.
type Config struct {
	QueueSize        int
	RPS              float64
	CallTimeout      time.Duration
	FillPollAttempts int
	FillPollInterval time.Duration
	Retry            retry.Policy
}

// Executor dispatches order intents and close requests to the venue.
type Executor struct {
	db      *db.Database
	pool    Pool
	flagger Flagger
	audit   Auditor
	bus     *events.Bus
	metrics *monitor.SystemMetrics
	log     *zap.Logger
	cfg     Config
	lanes   *Lanes

	mu         sync.RWMutex
	supervisor Registrar

	claimMu sync.Mutex
	claims  map[string]struct{} // user|symbol being opened
}

// NewExecutor creates a dispatcher. audit, bus and metrics may be nil.
func NewExecutor(database *db.Database, pool Pool, flagger Flagger, audit Auditor, bus *events.Bus, metrics *monitor.SystemMetrics, cfg Config, log *zap.Logger) *Executor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.FillPollInterval <= 0 {
		cfg.FillPollInterval = 250 * time.Millisecond
	}
	return &Executor{
		db:      database,
		pool:    pool,
		flagger: flagger,
		audit:   audit,
		bus:     bus,
		metrics: metrics,
		log:     logger.Or(log, "order"),
		cfg:     cfg,
		lanes:   NewLanes(cfg.QueueSize, cfg.RPS),
		claims:  make(map[string]struct{}),
	}
}

// SetSupervisor wires the position supervisor once it exists.
func (e *Executor) SetSupervisor(r Registrar) {
	e.mu.Lock()
	e.supervisor = r
	e.mu.Unlock()
}

// Close stops the credential lanes.
func (e *Executor) Close() { e.lanes.Close() }

// Dispatch places the market order for an intent and records the resulting
// position. A zero fill yields ErrZeroFill and no position.
func (e *Executor) Dispatch(ctx context.Context, in Intent) (*db.Position, error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.DispatchLatency.RecordDuration(time.Since(start))
		}
	}()

	release, ok := e.claim(in.UserID, in.Symbol)
	if !ok {
		return nil, e.reject(in, "", exchange.ClassDomain, ErrPositionExists)
	}
	defer release()

	open, err := e.db.HasActivePosition(ctx, in.UserID, in.Symbol)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, e.reject(in, "", exchange.ClassDomain, ErrPositionExists)
	}

	lease, err := e.pool.Acquire(ctx, in.UserID, in.Exchange, in.Environment)
	if err != nil {
		return nil, e.reject(in, "", leaseClass(err), err)
	}
	cred := lease.Credential

	now := time.Now().UTC()
	if err := e.db.InsertOrder(ctx, db.Order{
		ID:           in.ID,
		UserID:       in.UserID,
		CredentialID: cred.ID,
		SignalID:     in.SignalID,
		Purpose:      db.PurposeOpen,
		Symbol:       in.Symbol,
		Side:         string(in.Side()),
		Qty:          in.Quantity,
		Status:       db.OrderSubmitted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return nil, err
	}

	req := exchange.OrderRequest{
		Symbol:        in.Symbol,
		Side:          in.Side(),
		Qty:           in.Quantity,
		ClientOrderID: in.ID,
	}

	var (
		res   *exchange.OrderResult
		venue exchange.Venue
		perr  error
	)
	if err := e.lanes.Admit(ctx, cred.ID, func(ctx context.Context) {
		res, venue, perr = e.place(ctx, lease, req)
		if perr == nil {
			res = e.confirm(ctx, lease.Credential.ID, venue, req, res)
		}
	}); err != nil {
		e.failOrder(ctx, in.ID, "", err)
		return nil, e.reject(in, "", exchange.ClassTransient, err)
	}

	if perr != nil {
		class := exchange.Classify(perr)
		if class == exchange.ClassAuth {
			e.flag(ctx, cred, perr)
		}
		e.failOrder(ctx, in.ID, endpointOf(venue), perr)
		return nil, e.reject(in, endpointOf(venue), class, perr)
	}

	if !res.FilledQty.IsPositive() {
		if err := e.db.UpdateOrder(ctx, in.ID, db.OrderUpdate{
			Status:          db.OrderRejected,
			ExchangeOrderID: res.ExchangeOrderID,
			Endpoint:        venue.Endpoint(),
			Error:           ErrZeroFill.Error(),
		}); err != nil {
			e.log.Error("update order failed", zap.String("order_id", in.ID), zap.Error(err))
		}
		return nil, e.reject(in, venue.Endpoint(), exchange.ClassDomain, ErrZeroFill)
	}

	status := db.OrderFilled
	if res.FilledQty.LessThan(in.Quantity) {
		status = db.OrderPartiallyFilled
	}
	entry := res.AvgPrice
	if !entry.IsPositive() {
		entry = in.ReferencePrice
	}
	if err := e.db.UpdateOrder(ctx, in.ID, db.OrderUpdate{
		Status:          status,
		FilledQty:       res.FilledQty,
		AvgPrice:        entry,
		ExchangeOrderID: res.ExchangeOrderID,
		Endpoint:        venue.Endpoint(),
	}); err != nil {
		e.log.Error("update order failed", zap.String("order_id", in.ID), zap.Error(err))
	}

	profile := risk.Profile{StopLossPct: in.StopLossPct, TakeProfitPct: in.TakeProfitPct}
	sl, tp, err := profile.ProtectionLevels(in.Direction, entry)
	if err != nil {
		return nil, err
	}

	pos := db.Position{
		ID:              uuid.NewString(),
		UserID:          in.UserID,
		SignalID:        in.SignalID,
		CredentialID:    cred.ID,
		Exchange:        cred.Exchange,
		Environment:     cred.Environment,
		Symbol:          in.Symbol,
		Direction:       in.Direction,
		EntryPrice:      entry,
		Quantity:        res.FilledQty,
		StopLossPrice:   sl,
		TakeProfitPrice: tp,
		OpenedAt:        time.Now().UTC(),
		Status:          db.PositionOpen,
		ExchangeOrderID: res.ExchangeOrderID,
	}
	if err := e.db.CreatePosition(ctx, pos, in.ID); err != nil {
		// the venue holds exposure the store refused; reconciliation reports it
		e.log.Error("position not recorded after fill",
			zap.String("intent_id", in.ID),
			zap.String("user_id", in.UserID),
			zap.String("symbol", in.Symbol),
			zap.Error(err))
		return nil, &DispatchError{IntentID: in.ID, Class: exchange.ClassDomain, Err: err}
	}

	e.log.Info("position opened",
		zap.String("position_id", pos.ID),
		zap.String("user_id", pos.UserID),
		zap.String("symbol", pos.Symbol),
		zap.String("direction", string(pos.Direction)),
		zap.String("qty", pos.Quantity.String()),
		zap.String("entry", entry.String()),
		zap.String("endpoint", venue.Endpoint()))

	if e.bus != nil {
		e.bus.Publish(events.EventOrderPlaced, events.OrderEvent{
			IntentID: in.ID, UserID: in.UserID, Symbol: in.Symbol, Purpose: db.PurposeOpen,
			Endpoint: venue.Endpoint(), Filled: res.FilledQty, Price: entry,
		})
		e.bus.Publish(events.EventPositionOpened, events.PositionEvent{
			PositionID: pos.ID, UserID: pos.UserID, Symbol: pos.Symbol, Status: string(pos.Status), At: pos.OpenedAt,
		})
	}

	e.mu.RLock()
	sup := e.supervisor
	e.mu.RUnlock()
	if sup != nil {
		sup.Register(pos)
	}
	return &pos, nil
}

// ClosePosition sends a reduce-only market order for the whole position and
// waits for its fill. It queues behind other calls on the credential instead
// of failing fast.
func (e *Executor) ClosePosition(ctx context.Context, req CloseRequest) (*CloseResult, error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.CloseLatency.RecordDuration(time.Since(start))
		}
	}()

	pos := req.Position
	lease, err := e.pool.AcquireByID(ctx, pos.UserID, pos.CredentialID)
	if err != nil {
		return nil, &DispatchError{IntentID: pos.ID, Class: leaseClass(err), Err: err}
	}

	orderID := uuid.NewString()
	now := time.Now().UTC()
	side := CloseSide(pos.Direction)
	if err := e.db.InsertOrder(ctx, db.Order{
		ID:           orderID,
		UserID:       pos.UserID,
		CredentialID: pos.CredentialID,
		SignalID:     pos.SignalID,
		PositionID:   pos.ID,
		Purpose:      db.PurposeClose,
		Symbol:       pos.Symbol,
		Side:         string(side),
		Qty:          pos.Quantity,
		Status:       db.OrderSubmitted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return nil, err
	}

	closeOrder := exchange.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          side,
		Qty:           pos.Quantity,
		ReduceOnly:    true,
		ClientOrderID: orderID,
	}

	var (
		res   *exchange.OrderResult
		venue exchange.Venue
		perr  error
	)
	if err := e.lanes.Await(ctx, lease.Credential.ID, func(ctx context.Context) {
		res, venue, perr = e.place(ctx, lease, closeOrder)
		if perr == nil {
			res = e.confirm(ctx, lease.Credential.ID, venue, closeOrder, res)
		}
	}); err != nil {
		e.failOrder(ctx, orderID, "", err)
		return nil, &DispatchError{IntentID: orderID, Class: exchange.ClassTransient, Err: err}
	}

	if perr != nil {
		class := exchange.Classify(perr)
		if class == exchange.ClassAuth {
			e.flag(ctx, lease.Credential, perr)
		}
		e.failOrder(ctx, orderID, endpointOf(venue), perr)
		e.publishFailure(orderID, pos.UserID, pos.Symbol, db.PurposeClose, endpointOf(venue), class.String(), perr)
		return nil, &DispatchError{IntentID: orderID, Class: class, Err: perr}
	}

	if !res.FilledQty.IsPositive() {
		e.failOrder(ctx, orderID, venue.Endpoint(), ErrZeroFill)
		e.publishFailure(orderID, pos.UserID, pos.Symbol, db.PurposeClose, venue.Endpoint(), exchange.ClassDomain.String(), ErrZeroFill)
		return nil, &DispatchError{IntentID: orderID, Class: exchange.ClassDomain, Err: ErrZeroFill}
	}

	exit := res.AvgPrice
	if !exit.IsPositive() {
		if p, err := venue.MarkPrice(ctx, pos.Symbol); err == nil {
			exit = p
		}
	}

	status := db.OrderFilled
	if res.FilledQty.LessThan(pos.Quantity) {
		status = db.OrderPartiallyFilled
	}
	if err := e.db.UpdateOrder(ctx, orderID, db.OrderUpdate{
		Status:          status,
		FilledQty:       res.FilledQty,
		AvgPrice:        exit,
		ExchangeOrderID: res.ExchangeOrderID,
		Endpoint:        venue.Endpoint(),
	}); err != nil {
		e.log.Error("update order failed", zap.String("order_id", orderID), zap.Error(err))
	}

	if e.bus != nil {
		e.bus.Publish(events.EventOrderPlaced, events.OrderEvent{
			IntentID: orderID, UserID: pos.UserID, Symbol: pos.Symbol, Purpose: db.PurposeClose,
			Endpoint: venue.Endpoint(), Filled: res.FilledQty, Price: exit,
		})
	}
	return &CloseResult{OrderID: orderID, ExitPrice: exit, FilledQty: res.FilledQty, Endpoint: venue.Endpoint()}, nil
}

// place sends req to the primary endpoint and, once transient retries are
// spent, to the fallback with the same client order id.
func (e *Executor) place(ctx context.Context, lease *gateway.Lease, req exchange.OrderRequest) (*exchange.OrderResult, exchange.Venue, error) {
	res, err := e.send(ctx, lease.Credential.ID, lease.Primary, req)
	if err == nil || lease.Fallback == nil || exchange.Classify(err) != exchange.ClassTransient || ctx.Err() != nil {
		return res, lease.Primary, err
	}

	e.log.Warn("primary endpoint exhausted, using fallback",
		zap.String("order_id", req.ClientOrderID),
		zap.String("primary", lease.Primary.Endpoint()),
		zap.String("fallback", lease.Fallback.Endpoint()),
		zap.Error(err))
	res, err = e.send(ctx, lease.Credential.ID, lease.Fallback, req)
	return res, lease.Fallback, err
}

func (e *Executor) send(ctx context.Context, credentialID string, v exchange.Venue, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	policy := e.cfg.Retry
	policy.OnRetry = func(n int, delay time.Duration, err error) {
		e.log.Warn("retrying order",
			zap.String("order_id", req.ClientOrderID),
			zap.String("endpoint", v.Endpoint()),
			zap.Int("retry", n),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	var res *exchange.OrderResult
	_, err := policy.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()

		r, err := v.PlaceOrder(callCtx, req)
		if errors.Is(err, exchange.ErrDuplicateOrderLink) {
			// an earlier attempt reached the venue; adopt it
			r, err = v.GetOrder(callCtx, req.Symbol, req.ClientOrderID)
		}
		e.pool.RecordResult(credentialID, v, err)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// confirm polls the order until it reaches a final status or the poll budget
// is spent, and returns the latest view.
func (e *Executor) confirm(ctx context.Context, credentialID string, v exchange.Venue, req exchange.OrderRequest, res *exchange.OrderResult) *exchange.OrderResult {
	for i := 0; i < e.cfg.FillPollAttempts && !res.Status.Final(); i++ {
		t := time.NewTimer(e.cfg.FillPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return res
		case <-t.C:
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		r, err := v.GetOrder(callCtx, req.Symbol, req.ClientOrderID)
		cancel()
		e.pool.RecordResult(credentialID, v, err)
		if err != nil {
			e.log.Debug("fill poll failed", zap.String("order_id", req.ClientOrderID), zap.Error(err))
			continue
		}
		if r.Status != exchange.StatusUnknown {
			res = r
		}
	}
	return res
}

func (e *Executor) claim(userID, symbol string) (func(), bool) {
	key := userID + "|" + symbol
	e.claimMu.Lock()
	defer e.claimMu.Unlock()
	if _, held := e.claims[key]; held {
		return nil, false
	}
	e.claims[key] = struct{}{}
	return func() {
		e.claimMu.Lock()
		delete(e.claims, key)
		e.claimMu.Unlock()
	}, true
}

func (e *Executor) flag(ctx context.Context, cred *credential.Credential, cause error) {
	if e.flagger == nil {
		return
	}
	if err := e.flagger.FlagError(ctx, cred.ID, cause.Error()); err != nil {
		e.log.Error("flag credential failed", zap.String("credential_id", cred.ID), zap.Error(err))
	}
}

func (e *Executor) failOrder(ctx context.Context, orderID, endpoint string, cause error) {
	if err := e.db.UpdateOrder(ctx, orderID, db.OrderUpdate{
		Status:   db.OrderFailed,
		Endpoint: endpoint,
		Error:    cause.Error(),
	}); err != nil {
		e.log.Error("update order failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// reject audits a failed intent, publishes it and wraps the cause.
func (e *Executor) reject(in Intent, endpoint string, class exchange.Class, cause error) error {
	label := class.String()
	if errors.Is(cause, ErrQueueFull) {
		label = monitor.QueueFullClass
	}
	e.log.Warn("intent rejected",
		zap.String("intent_id", in.ID),
		zap.String("user_id", in.UserID),
		zap.String("symbol", in.Symbol),
		zap.String("class", label),
		zap.Error(cause))

	if e.audit != nil {
		e.audit.Audit(db.AuditEntry{
			SignalID: in.SignalID,
			UserID:   in.UserID,
			IntentID: in.ID,
			Symbol:   in.Symbol,
			Stage:    "dispatch",
			Reason:   label,
			Detail:   cause.Error(),
		})
	}
	e.publishFailure(in.ID, in.UserID, in.Symbol, db.PurposeOpen, endpoint, label, cause)
	return &DispatchError{IntentID: in.ID, Class: class, Err: cause}
}

func (e *Executor) publishFailure(id, userID, symbol, purpose, endpoint, class string, cause error) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.EventOrderFailed, events.OrderEvent{
		IntentID: id, UserID: userID, Symbol: symbol, Purpose: purpose,
		Endpoint: endpoint, Class: class, Error: cause.Error(),
	})
}

// leaseClass maps credential and pool errors onto the venue error classes.
func leaseClass(err error) exchange.Class {
	switch {
	case errors.Is(err, credential.ErrFlagged), errors.Is(err, credential.ErrNotValidated),
		errors.Is(err, credential.ErrInactive), errors.Is(err, credential.ErrNotFound):
		return exchange.ClassAuth
	case errors.Is(err, gateway.ErrGatewayUnhealthy):
		return exchange.ClassTransient
	}
	return exchange.ClassDomain
}

func endpointOf(v exchange.Venue) string {
	if v == nil {
		return ""
	}
	return v.Endpoint()
}
