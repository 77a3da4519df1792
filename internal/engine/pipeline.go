package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"signal-engine/internal/monitor"
	"signal-engine/internal/order"
	"signal-engine/pkg/db"
	"signal-engine/pkg/logger"
)

// Resolver expands a signal into per-account intents.
type Resolver interface {
	Resolve(ctx context.Context, sig db.Signal) ([]order.Intent, error)
}

// Dispatcher executes one intent.
type Dispatcher interface {
	Dispatch(ctx context.Context, in order.Intent) (*db.Position, error)
}

// SymbolCloser flattens every open position on a symbol.
type SymbolCloser interface {
	CloseSymbol(ctx context.Context, symbol string) ([]db.ClosureEvent, error)
}

// Result summarises what a signal produced.
type Result struct {
	SignalID string `json:"signal_id"`
	Intents  int    `json:"intents"`
	Opened   int    `json:"opened"`
	Failed   int    `json:"failed"`
	Closed   int    `json:"closed"`
}

// Pipeline runs accepted signals off the request goroutine. Dispatches from
// all signals share one worker limit.
type Pipeline struct {
	db         *db.Database
	resolver   Resolver
	dispatcher Dispatcher
	closer     SymbolCloser
	metrics    *monitor.SystemMetrics
	log        *zap.Logger
	workers    *semaphore.Weighted

	mu   sync.Mutex
	base context.Context
	wg   sync.WaitGroup
}

// NewPipeline creates a pipeline allowing workers concurrent dispatches.
func NewPipeline(database *db.Database, resolver Resolver, dispatcher Dispatcher, closer SymbolCloser, workers int, metrics *monitor.SystemMetrics, log *zap.Logger) *Pipeline {
	if workers <= 0 {
		workers = 32
	}
	return &Pipeline{
		db:         database,
		resolver:   resolver,
		dispatcher: dispatcher,
		closer:     closer,
		metrics:    metrics,
		log:        logger.Or(log, "pipeline"),
		workers:    semaphore.NewWeighted(int64(workers)),
		base:       context.Background(),
	}
}

// Start sets the context submitted signals run under.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	p.base = ctx
	p.mu.Unlock()
}

// Submit processes sig in the background.
func (p *Pipeline) Submit(sig db.Signal) {
	p.mu.Lock()
	ctx := p.base
	p.mu.Unlock()
	if ctx.Err() != nil {
		p.log.Warn("pipeline stopped, signal not processed", zap.String("signal_id", sig.ID))
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		res, err := p.Process(ctx, sig)
		if err != nil {
			p.log.Error("signal processing failed", zap.String("signal_id", sig.ID), zap.Error(err))
			return
		}
		p.log.Info("signal processed",
			zap.String("signal_id", res.SignalID),
			zap.Int("intents", res.Intents),
			zap.Int("opened", res.Opened),
			zap.Int("failed", res.Failed),
			zap.Int("closed", res.Closed))
	}()
}

// Process runs sig to completion: CLOSE signals flatten the symbol, entry
// signals are resolved and every intent is dispatched.
func (p *Pipeline) Process(ctx context.Context, sig db.Signal) (Result, error) {
	res := Result{SignalID: sig.ID}
	defer func() {
		if err := p.db.MarkSignalProcessed(context.WithoutCancel(ctx), sig.ID, time.Now().UTC()); err != nil {
			p.log.Warn("mark signal processed failed", zap.String("signal_id", sig.ID), zap.Error(err))
		}
	}()

	if sig.Direction == db.DirectionClose {
		closed, err := p.closer.CloseSymbol(ctx, sig.Symbol)
		res.Closed = len(closed)
		return res, err
	}

	intents, err := p.resolver.Resolve(ctx, sig)
	if err != nil {
		return res, err
	}
	res.Intents = len(intents)
	if p.metrics != nil {
		for range intents {
			p.metrics.IncIntents()
		}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, in := range intents {
		in := in
		if err := p.workers.Acquire(ctx, 1); err != nil {
			mu.Lock()
			res.Failed++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			defer p.workers.Release(1)
			_, err := p.dispatcher.Dispatch(ctx, in)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				var de *order.DispatchError
				if !errors.As(err, &de) {
					p.log.Error("dispatch error", zap.String("intent_id", in.ID), zap.Error(err))
				}
				return nil
			}
			res.Opened++
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

// Wait blocks until every submitted signal has finished.
func (p *Pipeline) Wait() { p.wg.Wait() }
