package order

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Job states. A queued job is claimed either by the lane worker (running)
// or by its caller giving up (abandoned), never both.
const (
	jobQueued int32 = iota
	jobRunning
	jobAbandoned
)

// job is one venue call waiting for its credential's lane.
type job struct {
	ctx   context.Context
	fn    func(ctx context.Context)
	done  chan error
	state *atomic.Int32
}

func newJob(ctx context.Context, fn func(ctx context.Context)) job {
	return job{ctx: ctx, fn: fn, done: make(chan error, 1), state: new(atomic.Int32)}
}

// lane serializes the calls made with one credential and paces them.
type lane struct {
	jobs    chan job
	limiter *rate.Limiter
}

// Lanes holds one bounded admission queue per credential.
type Lanes struct {
	size  int
	limit rate.Limit

	mu    sync.Mutex
	lanes map[string]*lane
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewLanes creates lanes holding at most size waiting calls each, paced at
// rps calls per second (0 disables pacing).
func NewLanes(size int, rps float64) *Lanes {
	if size <= 0 {
		size = 8
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Lanes{size: size, limit: limit, lanes: make(map[string]*lane), stop: make(chan struct{})}
}

func (l *Lanes) get(credentialID string) (*lane, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.stop:
		return nil, ErrClosed
	default:
	}
	if ln, ok := l.lanes[credentialID]; ok {
		return ln, nil
	}
	ln := &lane{jobs: make(chan job, l.size), limiter: rate.NewLimiter(l.limit, 1)}
	l.lanes[credentialID] = ln
	l.wg.Add(1)
	go l.drain(ln)
	return ln, nil
}

// drain runs queued calls one at a time until the lanes are closed.
func (l *Lanes) drain(ln *lane) {
	defer l.wg.Done()
	for {
		select {
		case <-l.stop:
			return
		case j := <-ln.jobs:
			if err := ln.limiter.Wait(j.ctx); err != nil {
				j.done <- err
				continue
			}
			if !j.state.CompareAndSwap(jobQueued, jobRunning) {
				j.done <- j.ctx.Err()
				continue
			}
			j.fn(j.ctx)
			j.done <- nil
		}
	}
}

// Admit queues fn on the credential's lane and waits for it to run. A full
// lane rejects immediately with ErrQueueFull.
func (l *Lanes) Admit(ctx context.Context, credentialID string, fn func(ctx context.Context)) error {
	ln, err := l.get(credentialID)
	if err != nil {
		return err
	}
	j := newJob(ctx, fn)
	select {
	case ln.jobs <- j:
	default:
		return ErrQueueFull
	}
	return l.wait(ctx, j)
}

// Await is Admit without fail-fast: it waits for room in the lane.
func (l *Lanes) Await(ctx context.Context, credentialID string, fn func(ctx context.Context)) error {
	ln, err := l.get(credentialID)
	if err != nil {
		return err
	}
	j := newJob(ctx, fn)
	select {
	case ln.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stop:
		return ErrClosed
	}
	return l.wait(ctx, j)
}

// wait returns when fn has finished, or with ctx's error if fn never
// started. Once the worker has picked the job up the caller follows it to
// completion, so the outcome fn recorded is never discarded.
func (l *Lanes) wait(ctx context.Context, j job) error {
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return ctx.Err()
		}
		return <-j.done
	}
}

// Depth returns the number of calls waiting on a credential's lane.
func (l *Lanes) Depth(credentialID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ln, ok := l.lanes[credentialID]; ok {
		return len(ln.jobs)
	}
	return 0
}

// Close stops every lane worker. Queued calls that never started fail
// with ErrClosed.
func (l *Lanes) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		close(l.stop)
		l.mu.Unlock()
		l.wg.Wait()

		l.mu.Lock()
		defer l.mu.Unlock()
		for _, ln := range l.lanes {
		drain:
			for {
				select {
				case j := <-ln.jobs:
					j.done <- ErrClosed
				default:
					break drain
				}
			}
		}
	})
}
