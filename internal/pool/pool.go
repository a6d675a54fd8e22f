// Package pool implements a connection pool: a factory-backed set of
// authenticated connections to a single backend, exclusive handles affine
// to the goroutine holding them, and idle reaping. Acquire/Release
// coordinate over a sync.Cond rather than channels.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mongolink/mongolink/internal/conn"
)

// Factory produces one freshly authenticated connection. The pool never
// constructs connections itself; it only manages their lifecycle.
type Factory func(ctx context.Context) (*conn.Connection, error)

// OnExhausted is invoked (best-effort, outside the pool's lock) whenever
// an Acquire call must wait because the pool is at maxConnections.
type OnExhausted func()

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Active    int
	Idle      int
	Total     int
	Waiting   int
	Max       int
	Exhausted int64
}

// Pool manages connections to a single backend. Handles returned by
// LockConnection are affine to the calling goroutine and must not be
// shared concurrently.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	factory        Factory
	maxConnections int
	idleTimeout    time.Duration
	maxLifetime    time.Duration
	acquireTimeout time.Duration

	idle    []*PooledConn
	active  map[*PooledConn]struct{}
	total   int
	waiting int

	exhausted int64
	closed    bool
	stopCh    chan struct{}

	onExhausted OnExhausted
	logger      *slog.Logger
}

// Config bundles the tunables a Pool needs beyond its factory.
type Config struct {
	MaxConnections int
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	AcquireTimeout time.Duration
	OnExhausted    OnExhausted
	Logger         *slog.Logger
}

// New constructs a Pool and starts its idle-reap loop.
func New(factory Factory, cfg Config) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pool{
		factory:        factory,
		maxConnections: cfg.MaxConnections,
		idleTimeout:    cfg.IdleTimeout,
		maxLifetime:    cfg.MaxLifetime,
		acquireTimeout: cfg.AcquireTimeout,
		active:         make(map[*PooledConn]struct{}),
		stopCh:         make(chan struct{}),
		onExhausted:    cfg.OnExhausted,
		logger:         cfg.Logger,
	}
	p.cond = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// Handle is the exclusive, scoped lease returned by LockConnection.
// Release must be called exactly once.
type Handle struct {
	pool *Pool
	pc   *PooledConn
}

// Connection exposes the underlying driver connection for the duration
// of the lease.
func (h *Handle) Connection() *conn.Connection {
	return h.pc.Connection()
}

// Release returns the connection to its pool, discarding it instead if it
// was tainted by a driver error during use.
func (h *Handle) Release() {
	if h.pc.tainted() {
		h.pool.discard(h.pc)
		return
	}
	h.pool.release(h.pc)
}

// LockConnection returns an exclusive handle, building a new connection
// lazily if the pool is under capacity, or waiting for one to be released
// otherwise. The first call made at client-construction time doubles as
// a "fail fast" URI/reachability check.
func (p *Pool) LockConnection(ctx context.Context) (*Handle, error) {
	deadlineAt := time.Now().Add(p.acquireTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadlineAt) {
		deadlineAt = ctxDeadline
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: closed")
		}

		for len(p.idle) > 0 {
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if pc.isExpired(p.maxLifetime) || pc.tainted() {
				pc.close()
				p.total--
				continue
			}

			pc.markActive()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return &Handle{pool: p, pc: pc}, nil
		}

		if p.total < p.maxConnections {
			p.total++
			p.mu.Unlock()

			c, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, fmt.Errorf("pool: building connection: %w", err)
			}

			pc := newPooledConn(c)
			pc.markActive()
			p.mu.Lock()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return &Handle{pool: p, pc: pc}, nil
		}

		p.waiting++
		p.exhausted++
		cb := p.onExhausted
		p.mu.Unlock()

		if cb != nil {
			cb()
		}

		p.mu.Lock()
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: acquire timeout after %s, pool exhausted", p.acquireTimeout)
		}

		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()

		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: closing")
		}
		if time.Now().After(deadlineAt) {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: acquire timeout after %s, pool exhausted", p.acquireTimeout)
		}
	}
}

func (p *Pool) release(pc *PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, pc)

	if p.closed || pc.isExpired(p.maxLifetime) {
		pc.close()
		p.total--
		p.cond.Signal()
		return
	}

	pc.markIdle()
	p.idle = append(p.idle, pc)
	p.cond.Signal()
}

func (p *Pool) discard(pc *PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, pc)
	pc.close()
	p.total--
	p.cond.Signal()
}

// RemoveUnused closes every currently idle connection and invokes onClose
// for each; a close failure is logged but does not abort the sweep.
func (p *Pool) RemoveUnused(onClose func(*PooledConn)) {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.mu.Unlock()

	for _, pc := range idle {
		if err := pc.close(); err != nil {
			p.logger.Warn("pool: error closing idle connection", "err", err)
		}
		if onClose != nil {
			onClose(pc)
		}
	}
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiting,
		Max:       p.maxConnections,
		Exhausted: p.exhausted,
	}
}

// Close drains idle connections, waits briefly for active ones, then
// force-closes whatever remains.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.RemoveUnused(nil)

	p.mu.Lock()
	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-timeout:
			p.mu.Lock()
			for pc := range p.active {
				pc.close()
				p.total--
			}
			p.active = make(map[*PooledConn]struct{})
			p.mu.Unlock()
			p.logger.Warn("pool: force-closed active connections after drain timeout")
			return
		}
	}
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := make([]*PooledConn, 0, len(p.idle))
	for _, pc := range p.idle {
		if pc.isIdleExpired(p.idleTimeout) || pc.isExpired(p.maxLifetime) {
			pc.close()
			p.total--
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
}

