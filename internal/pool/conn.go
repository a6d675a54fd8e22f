package pool

import (
	"sync"
	"time"

	"github.com/mongolink/mongolink/internal/conn"
)

// ConnState tracks a pooled connection's place in its pool's idle/active
// bookkeeping.
type ConnState int

const (
	ConnStateIdle ConnState = iota
	ConnStateActive
	ConnStateClosed
)

// PooledConn wraps an authenticated conn.Connection with the pooling
// metadata the idle reaper and max-lifetime checks need.
type PooledConn struct {
	mu        sync.Mutex
	conn      *conn.Connection
	state     ConnState
	createdAt time.Time
	lastUsed  time.Time
}

func newPooledConn(c *conn.Connection) *PooledConn {
	now := time.Now()
	return &PooledConn{
		conn:      c,
		state:     ConnStateIdle,
		createdAt: now,
		lastUsed:  now,
	}
}

// Connection returns the underlying driver connection for issuing
// operations. Only valid while the handle that produced this PooledConn
// is held.
func (pc *PooledConn) Connection() *conn.Connection {
	return pc.conn
}

func (pc *PooledConn) markActive() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = ConnStateActive
	pc.lastUsed = time.Now()
}

func (pc *PooledConn) markIdle() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = ConnStateIdle
	pc.lastUsed = time.Now()
}

func (pc *PooledConn) State() ConnState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

func (pc *PooledConn) isExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(pc.createdAt) > maxLifetime
}

func (pc *PooledConn) isIdleExpired(idleTimeout time.Duration) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if idleTimeout <= 0 {
		return false
	}
	return pc.state == ConnStateIdle && time.Since(pc.lastUsed) > idleTimeout
}

func (pc *PooledConn) close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = ConnStateClosed
	return pc.conn.Disconnect()
}

// tainted reports whether a driver error already poisoned this
// connection, in which case the pool must discard rather than reuse it.
func (pc *PooledConn) tainted() bool {
	return pc.conn.Tainted()
}
