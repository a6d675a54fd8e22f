package pool

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mongolink/mongolink/internal/conn"
	"github.com/mongolink/mongolink/internal/uri"
)

func newTestFactory(t *testing.T) (Factory, *int64) {
	t.Helper()
	var built int64
	factory := func(ctx context.Context) (*conn.Connection, error) {
		atomic.AddInt64(&built, 1)
		return conn.New(uri.Settings{}, uri.Host{Name: "test", Port: 27017}, slog.Default()), nil
	}
	return factory, &built
}

func TestLockConnectionBuildsUpToMax(t *testing.T) {
	factory, built := newTestFactory(t)
	p := New(factory, Config{MaxConnections: 2, AcquireTimeout: time.Second})
	defer p.Close()

	ctx := context.Background()
	h1, err := p.LockConnection(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := p.LockConnection(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt64(built); got != 2 {
		t.Fatalf("expected 2 connections built, got %d", got)
	}

	stats := p.Stats()
	if stats.Active != 2 || stats.Total != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	h1.Release()
	h2.Release()
}

func TestLockConnectionReusesReleasedConnection(t *testing.T) {
	factory, built := newTestFactory(t)
	p := New(factory, Config{MaxConnections: 1, AcquireTimeout: time.Second})
	defer p.Close()

	ctx := context.Background()
	h1, err := p.LockConnection(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h1.Release()

	h2, err := p.LockConnection(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2.Release()

	if got := atomic.LoadInt64(built); got != 1 {
		t.Fatalf("expected connection to be reused, built count = %d", got)
	}
}

func TestLockConnectionTimesOutWhenExhausted(t *testing.T) {
	factory, _ := newTestFactory(t)
	var exhaustedCalls int64
	p := New(factory, Config{
		MaxConnections: 1,
		AcquireTimeout: 50 * time.Millisecond,
		OnExhausted:    func() { atomic.AddInt64(&exhaustedCalls, 1) },
	})
	defer p.Close()

	ctx := context.Background()
	h1, err := p.LockConnection(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h1.Release()

	_, err = p.LockConnection(ctx)
	if err == nil {
		t.Fatalf("expected acquire timeout error")
	}
	if atomic.LoadInt64(&exhaustedCalls) == 0 {
		t.Fatalf("expected OnExhausted callback to fire")
	}
}

func TestLockConnectionUnblocksOnRelease(t *testing.T) {
	factory, _ := newTestFactory(t)
	p := New(factory, Config{MaxConnections: 1, AcquireTimeout: 2 * time.Second})
	defer p.Close()

	ctx := context.Background()
	h1, err := p.LockConnection(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		h2, err := p.LockConnection(ctx)
		if err == nil {
			h2.Release()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	h1.Release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second acquire never unblocked after release")
	}
}

func TestReleaseDiscardsTaintedConnection(t *testing.T) {
	factory, built := newTestFactory(t)
	p := New(factory, Config{MaxConnections: 1, AcquireTimeout: time.Second})
	defer p.Close()

	ctx := context.Background()
	h1, err := p.LockConnection(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h1.Connection().Taint()
	h1.Release()

	if stats := p.Stats(); stats.Idle != 0 || stats.Total != 0 {
		t.Fatalf("expected tainted connection to be discarded, got %+v", stats)
	}

	h2, err := p.LockConnection(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2.Release()

	if got := atomic.LoadInt64(built); got != 2 {
		t.Fatalf("expected a replacement connection to be built, built count = %d", got)
	}
}

func TestRemoveUnusedClosesIdleConnections(t *testing.T) {
	factory, _ := newTestFactory(t)
	p := New(factory, Config{MaxConnections: 2, AcquireTimeout: time.Second})
	defer p.Close()

	ctx := context.Background()
	h1, err := p.LockConnection(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h1.Release()

	var closedCount int
	p.RemoveUnused(func(pc *PooledConn) { closedCount++ })

	if closedCount != 1 {
		t.Fatalf("expected 1 idle connection closed, got %d", closedCount)
	}
	if stats := p.Stats(); stats.Idle != 0 || stats.Total != 0 {
		t.Fatalf("expected pool drained of idle connections, got %+v", stats)
	}
}

func TestCloseRejectsFurtherAcquires(t *testing.T) {
	factory, _ := newTestFactory(t)
	p := New(factory, Config{MaxConnections: 1, AcquireTimeout: time.Second})
	p.Close()

	if _, err := p.LockConnection(context.Background()); err == nil {
		t.Fatalf("expected error acquiring from a closed pool")
	}
}

