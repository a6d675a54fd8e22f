package pool

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/mongolink/mongolink/internal/conn"
	"github.com/mongolink/mongolink/internal/uri"
)

// newBenchPool creates a Pool pre-loaded with n idle connections built from
// a trivial factory, and a large AcquireTimeout so waits don't skew results.
func newBenchPool(b *testing.B, n int) *Pool {
	b.Helper()
	factory := func(ctx context.Context) (*conn.Connection, error) {
		return conn.New(uri.Settings{}, uri.Host{Name: "bench", Port: 27017}, slog.Default()), nil
	}
	p := New(factory, Config{
		MaxConnections: n,
		IdleTimeout:    5 * time.Minute,
		MaxLifetime:    30 * time.Minute,
		AcquireTimeout: 30 * time.Second,
	})

	ctx := context.Background()
	handles := make([]*Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := p.LockConnection(ctx)
		if err != nil {
			b.Fatalf("pre-loading pool: %v", err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		h.Release()
	}
	return p
}

// BenchmarkAcquireReturn measures the throughput of a single goroutine
// repeatedly locking and immediately releasing a connection.
// Pool size = 1 so no contention; measures pure lock/release overhead.
func BenchmarkAcquireReturn(b *testing.B) {
	p := newBenchPool(b, 1)
	defer p.Close()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, err := p.LockConnection(ctx)
		if err != nil {
			b.Fatalf("LockConnection failed: %v", err)
		}
		h.Release()
	}
}

// BenchmarkAcquireReturnParallel measures throughput under concurrent access
// with a pool sized to allow all goroutines to acquire simultaneously.
func BenchmarkAcquireReturnParallel(b *testing.B) {
	// Size pool to GOMAXPROCS so goroutines rarely wait.
	p := newBenchPool(b, runtime.GOMAXPROCS(0))
	defer p.Close()

	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			h, err := p.LockConnection(ctx)
			if err != nil {
				continue
			}
			h.Release()
		}
	})
}

// BenchmarkAcquireContended measures latency when goroutines compete for
// fewer connections than goroutines (realistic production scenario).
func BenchmarkAcquireContended(b *testing.B) {
	const poolSize = 4
	p := newBenchPool(b, poolSize)
	defer p.Close()

	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			h, err := p.LockConnection(ctx)
			if err != nil {
				continue
			}
			// 1µs simulated work to ensure genuine contention at poolSize=4.
			time.Sleep(time.Microsecond)
			h.Release()
		}
	})
}

// BenchmarkPoolStats measures the overhead of reading pool stats (called
// periodically by the Prometheus metrics loop in production).
func BenchmarkPoolStats(b *testing.B) {
	p := newBenchPool(b, 4)
	defer p.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = p.Stats()
	}
}

// BenchmarkConcurrentAcquireReturnThroughput measures aggregate ops/sec with
// a realistic worker-pool pattern: N workers each lock → work → release.
func BenchmarkConcurrentAcquireReturnThroughput(b *testing.B) {
	const poolSize = 8
	p := newBenchPool(b, poolSize)
	defer p.Close()

	ctx := context.Background()
	const workers = 32
	work := make(chan struct{}, b.N)
	for i := 0; i < b.N; i++ {
		work <- struct{}{}
	}
	close(work)

	b.ResetTimer()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				h, err := p.LockConnection(ctx)
				if err != nil {
					continue
				}
				h.Release()
			}
		}()
	}
	wg.Wait()
}
