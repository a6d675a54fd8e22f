// Package health runs a periodic Ping sweep over every configured profile
// and tracks a consecutive-failure-threshold health status for each.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mongolink/mongolink/internal/config"
	"github.com/mongolink/mongolink/internal/metrics"
	"github.com/mongolink/mongolink/internal/router"
)

// Status represents the health status of a profile's upstream deployment.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ProfileHealth holds health information for a profile.
type ProfileHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Pinger is the subset of *mongolink.Client the checker depends on. Defined
// here rather than imported so health stays a leaf package and tests can
// substitute a fake without standing up a real wire connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ClientProvider resolves a profile name to the pooled Pinger mongolinkd
// keeps for it, so Checker can issue a real {ping: 1} instead of dialing
// its own throwaway connection.
type ClientProvider func(profile string) (Pinger, bool)

// Checker performs periodic health checks on every profile's upstream
// deployment via a real {ping: 1} command issued over the pooled client.
type Checker struct {
	mu       sync.RWMutex
	profiles map[string]*ProfileHealth
	router   *router.Router
	metrics  *metrics.Collector
	clients  ClientProvider

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a new health checker with configurable parameters.
func NewChecker(r *router.Router, m *metrics.Collector, hcCfg config.HealthCheckConfig) *Checker {
	return &Checker{
		profiles:          make(map[string]*ProfileHealth),
		router:            r,
		metrics:           m,
		interval:          hcCfg.Interval,
		failureThreshold:  hcCfg.FailureThreshold,
		connectionTimeout: hcCfg.ConnectionTimeout,
		stopCh:            make(chan struct{}),
	}
}

// SetClientProvider wires the pooled *mongolink.Client lookup into the
// checker. Without one, every ping counts as a failure, so each profile
// turns StatusUnhealthy once it reaches the failure threshold.
func (c *Checker) SetClientProvider(p ClientProvider) {
	c.clients = p
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	// Run immediately on start
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	profiles := c.router.ListProfiles()

	// Run health checks in parallel with a bounded worker pool.
	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for name := range profiles {
		name := name // capture loop var
		wg.Add(1)
		sem <- struct{}{} // acquire semaphore slot
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			start := time.Now()
			healthy := c.pingProfile(name)
			elapsed := time.Since(start)
			if c.metrics != nil {
				c.metrics.HealthCheckCompleted(name, elapsed, healthy)
			}
			c.updateStatus(name, healthy)
		}()
	}
	wg.Wait()
}

// pingProfile issues {ping: 1} over the profile's pooled client, which
// exercises the full wire-protocol and auth path rather than just TCP
// reachability.
func (c *Checker) pingProfile(name string) bool {
	if c.clients == nil {
		c.setLastError(name, "no client provider configured")
		return false
	}

	client, ok := c.clients(name)
	if !ok {
		if c.metrics != nil {
			c.metrics.HealthCheckError(name, "client_unavailable")
		}
		c.setLastError(name, "no pooled client for profile")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.connectionTimeout)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(name, "ping_failed")
		}
		c.setLastError(name, err.Error())
		return false
	}

	c.setLastError(name, "")
	return true
}

func (c *Checker) setLastError(name, errMsg string) {
	c.mu.Lock()
	ph := c.getOrCreate(name)
	if errMsg != "" {
		ph.LastError = errMsg
	}
	c.mu.Unlock()
}

func (c *Checker) updateStatus(name string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ph := c.getOrCreate(name)
	ph.LastCheck = time.Now()

	if healthy {
		if ph.ConsecutiveFailures > 0 {
			slog.Info("profile recovered", "profile", name, "failures", ph.ConsecutiveFailures)
		}
		ph.Status = StatusHealthy
		ph.ConsecutiveFailures = 0
		ph.LastError = ""
	} else {
		ph.ConsecutiveFailures++
		if ph.ConsecutiveFailures >= c.failureThreshold {
			if ph.Status != StatusUnhealthy {
				slog.Warn("profile marked unhealthy", "profile", name, "failures", ph.ConsecutiveFailures, "error", ph.LastError)
			}
			ph.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetProfileHealth(name, ph.Status == StatusHealthy)
	}
}

func (c *Checker) getOrCreate(name string) *ProfileHealth {
	ph, ok := c.profiles[name]
	if !ok {
		ph = &ProfileHealth{Status: StatusUnknown}
		c.profiles[name] = ph
	}
	return ph
}

// IsHealthy returns whether a profile is healthy (or unknown, which is treated as healthy).
func (c *Checker) IsHealthy(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ph, ok := c.profiles[name]
	if !ok {
		return true // unknown = allow through
	}
	return ph.Status != StatusUnhealthy
}

// GetStatus returns the health status for a profile.
func (c *Checker) GetStatus(name string) ProfileHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ph, ok := c.profiles[name]
	if !ok {
		return ProfileHealth{Status: StatusUnknown}
	}
	return *ph
}

// GetAllStatuses returns health statuses for all known profiles.
func (c *Checker) GetAllStatuses() map[string]ProfileHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]ProfileHealth, len(c.profiles))
	for name, ph := range c.profiles {
		result[name] = *ph
	}
	return result
}

// OverallHealthy returns true if all profiles are healthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, ph := range c.profiles {
		if ph.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

// RemoveProfile removes health state for a profile that has been deleted.
func (c *Checker) RemoveProfile(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.profiles, name)
	if c.metrics != nil {
		c.metrics.RemoveProfile(name)
	}
	slog.Info("removed health state", "profile", name)
}
