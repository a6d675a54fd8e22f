// Package clientset manages one *mongolink.Client per configured profile,
// lazily created and reused across the admin API and health checker.
package clientset

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"

	"github.com/mongolink/mongolink"
	"github.com/mongolink/mongolink/internal/config"
	"github.com/mongolink/mongolink/internal/pool"
)

// ClientSet manages connection pools (each one a *mongolink.Client) for
// every configured profile.
type ClientSet struct {
	mu          sync.RWMutex
	clients     map[string]*mongolink.Client
	defaults    config.PoolDefaults
	logger      *slog.Logger
	onExhausted func(profile string)
}

// New creates a new, empty ClientSet.
func New(defaults config.PoolDefaults, logger *slog.Logger) *ClientSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientSet{
		clients:  make(map[string]*mongolink.Client),
		defaults: defaults,
		logger:   logger,
	}
}

// SetOnExhausted wires a callback invoked whenever any profile's pool has
// to make an Acquire caller wait because it is at MaxConnections. Intended
// for mongolinkd to forward the event into metrics.Collector.PoolExhausted.
func (cs *ClientSet) SetOnExhausted(fn func(profile string)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.onExhausted = fn
}

// effectiveURI overlays a profile's pool-tuning overrides onto its
// connection URI as maxPoolSize/connectTimeoutMS query parameters, so the
// resulting *mongolink.Client's pool is sized per spec without needing a
// second configuration path into internal/uri.
func effectiveURI(pc config.ProfileConfig, defaults config.PoolDefaults) (string, error) {
	u, err := url.Parse(pc.URI)
	if err != nil {
		return "", fmt.Errorf("parsing profile uri: %w", err)
	}
	q := u.Query()
	q.Set("maxPoolSize", strconv.Itoa(pc.EffectiveMaxConnections(defaults)))
	if at := pc.EffectiveAcquireTimeout(defaults); at > 0 {
		q.Set("connectTimeoutMS", strconv.FormatInt(at.Milliseconds(), 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// GetOrCreate returns the client for a profile, dialing and
// fail-fast-authenticating it lazily on first use.
func (cs *ClientSet) GetOrCreate(ctx context.Context, name string, pc config.ProfileConfig) (*mongolink.Client, error) {
	cs.mu.RLock()
	if c, ok := cs.clients[name]; ok {
		cs.mu.RUnlock()
		return c, nil
	}
	cs.mu.RUnlock()

	cs.mu.Lock()
	defer cs.mu.Unlock()

	// Double-check after acquiring the write lock.
	if c, ok := cs.clients[name]; ok {
		return c, nil
	}

	rawURI, err := effectiveURI(pc, cs.defaults)
	if err != nil {
		return nil, err
	}

	var onExhausted pool.OnExhausted
	if cs.onExhausted != nil {
		onExhausted = func() { cs.onExhausted(name) }
	}

	c, err := mongolink.ConnectWithOptions(ctx, rawURI, cs.logger, onExhausted)
	if err != nil {
		return nil, err
	}
	cs.clients[name] = c
	cs.logger.Info("created profile client", "profile", name, "uri", pc.Redacted().URI)
	return c, nil
}

// Get returns the client for a profile if it has already been created.
func (cs *ClientSet) Get(name string) (*mongolink.Client, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.clients[name]
	return c, ok
}

// Remove closes and removes the client for a profile.
func (cs *ClientSet) Remove(name string) bool {
	cs.mu.Lock()
	c, ok := cs.clients[name]
	if !ok {
		cs.mu.Unlock()
		return false
	}
	delete(cs.clients, name)
	cs.mu.Unlock()

	c.Close()
	cs.logger.Info("removed profile client", "profile", name)
	return true
}

// Names returns the profile names with a live client.
func (cs *ClientSet) Names() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	names := make([]string, 0, len(cs.clients))
	for name := range cs.clients {
		names = append(names, name)
	}
	return names
}

// AllStats returns pool occupancy stats for every live client, keyed by profile.
func (cs *ClientSet) AllStats() map[string]pool.Stats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	stats := make(map[string]pool.Stats, len(cs.clients))
	for name, c := range cs.clients {
		stats[name] = c.PoolStats()
	}
	return stats
}

// ProfileStats returns pool occupancy stats for a single profile's client.
func (cs *ClientSet) ProfileStats(name string) (pool.Stats, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	c, ok := cs.clients[name]
	if !ok {
		return pool.Stats{}, false
	}
	return c.PoolStats(), true
}

// Pinger resolves a profile to its client as the structural Ping(ctx)
// interface health.ClientProvider expects, without internal/clientset
// depending on internal/health.
func (cs *ClientSet) Pinger(name string) (interface{ Ping(context.Context) error }, bool) {
	return cs.Get(name)
}

// Close closes every client in the set.
func (cs *ClientSet) Close() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for name, c := range cs.clients {
		c.Close()
		cs.logger.Info("closed profile client", "profile", name)
	}
	cs.clients = make(map[string]*mongolink.Client)
}

// UpdateDefaults updates the default pool settings applied to profiles
// created after this call.
func (cs *ClientSet) UpdateDefaults(defaults config.PoolDefaults) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.defaults = defaults
}
