// Package router holds the lock-free, hot-reloadable registry of profile
// configurations mongolinkd's admin API and health checker both read:
// which upstream MongoDB deployments are known, their pool-tuning
// overrides, and whether a profile has been administratively paused.
package router

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mongolink/mongolink/internal/config"
)

// routerSnapshot is an immutable point-in-time view of the routing table.
// Stored in atomic.Value for lock-free reads on the hot path.
type routerSnapshot struct {
	profiles map[string]config.ProfileConfig
	defaults config.PoolDefaults
	paused   map[string]bool
}

// Router resolves profile names to their connection configurations.
// Resolve() and IsPaused() are lock-free via atomic.Value. Mutations
// serialize on a write mutex and swap in a new snapshot.
type Router struct {
	snap atomic.Value // holds *routerSnapshot
	wmu  sync.Mutex   // serializes mutations (writes are rare)
}

// New creates a new Router populated from the given config.
func New(cfg *config.Config) *Router {
	snap := &routerSnapshot{
		profiles: make(map[string]config.ProfileConfig, len(cfg.Profiles)),
		defaults: cfg.Defaults,
		paused:   make(map[string]bool),
	}
	for name, pc := range cfg.Profiles {
		snap.profiles[name] = pc
	}

	r := &Router{}
	r.snap.Store(snap)
	return r
}

func (r *Router) load() *routerSnapshot {
	return r.snap.Load().(*routerSnapshot)
}

// cloneSnap returns a mutable deep copy of the current snapshot. Must be
// called with wmu held.
func (r *Router) cloneSnap() *routerSnapshot {
	cur := r.load()
	newProfiles := make(map[string]config.ProfileConfig, len(cur.profiles))
	for name, pc := range cur.profiles {
		newProfiles[name] = pc
	}
	newPaused := make(map[string]bool, len(cur.paused))
	for name, v := range cur.paused {
		newPaused[name] = v
	}
	return &routerSnapshot{
		profiles: newProfiles,
		defaults: cur.defaults,
		paused:   newPaused,
	}
}

// Resolve looks up the ProfileConfig for the given profile name. Lock-free.
func (r *Router) Resolve(name string) (config.ProfileConfig, error) {
	snap := r.load()
	pc, ok := snap.profiles[name]
	if !ok {
		return config.ProfileConfig{}, fmt.Errorf("unknown profile: %q", name)
	}
	return pc, nil
}

// AddProfile registers or updates a profile configuration.
func (r *Router) AddProfile(name string, pc config.ProfileConfig) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	s := r.cloneSnap()
	s.profiles[name] = pc
	r.snap.Store(s)
}

// RemoveProfile removes a profile from the router.
func (r *Router) RemoveProfile(name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.profiles[name]; !ok {
		return false
	}

	s := r.cloneSnap()
	delete(s.profiles, name)
	delete(s.paused, name)
	r.snap.Store(s)
	return true
}

// PauseProfile marks a profile as paused: the admin layer stops handing
// out new clients for it, without dropping its configuration. Returns
// false if the profile is not found.
func (r *Router) PauseProfile(name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.profiles[name]; !ok {
		return false
	}

	s := r.cloneSnap()
	s.paused[name] = true
	r.snap.Store(s)
	return true
}

// ResumeProfile unpauses a profile. Returns false if not found.
func (r *Router) ResumeProfile(name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.profiles[name]; !ok {
		return false
	}

	s := r.cloneSnap()
	delete(s.paused, name)
	r.snap.Store(s)
	return true
}

// IsPaused returns whether a profile is currently paused. Lock-free.
func (r *Router) IsPaused(name string) bool {
	return r.load().paused[name]
}

// ListProfiles returns all profile names and their configs.
func (r *Router) ListProfiles() map[string]config.ProfileConfig {
	snap := r.load()
	result := make(map[string]config.ProfileConfig, len(snap.profiles))
	for name, pc := range snap.profiles {
		result[name] = pc
	}
	return result
}

// Defaults returns the current pool defaults. Lock-free.
func (r *Router) Defaults() config.PoolDefaults {
	return r.load().defaults
}

// Reload replaces the entire routing table from a new config, preserving
// paused state for profiles that still exist in the new config.
func (r *Router) Reload(cfg *config.Config) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	newProfiles := make(map[string]config.ProfileConfig, len(cfg.Profiles))
	for name, pc := range cfg.Profiles {
		newProfiles[name] = pc
	}

	newPaused := make(map[string]bool)
	for name, v := range cur.paused {
		if _, exists := newProfiles[name]; exists {
			newPaused[name] = v
		}
	}

	r.snap.Store(&routerSnapshot{
		profiles: newProfiles,
		defaults: cfg.Defaults,
		paused:   newPaused,
	})
}
