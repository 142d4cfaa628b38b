// Package router resolves named MySQL pool targets to their configuration,
// using an atomic.Value snapshot so lookups never block behind a mutation.
package router

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/evloop/evloop/internal/config"
)

// routerSnapshot is an immutable point-in-time view of the routing table.
// Stored in atomic.Value for lock-free reads on the hot path.
type routerSnapshot struct {
	targets  map[string]config.TargetConfig
	defaults config.PoolDefaults
}

// Router resolves target names to their MySQL connection configuration.
// Resolve() is lock-free via atomic.Value. Mutations serialize on a write
// mutex and swap in a new snapshot.
type Router struct {
	snap atomic.Value // holds *routerSnapshot
	wmu  sync.Mutex   // serializes mutations (writes are rare)
}

// New creates a new Router populated from the given config.
func New(cfg *config.Config) *Router {
	snap := &routerSnapshot{
		targets:  make(map[string]config.TargetConfig, len(cfg.Targets)),
		defaults: cfg.Defaults,
	}
	for name, tc := range cfg.Targets {
		snap.targets[name] = tc
	}

	r := &Router{}
	r.snap.Store(snap)
	return r
}

func (r *Router) load() *routerSnapshot {
	return r.snap.Load().(*routerSnapshot)
}

func (r *Router) cloneSnap() *routerSnapshot {
	cur := r.load()
	newTargets := make(map[string]config.TargetConfig, len(cur.targets))
	for name, tc := range cur.targets {
		newTargets[name] = tc
	}
	return &routerSnapshot{targets: newTargets, defaults: cur.defaults}
}

// Resolve looks up the TargetConfig for the given target name. Lock-free.
func (r *Router) Resolve(name string) (config.TargetConfig, error) {
	snap := r.load()
	tc, ok := snap.targets[name]
	if !ok {
		return config.TargetConfig{}, fmt.Errorf("unknown pool target: %q", name)
	}
	return tc, nil
}

// AddTarget registers or updates a target configuration.
func (r *Router) AddTarget(name string, tc config.TargetConfig) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	s := r.cloneSnap()
	s.targets[name] = tc
	r.snap.Store(s)
}

// RemoveTarget removes a target from the router.
func (r *Router) RemoveTarget(name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.targets[name]; !ok {
		return false
	}

	s := r.cloneSnap()
	delete(s.targets, name)
	r.snap.Store(s)
	return true
}

// ListTargets returns all target names and their configs.
func (r *Router) ListTargets() map[string]config.TargetConfig {
	snap := r.load()
	result := make(map[string]config.TargetConfig, len(snap.targets))
	for name, tc := range snap.targets {
		result[name] = tc
	}
	return result
}

// Defaults returns the current pool defaults. Lock-free.
func (r *Router) Defaults() config.PoolDefaults {
	return r.load().defaults
}

// Reload replaces the entire routing table from a new config.
func (r *Router) Reload(cfg *config.Config) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	newTargets := make(map[string]config.TargetConfig, len(cfg.Targets))
	for name, tc := range cfg.Targets {
		newTargets[name] = tc
	}

	r.snap.Store(&routerSnapshot{targets: newTargets, defaults: cfg.Defaults})
}
