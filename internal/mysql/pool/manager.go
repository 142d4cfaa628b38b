package pool

import (
	"github.com/evloop/evloop/internal/config"
	"github.com/evloop/evloop/internal/metrics"
	"github.com/evloop/evloop/internal/reactor"
	"github.com/evloop/evloop/internal/timer"
)

// Manager owns one Pool per named target, keyed by the name used in the
// config's targets map. Like everything else under internal/mysql, it is
// loop-owned: no mutex, because Manager methods only ever run on the loop
// goroutine.
type Manager struct {
	sched   Scheduler
	reactor *reactor.Reactor
	timers  *timer.Wheel
	metrics *metrics.Collector

	defaults config.PoolDefaults
	pools    map[string]*Pool
}

// NewManager returns an empty Manager bound to the given loop primitives.
func NewManager(sched Scheduler, r *reactor.Reactor, timers *timer.Wheel, m *metrics.Collector, defaults config.PoolDefaults) *Manager {
	return &Manager{
		sched:    sched,
		reactor:  r,
		timers:   timers,
		metrics:  m,
		defaults: defaults,
		pools:    make(map[string]*Pool),
	}
}

func poolConfig(tc config.TargetConfig, defaults config.PoolDefaults) Config {
	return Config{
		Host:           tc.Host,
		Port:           tc.Port,
		Username:       tc.Username,
		Password:       tc.Password,
		Database:       tc.DBName,
		TLS:            tc.TLS,
		MinConns:       tc.EffectiveMinConnections(defaults),
		MaxConns:       tc.EffectiveMaxConnections(defaults),
		IdleTimeout:    tc.EffectiveIdleTimeout(defaults),
		MaxLifetime:    tc.EffectiveMaxLifetime(defaults),
		AcquireTimeout: tc.EffectiveAcquireTimeout(defaults),
	}
}

// GetOrCreate returns the pool for name, creating it from tc if it doesn't
// exist yet.
func (m *Manager) GetOrCreate(name string, tc config.TargetConfig) *Pool {
	if p, ok := m.pools[name]; ok {
		return p
	}
	p := New(m.sched, m.reactor, m.timers, poolConfig(tc, m.defaults))
	m.pools[name] = p
	return p
}

// Get returns the pool registered for name, if any.
func (m *Manager) Get(name string) (*Pool, bool) {
	p, ok := m.pools[name]
	return p, ok
}

// Remove closes and drops the pool for name. Reports whether a pool existed.
func (m *Manager) Remove(name string) bool {
	p, ok := m.pools[name]
	if !ok {
		return false
	}
	p.Close()
	delete(m.pools, name)
	if m.metrics != nil {
		m.metrics.RemoveTarget(name)
	}
	return true
}

// TargetStats returns the Stats for one target, if registered.
func (m *Manager) TargetStats(name string) (Stats, bool) {
	p, ok := m.pools[name]
	if !ok {
		return Stats{}, false
	}
	return p.Stats(), true
}

// PublishStats pushes every pool's current Stats into the metrics
// collector; intended to be driven periodically off the Timer Wheel.
func (m *Manager) PublishStats() {
	if m.metrics == nil {
		return
	}
	for name, p := range m.pools {
		s := p.Stats()
		m.metrics.UpdatePoolStats(name, s.Active, s.Idle, s.Total, s.Waiting)
	}
}

// ReapAll runs ReapIdle across every registered pool and returns the total
// number of connections closed.
func (m *Manager) ReapAll() int {
	total := 0
	for _, p := range m.pools {
		total += p.ReapIdle()
	}
	return total
}

// UpdateDefaults changes the defaults applied to future GetOrCreate calls;
// existing pools keep their original sizing until recreated.
func (m *Manager) UpdateDefaults(defaults config.PoolDefaults) {
	m.defaults = defaults
}

// Close closes every pool the manager owns.
func (m *Manager) Close() {
	for name, p := range m.pools {
		p.Close()
		delete(m.pools, name)
	}
}
