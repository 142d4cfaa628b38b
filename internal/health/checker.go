// Package health runs a periodic COM_PING probe against each registered
// MySQL pool target, scheduled off the Timer Wheel rather than a
// free-running goroutine ticker — the probe is just another loop-owned
// callback, like everything else in the cooperative model.
package health

import (
	"time"

	"github.com/evloop/evloop/internal/metrics"
	"github.com/evloop/evloop/internal/mysql/conn"
	"github.com/evloop/evloop/internal/mysql/pool"
	"github.com/evloop/evloop/internal/timer"
)

// Status holds the health state for one pool target.
type Status struct {
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker probes every registered pool target on a fixed interval via
// COM_PING, and tracks consecutive failures before marking a target
// unhealthy (a single blip does not flip the status).
type Checker struct {
	timers    *timer.Wheel
	metrics   *metrics.Collector
	interval  time.Duration
	threshold int

	targets  map[string]*pool.Pool
	status   map[string]*Status
	timerIDs map[string]timer.ID
	stopped  bool
}

// NewChecker returns a Checker that probes each registered target every
// interval, marking it unhealthy after threshold consecutive failures.
func NewChecker(timers *timer.Wheel, m *metrics.Collector, interval time.Duration, threshold int) *Checker {
	if threshold < 1 {
		threshold = 1
	}
	return &Checker{
		timers:    timers,
		metrics:   m,
		interval:  interval,
		threshold: threshold,
		targets:   make(map[string]*pool.Pool),
		status:    make(map[string]*Status),
		timerIDs:  make(map[string]timer.ID),
	}
}

// Register adds a pool target to the probe rotation and arms its first
// check after one interval.
func (c *Checker) Register(name string, p *pool.Pool) {
	c.targets[name] = p
	c.status[name] = &Status{Healthy: true}
	c.arm(name)
}

// Remove stops probing a target and drops its recorded status.
func (c *Checker) Remove(name string) {
	if id, ok := c.timerIDs[name]; ok {
		c.timers.Cancel(id)
		delete(c.timerIDs, name)
	}
	delete(c.targets, name)
	delete(c.status, name)
	if c.metrics != nil {
		c.metrics.RemoveTarget(name)
	}
}

func (c *Checker) arm(name string) {
	if c.stopped {
		return
	}
	c.timerIDs[name] = c.timers.Add(c.interval, func() {
		c.probe(name)
	})
}

func (c *Checker) probe(name string) {
	p, ok := c.targets[name]
	if !ok {
		return
	}

	p.Acquire().Then(
		func(v any) (any, error) {
			cn := v.(*conn.Conn)
			return cn.Ping().Then(
				func(any) (any, error) {
					p.Release(cn)
					c.updateStatus(name, true, "")
					c.arm(name)
					return nil, nil
				},
				func(err error) (any, error) {
					p.Release(cn)
					c.updateStatus(name, false, err.Error())
					c.arm(name)
					return nil, nil
				},
			), nil
		},
		func(err error) (any, error) {
			c.updateStatus(name, false, err.Error())
			c.arm(name)
			return nil, nil
		},
	)
}

func (c *Checker) updateStatus(name string, healthy bool, errMsg string) {
	st, ok := c.status[name]
	if !ok {
		st = &Status{}
		c.status[name] = st
	}
	st.LastCheck = time.Now()
	if healthy {
		st.Healthy = true
		st.ConsecutiveFailures = 0
		st.LastError = ""
	} else {
		st.ConsecutiveFailures++
		st.LastError = errMsg
		if st.ConsecutiveFailures >= c.threshold {
			st.Healthy = false
		}
	}
	if c.metrics != nil {
		c.metrics.SetTargetHealth(name, st.Healthy)
	}
}

// Status returns the current health status for a target.
func (c *Checker) Status(name string) (Status, bool) {
	st, ok := c.status[name]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// AllStatuses returns a copy of every target's current status.
func (c *Checker) AllStatuses() map[string]Status {
	result := make(map[string]Status, len(c.status))
	for name, st := range c.status {
		result[name] = *st
	}
	return result
}

// IsHealthy reports whether a target is healthy; unknown targets are
// treated as healthy so a not-yet-probed target doesn't block readiness.
func (c *Checker) IsHealthy(name string) bool {
	st, ok := c.status[name]
	if !ok {
		return true
	}
	return st.Healthy
}

// OverallHealthy reports whether every registered target is healthy.
func (c *Checker) OverallHealthy() bool {
	for _, st := range c.status {
		if !st.Healthy {
			return false
		}
	}
	return true
}

// Stop cancels every armed probe timer. After Stop, Register still records
// the target and its status but arms no probe timer for it.
func (c *Checker) Stop() {
	c.stopped = true
	for _, id := range c.timerIDs {
		c.timers.Cancel(id)
	}
	c.timerIDs = make(map[string]timer.ID)
}
