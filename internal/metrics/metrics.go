// Package metrics holds the Prometheus collector for the loop, the MySQL
// pools, and the auth paths they negotiate.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for evloopd.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec
	acquireDuration    *prometheus.HistogramVec
	transactionsTotal  *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec

	targetHealth *prometheus.GaugeVec

	authTotal *prometheus.CounterVec

	loopTickDuration    prometheus.Histogram
	loopActiveTimers    prometheus.Gauge
	loopPendingMicro    prometheus.Gauge
	loopPendingNextTick prometheus.Gauge
	combinatorsTotal    *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g. in tests) since each call creates an
// independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evloop_mysql_connections_active",
				Help: "Number of active connections per pool target",
			},
			[]string{"target"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evloop_mysql_connections_idle",
				Help: "Number of idle connections per pool target",
			},
			[]string{"target"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evloop_mysql_connections_total",
				Help: "Total number of connections per pool target",
			},
			[]string{"target"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evloop_mysql_connections_waiting",
				Help: "Number of Acquire() callers waiting per pool target",
			},
			[]string{"target"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evloop_mysql_pool_exhausted_total",
				Help: "Total number of times a pool target hit MaxConns",
			},
			[]string{"target"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evloop_mysql_acquire_duration_seconds",
				Help:    "Time spent waiting for pool.Acquire()",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"target"},
		),
		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evloop_mysql_transactions_total",
				Help: "Total completed transactions by outcome",
			},
			[]string{"target", "outcome"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evloop_mysql_transaction_duration_seconds",
				Help:    "Duration from Begin to Commit/Rollback",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"target"},
		),
		targetHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evloop_mysql_target_health",
				Help: "Health probe status of a pool target (1=healthy, 0=unhealthy)",
			},
			[]string{"target"},
		),
		authTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evloop_mysql_auth_total",
				Help: "Completed authentication handshakes by plugin and outcome",
			},
			[]string{"plugin", "outcome"},
		),
		loopTickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "evloop_loop_tick_duration_seconds",
				Help:    "Wall-clock duration of one event loop tick",
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 18),
			},
		),
		loopActiveTimers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "evloop_loop_active_timers",
				Help: "Number of armed timers in the Timer Wheel",
			},
		),
		loopPendingMicro: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "evloop_loop_pending_microtasks",
				Help: "Microtasks queued for the current tick",
			},
		),
		loopPendingNextTick: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "evloop_loop_pending_next_tick",
				Help: "Callbacks queued via nextTick for the next tick boundary",
			},
		),
		combinatorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evloop_promise_combinators_total",
				Help: "Completed promise combinator calls by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolExhausted,
		c.acquireDuration,
		c.transactionsTotal,
		c.transactionDuration,
		c.targetHealth,
		c.authTotal,
		c.loopTickDuration,
		c.loopActiveTimers,
		c.loopPendingMicro,
		c.loopPendingNextTick,
		c.combinatorsTotal,
	)

	return c
}

// UpdatePoolStats updates the pool gauge metrics for a target.
func (c *Collector) UpdatePoolStats(target string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(target).Set(float64(active))
	c.connectionsIdle.WithLabelValues(target).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(target).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(target).Set(float64(waiting))
}

// PoolExhausted increments the pool exhausted counter for a target.
func (c *Collector) PoolExhausted(target string) {
	c.poolExhausted.WithLabelValues(target).Inc()
}

// AcquireDuration observes the time spent waiting for a pool connection.
func (c *Collector) AcquireDuration(target string, d time.Duration) {
	c.acquireDuration.WithLabelValues(target).Observe(d.Seconds())
}

// TransactionCompleted records a completed transaction and its duration.
func (c *Collector) TransactionCompleted(target, outcome string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(target, outcome).Inc()
	c.transactionDuration.WithLabelValues(target).Observe(d.Seconds())
}

// SetTargetHealth sets the health gauge for a pool target.
func (c *Collector) SetTargetHealth(target string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.targetHealth.WithLabelValues(target).Set(val)
}

// AuthCompleted records a completed authentication handshake.
func (c *Collector) AuthCompleted(plugin string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	c.authTotal.WithLabelValues(plugin, outcome).Inc()
}

// LoopTick records one event loop tick's wall-clock duration.
func (c *Collector) LoopTick(d time.Duration) {
	c.loopTickDuration.Observe(d.Seconds())
}

// SetLoopGauges updates the point-in-time loop occupancy gauges.
func (c *Collector) SetLoopGauges(activeTimers, pendingMicro, pendingNextTick int) {
	c.loopActiveTimers.Set(float64(activeTimers))
	c.loopPendingMicro.Set(float64(pendingMicro))
	c.loopPendingNextTick.Set(float64(pendingNextTick))
}

// CombinatorCompleted records a completed promise combinator call.
func (c *Collector) CombinatorCompleted(kind string, ok bool) {
	outcome := "resolved"
	if !ok {
		outcome = "rejected"
	}
	c.combinatorsTotal.WithLabelValues(kind, outcome).Inc()
}

// RemoveTarget removes all metrics for a pool target that was dropped.
func (c *Collector) RemoveTarget(target string) {
	c.connectionsActive.DeleteLabelValues(target)
	c.connectionsIdle.DeleteLabelValues(target)
	c.connectionsTotal.DeleteLabelValues(target)
	c.connectionsWaiting.DeleteLabelValues(target)
	c.poolExhausted.DeleteLabelValues(target)
	c.acquireDuration.DeleteLabelValues(target)
	c.targetHealth.DeleteLabelValues(target)
	c.transactionDuration.DeleteLabelValues(target)
	c.transactionsTotal.DeletePartialMatch(prometheus.Labels{"target": target})
}
