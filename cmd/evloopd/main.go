// Command evloopd runs the event loop, a named set of MySQL connection
// pools, a periodic health checker, and a REST/metrics API, all driven
// from a single YAML config file with hot-reload support.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evloop/evloop/internal/api"
	"github.com/evloop/evloop/internal/config"
	"github.com/evloop/evloop/internal/health"
	"github.com/evloop/evloop/internal/loop"
	"github.com/evloop/evloop/internal/metrics"
	"github.com/evloop/evloop/internal/mysql/pool"
	"github.com/evloop/evloop/internal/reactor"
	"github.com/evloop/evloop/internal/router"
)

const (
	healthCheckInterval = 5 * time.Second
	healthFailThreshold = 3
	poolStatsInterval   = 5 * time.Second
	idleReapInterval    = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "configs/evloopd.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "targets", len(cfg.Targets))

	poller, err := reactor.NewEpoll()
	if err != nil {
		slog.Error("failed to initialize reactor", "err", err)
		os.Exit(1)
	}

	l := loop.New(loop.Config{
		IdleSleepCap: time.Duration(cfg.Loop.IdleSleepCapMS) * time.Millisecond,
	}, poller)

	m := metrics.New()
	r := router.New(cfg)
	pm := pool.NewManager(l, l.Reactor, l.Timers, m, cfg.Defaults)
	hc := health.NewChecker(l.Timers, m, healthCheckInterval, healthFailThreshold)

	for name, tc := range cfg.Targets {
		p := pm.GetOrCreate(name, tc)
		hc.Register(name, p)
		p.WarmUp().Then(func(any) (any, error) {
			slog.Info("pool warmed up", "target", name)
			return nil, nil
		}, nil)
	}

	armPublishStats(l, pm, poolStatsInterval)
	armIdleReap(l, pm, idleReapInterval)

	apiServer := api.NewServer(r, pm, hc, m, cfg.Listen)
	if err := apiServer.Start(); err != nil {
		slog.Error("failed to start api server", "err", err)
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		l.Post(func() {
			r.Reload(newCfg)
			pm.UpdateDefaults(newCfg.Defaults)
			for name, tc := range newCfg.Targets {
				if _, ok := pm.Get(name); !ok {
					p := pm.GetOrCreate(name, tc)
					hc.Register(name, p)
				}
			}
		})
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig.String())
		l.Post(func() { l.Stop() })
	}()

	slog.Info("evloopd ready", "api_addr", cfg.Listen.APIBind, "api_port", cfg.Listen.APIPort)
	l.Run()

	if watcher != nil {
		watcher.Stop()
	}
	apiServer.Stop()
	hc.Stop()
	pm.Close()
	l.Reactor.Close()

	slog.Info("evloopd stopped")
}

// armPublishStats self-reschedules a pool-stats snapshot into the metrics
// collector every interval, the same Timer Wheel pattern the health
// checker uses for its own periodic probes.
func armPublishStats(l *loop.Loop, pm *pool.Manager, interval time.Duration) {
	var tick func()
	tick = func() {
		pm.PublishStats()
		l.Timers.Add(interval, tick)
	}
	l.Timers.Add(interval, tick)
}

// armIdleReap self-reschedules a reap of expired idle connections across
// every pool every interval.
func armIdleReap(l *loop.Loop, pm *pool.Manager, interval time.Duration) {
	var tick func()
	tick = func() {
		if n := pm.ReapAll(); n > 0 {
			slog.Debug("reaped idle connections", "count", n)
		}
		l.Timers.Add(interval, tick)
	}
	l.Timers.Add(interval, tick)
}
