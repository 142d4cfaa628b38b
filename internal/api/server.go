// Package api exposes the REST/metrics surface for evloopd: per-target
// pool inspection and draining, pool stats, health/readiness, Prometheus
// metrics, and a small status dashboard.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evloop/evloop/internal/config"
	"github.com/evloop/evloop/internal/health"
	"github.com/evloop/evloop/internal/metrics"
	"github.com/evloop/evloop/internal/mysql/pool"
	"github.com/evloop/evloop/internal/router"
)

// Server is the REST API and metrics server.
type Server struct {
	router      *router.Router
	pools       *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
}

// NewServer creates a new API server.
func NewServer(r *router.Router, pm *pool.Manager, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig) *Server {
	return &Server{
		router:      r,
		pools:       pm,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   lc,
	}
}

// Start starts the HTTP API server on its own goroutine; ListenAndServe
// blocks on its own accept loop, outside the event loop's single thread.
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/pools/{name}", s.getPool).Methods("GET")
	r.HandleFunc("/pools/{name}/stats", s.poolStats).Methods("GET")
	r.HandleFunc("/pools/{name}/drain", s.drainPool).Methods("POST")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%d", s.listenCfg.APIBind, s.listenCfg.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("api server listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type targetResponse struct {
	Name   string              `json:"name"`
	Config config.TargetConfig `json:"config"`
	Stats  *pool.Stats         `json:"stats,omitempty"`
	Health *health.Status      `json:"health,omitempty"`
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	tc, err := s.router.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}

	tr := targetResponse{Name: name, Config: tc.Redacted()}
	if stats, ok := s.pools.TargetStats(name); ok {
		tr.Stats = &stats
	}
	if st, ok := s.healthCheck.Status(name); ok {
		tr.Health = &st
	}

	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) poolStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	stats, ok := s.pools.TargetStats(name)
	if !ok {
		if _, err := s.router.Resolve(name); err != nil {
			writeError(w, http.StatusNotFound, "target not found")
			return
		}
		stats = pool.Stats{}
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) drainPool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.pools.Remove(name) {
		writeError(w, http.StatusNotFound, "target not found or no active pool")
		return
	}
	s.healthCheck.Remove(name)

	slog.Info("pool drained", "target", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "drained", "target": name})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.AllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"status":  boolToStatus(allHealthy),
		"targets": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	targets := s.router.ListTargets()
	if len(targets) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	for name := range targets {
		if s.healthCheck.IsHealthy(name) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()
	targets := s.router.ListTargets()

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_targets":    len(targets),
		"listen": map[string]any{
			"api_bind": s.listenCfg.APIBind,
			"api_port": s.listenCfg.APIPort,
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	defaults := s.router.Defaults()
	targets := s.router.ListTargets()

	redacted := make(map[string]config.TargetConfig, len(targets))
	for name, tc := range targets {
		redacted[name] = tc.Redacted()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"defaults": map[string]any{
			"min_connections": defaults.MinConnections,
			"max_connections": defaults.MaxConnections,
			"idle_timeout":    defaults.IdleTimeout.String(),
			"max_lifetime":    defaults.MaxLifetime.String(),
			"acquire_timeout": defaults.AcquireTimeout.String(),
		},
		"targets": redacted,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
