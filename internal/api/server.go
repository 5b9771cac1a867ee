package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/asyncloop/asyncloop/internal/config"
	"github.com/asyncloop/asyncloop/internal/health"
	"github.com/asyncloop/asyncloop/internal/loop"
	"github.com/asyncloop/asyncloop/internal/metrics"
	"github.com/asyncloop/asyncloop/internal/pool"
)

// Server is the admin REST and metrics server.
type Server struct {
	loop        *loop.Loop
	pool        *pool.Pool
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	listenAddr  string
	startTime   time.Time
	apiCfg      config.APIConfig
}

// NewServer creates the admin API server.
func NewServer(l *loop.Loop, p *pool.Pool, hc *health.Checker, m *metrics.Collector, apiCfg config.APIConfig) *Server {
	return &Server{
		loop:        l,
		pool:        p,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		apiCfg:      apiCfg,
	}
}

// Start starts the HTTP API server.
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/loop", s.loopHandler).Methods("GET")
	r.HandleFunc("/pool", s.poolHandler).Methods("GET")

	// Health & readiness
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// Prometheus metrics
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", s.apiCfg.Bind, s.apiCfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := newListener(addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listenAddr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
	log.Printf("[api] listening on %s", s.listenAddr)
	return nil
}

// Addr returns the bound listen address, useful when the configured port
// is 0.
func (s *Server) Addr() string {
	return s.listenAddr
}

// Stop shuts down the API server.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"loop":           s.loop.Stats(),
		"pool":           s.pool.Stats(),
		"backend":        s.healthCheck.State(),
	})
}

func (s *Server) loopHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.loop.Stats())
}

func (s *Server) poolHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.healthCheck.State())
}

func (s *Server) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.loop.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loop not running"})
		return
	}
	if !s.healthCheck.IsHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "backend unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encoding response: %v", err)
	}
}
