// HTTP server for the Prometheus metrics endpoint
//
// Serves /metrics for scraping plus /health and /ready probes.
// Configurable listen address and optional basic authentication.
//
// Example usage:
//
//	sm := metrics.NewSwapMetrics()
//	server := metrics.NewServer(sm, "127.0.0.1:9108")
//	errCh := server.StartAsync()
//	defer server.Shutdown(context.Background())
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves Prometheus metrics over HTTP
type Server struct {
	sm     *SwapMetrics
	addr   string
	server *http.Server
	mux    *http.ServeMux

	// Optional basic auth
	username string
	password string

	ready func() bool

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// ServerConfig holds server configuration
type ServerConfig struct {
	// Address to listen on (e.g., ":9108" or "127.0.0.1:9108")
	Address string

	// Optional basic auth credentials
	Username string
	Password string

	// Ready reports daemon readiness for /ready. Nil means ready while
	// the server runs.
	Ready func() bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:9108",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// NewServer creates a metrics server with default config
func NewServer(sm *SwapMetrics, addr string) *Server {
	config := DefaultServerConfig()
	config.Address = addr
	return NewServerWithConfig(sm, config)
}

// NewServerWithConfig creates a metrics server with custom config
func NewServerWithConfig(sm *SwapMetrics, config ServerConfig) *Server {
	s := &Server{
		sm:       sm,
		addr:     config.Address,
		mux:      http.NewServeMux(),
		username: config.Username,
		password: config.Password,
		ready:    config.Ready,
	}

	exposition := promhttp.HandlerFor(sm.Registry(), promhttp.HandlerOpts{
		Registry: sm.Registry(),
	})
	s.mux.Handle("/metrics", s.withAuth(methods(exposition, http.MethodGet, http.MethodHead)))
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      s.mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Start runs the server and blocks until it stops
func (s *Server) Start() error {
	s.mu.Lock()
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("metrics server error: %w", err)
	}
	return nil
}

// StartAsync starts the server in a goroutine
func (s *Server) StartAsync() chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return s.server.Shutdown(ctx)
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the configured listen address
func (s *Server) Address() string {
	return s.addr
}

// Handler exposes the mux, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func methods(next http.Handler, allowed ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, m := range allowed {
			if r.Method == m {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK\n"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.running
	s.mu.RUnlock()
	if ready && s.ready != nil {
		ready = s.ready()
	}

	w.Header().Set("Content-Type", "text/plain")
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready\n"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Not Ready\n"))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	html := `<!DOCTYPE html>
<html>
<head>
<title>Swapper Metrics</title>
<style>
body { font-family: sans-serif; margin: 40px; }
a { color: #0066cc; }
.endpoint { margin: 10px 0; }
</style>
</head>
<body>
<h1>Swapper3D Daemon Metrics</h1>
<div class="endpoint"><a href="/metrics">/metrics</a> - Prometheus metrics endpoint</div>
<div class="endpoint"><a href="/health">/health</a> - Health check</div>
<div class="endpoint"><a href="/ready">/ready</a> - Readiness check</div>
</body>
</html>`
	_, _ = w.Write([]byte(html))
}

// withAuth enforces basic auth when credentials are configured
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.username == "" && s.password == "" {
			next.ServeHTTP(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="Swapper Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Status returns server status for diagnostics
func (s *Server) Status() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := map[string]any{
		"address": s.addr,
		"running": s.running,
	}
	if s.running {
		status["uptime"] = time.Since(s.startTime).Seconds()
	}
	return status
}
