// Unit tests for metrics HTTP server
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDefaultServerConfig(t *testing.T) {
	config := DefaultServerConfig()
	if config.Address != "127.0.0.1:9108" {
		t.Errorf("expected default address 127.0.0.1:9108, got %s", config.Address)
	}
	if config.ReadTimeout != 10*time.Second || config.WriteTimeout != 10*time.Second {
		t.Error("unexpected timeouts")
	}
}

func TestHandleMetrics(t *testing.T) {
	sm := NewSwapMetrics()
	sm.SwapFinished("swap", "ok", 12*time.Second)
	sm.SetConnected(true)
	server := NewServer(sm, ":0")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("unexpected content type: %s", ct)
	}
	for _, name := range []string{
		`swapper_swaps_total{kind="swap",outcome="ok"} 1`,
		"swapper_device_connected 1",
		"swapper_swap_duration_seconds_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("missing %q in exposition", name)
		}
	}
}

func TestHandleMetricsMethodNotAllowed(t *testing.T) {
	server := NewServer(NewSwapMetrics(), ":0")

	req := httptest.NewRequest(http.MethodPost, "/metrics", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	server := NewServer(NewSwapMetrics(), ":0")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "OK") {
		t.Errorf("health = %d %q", w.Code, w.Body.String())
	}
}

func TestHandleReady(t *testing.T) {
	deviceUp := false
	config := DefaultServerConfig()
	config.Address = ":0"
	config.Ready = func() bool { return deviceUp }
	server := NewServerWithConfig(NewSwapMetrics(), config)

	get := func() int {
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
		return w.Code
	}

	if code := get(); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when not running, got %d", code)
	}

	server.mu.Lock()
	server.running = true
	server.mu.Unlock()
	if code := get(); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while device is down, got %d", code)
	}

	deviceUp = true
	if code := get(); code != http.StatusOK {
		t.Errorf("expected 200 when ready, got %d", code)
	}
}

func TestHandleRoot(t *testing.T) {
	server := NewServer(NewSwapMetrics(), ":0")

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/metrics") {
		t.Errorf("root = %d", w.Code)
	}

	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/unknown", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	config := DefaultServerConfig()
	config.Address = ":0"
	config.Username = "admin"
	config.Password = "secret123"
	server := NewServerWithConfig(NewSwapMetrics(), config)

	tests := []struct {
		name       string
		user, pass string
		setAuth    bool
		want       int
	}{
		{"no credentials", "", "", false, http.StatusUnauthorized},
		{"wrong password", "admin", "wrongpassword", true, http.StatusUnauthorized},
		{"correct", "admin", "secret123", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			w := httptest.NewRecorder()
			server.Handler().ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("got %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("should set WWW-Authenticate header")
			}
		})
	}

	// probes stay open
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health behind auth: %d", w.Code)
	}
}

func TestStatus(t *testing.T) {
	server := NewServer(NewSwapMetrics(), ":9108")

	status := server.Status()
	if status["address"] != ":9108" {
		t.Error("status should include address")
	}
	if status["running"].(bool) {
		t.Error("should not be running")
	}

	server.mu.Lock()
	server.running = true
	server.startTime = time.Now().Add(-10 * time.Second)
	server.mu.Unlock()

	status = server.Status()
	if uptime, ok := status["uptime"].(float64); !ok || uptime < 9 {
		t.Error("uptime should be tracked")
	}
}

func TestShutdown(t *testing.T) {
	server := NewServer(NewSwapMetrics(), "127.0.0.1:0")
	errCh := server.StartAsync()

	deadline := time.Now().Add(time.Second)
	for !server.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !server.IsRunning() {
		t.Fatal("server should be running after StartAsync")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
	if server.IsRunning() {
		t.Error("server should not be running after Shutdown")
	}
	if err := <-errCh; err != nil {
		t.Errorf("server error: %v", err)
	}
}
