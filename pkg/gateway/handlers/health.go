package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/civic-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/civic-voice/pkg/gateway/presence"
	"github.com/vango-go/civic-voice/pkg/gateway/voice/sessions"
)

// HealthHandler reports liveness plus session counts and which external
// providers have credentials. It never fails on a backend outage.
type HealthHandler struct {
	Sessions  *sessions.Tracker
	Presence  presence.Registry
	Providers map[string]bool
}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type healthResp struct {
		Status          string          `json:"status"`
		ActiveSessions  int             `json:"active_sessions"`
		ClusterSessions *int            `json:"cluster_sessions,omitempty"`
		Providers       map[string]bool `json:"providers,omitempty"`
	}

	resp := healthResp{
		Status:         "healthy",
		ActiveSessions: h.Sessions.Count(),
		Providers:      h.Providers,
	}
	if h.Presence != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		n, err := h.Presence.Count(ctx)
		cancel()
		if err == nil {
			resp.ClusterSessions = &n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ReadyCheck probes one dependency. A nil Probe is skipped.
type ReadyCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// ReadyHandler answers 503 while draining or while any check fails, so a
// load balancer stops routing new upgrades here.
type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Checks    []ReadyCheck
	Timeout   time.Duration
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool              `json:"ok"`
		Draining bool              `json:"draining"`
		Checks   map[string]string `json:"checks,omitempty"`
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	resp := readyResp{OK: true, Draining: h.Lifecycle.IsDraining()}
	if resp.Draining {
		resp.OK = false
	}
	for _, c := range h.Checks {
		if c.Probe == nil {
			continue
		}
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(h.Checks))
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		err := c.Probe(ctx)
		cancel()
		if err != nil {
			resp.OK = false
			resp.Checks[c.Name] = err.Error()
			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
