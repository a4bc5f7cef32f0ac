package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chatwatch/pipeline"
	"github.com/onnwee/chatwatch/telemetry"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps    Deps
	started time.Time
}

// HandleRoot answers the hosting platform's plain liveness check.
func (h *Handlers) HandleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Service is running"))
}

// HandlePing is the target of the keep-alive pinger.
func (h *Handlers) HandlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"message":   "Service is active",
	})
}

// HandleHealthz responds to liveness probe requests by checking store connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Store.Ping(r.Context()); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("health check failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"store", func() error { return h.deps.Store.Ping(r.Context()) }},
		{"poll_loop", func() error {
			if h.deps.Loop == nil {
				return errors.New("poll loop not started")
			}
			if st := h.deps.Loop.State(); st == pipeline.Terminated {
				return fmt.Errorf("poll loop %s", st)
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Platform      string           `json:"platform"`
	Broadcast     string           `json:"broadcast"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Loop          *pipeline.Status `json:"loop,omitempty"`
	Participants  int64            `json:"participants"`
	Notified      int64            `json:"notified"`
	Failed        int64            `json:"failed"`
	StoreError    string           `json:"store_error,omitempty"`
}

// HandleStatus reports loop state and participant counts.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Platform:      h.deps.Platform,
		Broadcast:     h.deps.Broadcast,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	if h.deps.Loop != nil {
		st := h.deps.Loop.Status()
		resp.Loop = &st
	}
	stats, err := h.deps.Store.Stats(r.Context())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("status stats failed", slog.Any("err", err), slog.String("component", "http"))
		resp.StoreError = err.Error()
	} else {
		resp.Participants = stats.Participants
		resp.Notified = stats.Notified
		resp.Failed = stats.Failed
		telemetry.SetParticipants(stats.Participants)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
