// Package keepalive pings an external URL on a fixed interval so hosts that idle
// out quiet services keep this one running. It is independent of the chat loop:
// a failed ping is logged and counted, nothing more.
package keepalive

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chatwatch/telemetry"
)

// DefaultInterval stays under the common 15 minute idle cutoff.
const DefaultInterval = 14 * time.Minute

// Pinger issues a GET to URL on start and then every Interval until its context ends.
type Pinger struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
}

// Run blocks until ctx is done. With no URL configured it returns immediately.
func (p *Pinger) Run(ctx context.Context) {
	if p.URL == "" {
		slog.Info("keep-alive disabled: no liveness url", slog.String("component", "keepalive"))
		return
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	slog.Info("keep-alive started",
		slog.String("url", p.URL),
		slog.Duration("interval", interval),
		slog.String("component", "keepalive"))

	// first ping goes out right away, then once per interval
	if !p.pingOnce(ctx) {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.pingOnce(ctx) {
				return
			}
		}
	}
}

// pingOnce logs a failed ping and reports false only when ctx has ended.
func (p *Pinger) pingOnce(ctx context.Context) bool {
	if err := p.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		slog.Warn("keep-alive ping failed", slog.String("url", p.URL), slog.Any("err", err), slog.String("component", "keepalive"))
	}
	return true
}

// Ping performs a single probe; any response below 500 counts as success.
func (p *Pinger) Ping(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		telemetry.RecordLivenessPing(false)
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		telemetry.RecordLivenessPing(false)
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= http.StatusInternalServerError {
		telemetry.RecordLivenessPing(false)
		return &StatusError{Code: resp.StatusCode}
	}
	telemetry.RecordLivenessPing(true)
	slog.Debug("keep-alive ping", slog.Int("status", resp.StatusCode), slog.String("component", "keepalive"))
	return nil
}

// StatusError reports a 5xx response from the liveness target.
type StatusError struct{ Code int }

func (e *StatusError) Error() string { return "liveness target returned " + http.StatusText(e.Code) }
