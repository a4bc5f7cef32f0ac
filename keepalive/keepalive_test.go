package keepalive

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestPingStatuses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"not found still counts as alive", http.StatusNotFound, false},
		{"server error", http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := (&Pinger{URL: srv.URL, Client: srv.Client()}).Ping(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Ping() error = %v, wantErr %v", err, tt.wantErr)
			}
			var se *StatusError
			if tt.wantErr && !errors.As(err, &se) {
				t.Fatalf("expected StatusError, got %T", err)
			}
		})
	}
}

func TestRunPingsUntilCancelled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		(&Pinger{URL: srv.URL, Interval: 5 * time.Millisecond, Client: srv.Client()}).Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for hits.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d pings before deadline", hits.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunKeepsGoingAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	(&Pinger{URL: srv.URL, Interval: 5 * time.Millisecond, Client: srv.Client()}).Run(ctx)
	if hits.Load() < 2 {
		t.Fatalf("expected repeated pings despite failures, got %d", hits.Load())
	}
}

func TestRunPingsImmediately(t *testing.T) {
	hit := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case hit <- struct{}{}:
		default:
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		(&Pinger{URL: srv.URL, Interval: time.Hour, Client: srv.Client()}).Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case <-hit:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping before the first interval elapsed")
	}
}

func TestRunDisabledWithoutURL(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		(&Pinger{}).Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run without URL should return immediately")
	}
}
