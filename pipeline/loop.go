// Package pipeline drives the watch: read chat, register identities, announce first sightings.
//
// Loop is a small state machine:
//
//	Connecting ──ok──▶ Polling ──read error──▶ Backoff ──delay──▶ Connecting
//	     │                 │                      │
//	     └──fatal──────────┴──broadcast ended─────┴──too many failures──▶ Terminated
//
// Entries are handled strictly in order. An entry's registration completes before
// the next entry is looked at; delivery of the announcement runs in the background.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/chatwatch/chat"
	"github.com/onnwee/chatwatch/dedup"
	"github.com/onnwee/chatwatch/identity"
	"github.com/onnwee/chatwatch/notify"
	"github.com/onnwee/chatwatch/telemetry"
)

// State is the loop's current phase.
type State int32

const (
	Connecting State = iota
	Polling
	Backoff
	Terminated
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Polling:
		return "polling"
	case Backoff:
		return "backoff"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ErrTooManyFailures ends the loop after MaxConsecutiveFailures transient errors in a row.
var ErrTooManyFailures = errors.New("too many consecutive chat source failures")

// Classifier decides whether an entry is a first sighting.
type Classifier interface {
	Classify(ctx context.Context, e chat.Entry) (dedup.Result, error)
}

// Notifier dispatches an announcement without blocking the loop.
type Notifier interface {
	Go(ctx context.Context, d notify.Delivery)
}

// Config tunes the loop. Zero values fall back to the defaults noted per field.
type Config struct {
	BroadcastID string
	// Destination is the notification target (Telegram chat id).
	Destination string

	// Reconnect backoff: 5s, doubling, capped at 5m.
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	// MaxConsecutiveFailures (default 10) escalates repeated transient errors to Terminated.
	MaxConsecutiveFailures int

	// StoreRetryAttempts (default 5) bounds tries per entry while the store is unavailable.
	StoreRetryAttempts int
	StoreRetryInitial  time.Duration
}

func (c *Config) setDefaults() {
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 5 * time.Second
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = 5 * time.Minute
		if c.BackoffMax < c.BackoffInitial {
			c.BackoffMax = c.BackoffInitial
		}
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 10
	}
	if c.StoreRetryAttempts <= 0 {
		c.StoreRetryAttempts = 5
	}
	if c.StoreRetryInitial <= 0 {
		c.StoreRetryInitial = 500 * time.Millisecond
	}
}

// NewReconnectBackOff returns the reconnect policy: no jitter, so delays never decrease until Reset.
func NewReconnectBackOff(initial, max time.Duration, multiplier float64) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = multiplier
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Status is a point-in-time view of the loop for health and status endpoints.
type Status struct {
	State               string    `json:"state"`
	Since               time.Time `json:"since"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Entries             int64     `json:"entries"`
	NewParticipants     int64     `json:"new_participants"`
	Dropped             int64     `json:"dropped"`
}

// Loop reads one broadcast's chat until it ends or fails fatally.
type Loop struct {
	source     chat.Source
	classifier Classifier
	formatter  notify.Formatter
	notifier   Notifier
	cfg        Config

	state   atomic.Int32
	entries atomic.Int64
	news    atomic.Int64
	dropped atomic.Int64

	mu       sync.Mutex
	since    time.Time
	failures int
	lastErr  string
}

// New assembles a Loop.
func New(source chat.Source, classifier Classifier, formatter notify.Formatter, notifier Notifier, cfg Config) *Loop {
	cfg.setDefaults()
	l := &Loop{
		source:     source,
		classifier: classifier,
		formatter:  formatter,
		notifier:   notifier,
		cfg:        cfg,
		since:      time.Now(),
	}
	l.state.Store(int32(Connecting))
	return l
}

// State is safe to call from any goroutine.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) {
	if State(l.state.Swap(int32(s))) == s {
		return
	}
	l.mu.Lock()
	l.since = time.Now()
	l.mu.Unlock()
	telemetry.SetPollState(int(s))
	slog.Debug("poll loop state", slog.String("state", s.String()), slog.String("component", "pipeline"))
}

// Status snapshots counters and state.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		State:               l.State().String(),
		Since:               l.since,
		ConsecutiveFailures: l.failures,
		LastError:           l.lastErr,
		Entries:             l.entries.Load(),
		NewParticipants:     l.news.Load(),
		Dropped:             l.dropped.Load(),
	}
}

// Run drives the loop until the broadcast ends, a fatal error occurs or ctx is cancelled.
// It returns nil only for cancellation.
func (l *Loop) Run(ctx context.Context) error {
	defer l.setState(Terminated)

	b := NewReconnectBackOff(l.cfg.BackoffInitial, l.cfg.BackoffMax, l.cfg.BackoffMultiplier)
	logger := slog.Default().With(
		slog.String("broadcast", l.cfg.BroadcastID),
		slog.String("component", "pipeline"))

	for {
		if ctx.Err() != nil {
			return nil
		}
		l.setState(Connecting)
		err := l.session(ctx, b)
		if ctx.Err() != nil {
			return nil
		}

		switch {
		case chat.IsEnded(err):
			logger.Info("broadcast ended, stopping", slog.Any("err", err))
			return err
		case chat.IsFatal(err):
			logger.Error("fatal chat source error, stopping", slog.Any("err", err))
			l.noteFailure(err, false)
			return err
		}

		failures := l.noteFailure(err, true)
		if failures > l.cfg.MaxConsecutiveFailures {
			logger.Error("chat source keeps failing, giving up",
				slog.Int("consecutive_failures", failures),
				slog.Any("err", err))
			return fmt.Errorf("%w (%d): %w", ErrTooManyFailures, failures, err)
		}

		l.setState(Backoff)
		delay := b.NextBackOff()
		logger.Log(ctx, failureLevel(failures), "chat source error, backing off",
			slog.Int("consecutive_failures", failures),
			slog.Duration("delay", delay),
			slog.Any("err", err))
		telemetry.IncReconnect()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session opens one stream and reads it until it errors.
func (l *Loop) session(ctx context.Context, b backoff.BackOff) error {
	stream, err := l.source.Open(ctx, l.cfg.BroadcastID)
	if err != nil {
		return fmt.Errorf("open chat: %w", err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			slog.Debug("close chat stream", slog.Any("err", err), slog.String("component", "pipeline"))
		}
	}()

	l.setState(Polling)
	for {
		entries, err := stream.Next(ctx)
		if err != nil {
			return fmt.Errorf("read chat: %w", err)
		}
		b.Reset()
		l.clearFailures()
		l.entries.Add(int64(len(entries)))
		telemetry.IncEntries(len(entries))

		for _, e := range entries {
			if err := l.handle(ctx, e); err != nil {
				return err
			}
		}
	}
}

// handle classifies one entry and, for a first sighting, dispatches its announcement.
// It only returns an error when ctx is done.
func (l *Loop) handle(ctx context.Context, e chat.Entry) error {
	if e.Identity == "" {
		slog.Debug("skipping entry without identity", slog.String("name", e.DisplayName), slog.String("component", "pipeline"))
		return nil
	}
	res, err := l.classify(ctx, e)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.dropped.Add(1)
		telemetry.IncDropped()
		slog.Warn("dropping chat entry, identity could not be registered",
			slog.String("identity", e.Identity),
			slog.String("name", e.DisplayName),
			slog.Bool("store_unavailable", identity.IsUnavailable(err)),
			slog.Any("err", err),
			slog.String("component", "pipeline"))
		return nil
	}
	if res.Verdict != dedup.New {
		return nil
	}

	l.news.Add(1)
	slog.Info("new participant",
		slog.String("identity", e.Identity),
		slog.String("name", e.DisplayName),
		slog.String("platform", e.Platform),
		slog.String("component", "pipeline"))
	l.notifier.Go(ctx, l.formatter.Delivery(l.cfg.Destination, res.Record))
	return nil
}

// classify retries while the store is unavailable; other errors are returned at once.
func (l *Loop) classify(ctx context.Context, e chat.Entry) (dedup.Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.StoreRetryInitial
	b.MaxInterval = 30 * time.Second

	op := func() (dedup.Result, error) {
		res, err := l.classifier.Classify(ctx, e)
		if err != nil && !identity.IsUnavailable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(l.cfg.StoreRetryAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			telemetry.IncStoreRetry()
			slog.Debug("identity store unavailable, retrying",
				slog.String("identity", e.Identity),
				slog.Duration("next", next),
				slog.Any("err", err),
				slog.String("component", "pipeline"))
		}))
}

func (l *Loop) noteFailure(err error, count bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if count {
		l.failures++
	}
	if err != nil {
		l.lastErr = err.Error()
	}
	return l.failures
}

func (l *Loop) clearFailures() {
	l.mu.Lock()
	l.failures = 0
	l.mu.Unlock()
}

// failureLevel quiets repeated failures: the first three and every power of two are warnings.
func failureLevel(n int) slog.Level {
	if n <= 3 || n&(n-1) == 0 {
		return slog.LevelWarn
	}
	return slog.LevelDebug
}
