package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var fastPolicy = Policy{MaxAttempts: 5, Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}

// scriptedSink returns the scripted errors in order, then succeeds.
type scriptedSink struct {
	mu        sync.Mutex
	script    []error
	calls     int
	successes int
	block     chan struct{}

	active    atomic.Int32
	maxActive atomic.Int32
}

func (s *scriptedSink) Send(ctx context.Context, d Delivery) error {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		m := s.maxActive.Load()
		if n <= m || s.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		if err != nil {
			return err
		}
	}
	s.successes++
	return nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	notified map[string]time.Time
	failed   map[string]string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{notified: map[string]time.Time{}, failed: map[string]string{}}
}

func (r *fakeRecorder) MarkNotified(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified[id] = at
	return nil
}

func (r *fakeRecorder) MarkFailed(ctx context.Context, id string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[id] = reason
	return nil
}

func transientErr() error { return Transient(errors.New("timeout"), 0) }

func TestDeliverRetriesTransientThenSucceeds(t *testing.T) {
	sink := &scriptedSink{script: []error{transientErr(), transientErr(), transientErr()}}
	d := NewDispatcher(sink, Options{Policy: fastPolicy})

	res := d.Deliver(context.Background(), Delivery{Identity: "u1", Destination: "chat", Text: "hi"})
	require.Equal(t, Delivered, res.Status)
	require.Equal(t, 4, res.Attempts)
	require.NoError(t, res.Err)
	require.Equal(t, 1, sink.successes)
}

func TestDeliverPermanentStopsImmediately(t *testing.T) {
	sink := &scriptedSink{script: []error{Permanent(errors.New("chat not found"))}}
	d := NewDispatcher(sink, Options{Policy: fastPolicy})

	res := d.Deliver(context.Background(), Delivery{Identity: "u1", Destination: "bad"})
	require.Equal(t, Failed, res.Status)
	require.Equal(t, 1, res.Attempts)
	require.ErrorContains(t, res.Err, "chat not found")
	require.Equal(t, 1, sink.calls)
}

func TestDeliverExhaustsAttempts(t *testing.T) {
	script := make([]error, 10)
	for i := range script {
		script[i] = transientErr()
	}
	sink := &scriptedSink{script: script}
	policy := fastPolicy
	policy.MaxAttempts = 3
	d := NewDispatcher(sink, Options{Policy: policy})

	res := d.Deliver(context.Background(), Delivery{Identity: "u1"})
	require.Equal(t, Failed, res.Status)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, 0, sink.successes)
}

func TestDeliverHonorsRetryAfter(t *testing.T) {
	sink := &scriptedSink{script: []error{Transient(errors.New("429"), time.Second)}}
	d := NewDispatcher(sink, Options{Policy: fastPolicy})

	start := time.Now()
	res := d.Deliver(context.Background(), Delivery{Identity: "u1"})
	require.Equal(t, Delivered, res.Status)
	require.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestDeliverRateLimitedKeepsCause(t *testing.T) {
	sink := &scriptedSink{script: []error{
		Transient(errors.New("429 Too Many Requests"), time.Millisecond),
		Transient(errors.New("429 Too Many Requests"), time.Millisecond),
	}}
	policy := fastPolicy
	policy.MaxAttempts = 2
	rec := newFakeRecorder()
	d := NewDispatcher(sink, Options{Policy: policy, Recorder: rec})

	res := d.Deliver(context.Background(), Delivery{Identity: "u1"})
	require.Equal(t, Failed, res.Status)
	require.Equal(t, 2, res.Attempts)
	require.ErrorContains(t, res.Err, "429 Too Many Requests")

	var de *DeliveryError
	require.ErrorAs(t, res.Err, &de)
	require.Equal(t, time.Millisecond, de.RetryAfter)

	sink.script = []error{
		Transient(errors.New("429 Too Many Requests"), time.Millisecond),
		Transient(errors.New("429 Too Many Requests"), time.Millisecond),
	}
	d.Go(context.Background(), Delivery{Identity: "u2"})
	require.NoError(t, d.Wait(context.Background()))
	require.Contains(t, rec.failed["u2"], "429 Too Many Requests")
}

func TestDeliverContextCancelled(t *testing.T) {
	sink := &scriptedSink{block: make(chan struct{})}
	d := NewDispatcher(sink, Options{Policy: fastPolicy})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := d.Deliver(ctx, Delivery{Identity: "u1"})
	require.Equal(t, Failed, res.Status)
}

func TestGoRecordsOutcomes(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := newFakeRecorder()
	sink := &scriptedSink{script: []error{nil, Permanent(errors.New("payload rejected"))}}
	d := NewDispatcher(sink, Options{Policy: fastPolicy, Concurrency: 1, Recorder: rec})

	d.Go(context.Background(), Delivery{Identity: "ok"})
	require.NoError(t, d.Wait(context.Background()))
	d.Go(context.Background(), Delivery{Identity: "bad"})
	require.NoError(t, d.Wait(context.Background()))

	require.Contains(t, rec.notified, "ok")
	require.Contains(t, rec.failed["bad"], "payload rejected")
}

func TestGoSurvivesCallerCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := newFakeRecorder()
	sink := &scriptedSink{block: make(chan struct{})}
	d := NewDispatcher(sink, Options{Policy: fastPolicy, Recorder: rec})

	ctx, cancel := context.WithCancel(context.Background())
	d.Go(ctx, Delivery{Identity: "u1"})
	cancel()
	close(sink.block)

	require.NoError(t, d.Wait(context.Background()))
	require.Contains(t, rec.notified, "u1")
}

func TestGoBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &scriptedSink{block: make(chan struct{})}
	d := NewDispatcher(sink, Options{Policy: fastPolicy, Concurrency: 2})
	for i := 0; i < 6; i++ {
		d.Go(context.Background(), Delivery{Identity: string(rune('a' + i))})
	}
	require.Eventually(t, func() bool { return sink.active.Load() == 2 }, time.Second, time.Millisecond)
	close(sink.block)
	require.NoError(t, d.Wait(context.Background()))
	require.LessOrEqual(t, sink.maxActive.Load(), int32(2))
	require.Equal(t, 6, sink.successes)
}

func TestWaitAbandonsAfterDeadline(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := newFakeRecorder()
	sink := &scriptedSink{block: make(chan struct{})}
	d := NewDispatcher(sink, Options{Policy: fastPolicy, Recorder: rec})
	d.Go(context.Background(), Delivery{Identity: "stuck"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)
	require.Contains(t, rec.failed, "stuck")
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "delivered", Delivered.String())
	require.Equal(t, "failed", Failed.String())
	require.Equal(t, "unknown", Status(0).String())
}
