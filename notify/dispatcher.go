package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"github.com/onnwee/chatwatch/telemetry"
)

// Sink sends one notification. Errors should be DeliveryErrors where the sink knows better
// than ClassifyDeliveryError's defaults.
type Sink interface {
	Send(ctx context.Context, d Delivery) error
}

// OutcomeRecorder stores the final result of a background delivery.
type OutcomeRecorder interface {
	MarkNotified(ctx context.Context, identity string, at time.Time) error
	MarkFailed(ctx context.Context, identity string, reason string) error
}

// Status is the final state of a delivery.
type Status int

const (
	Delivered Status = iota + 1
	Failed
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what Deliver reports.
type Result struct {
	Status   Status
	Attempts int
	// Err is the last error for Failed deliveries.
	Err error
}

// Policy bounds retries of transient failures.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
}

// DefaultPolicy: 5 attempts, 3s doubling up to 1m.
var DefaultPolicy = Policy{MaxAttempts: 5, Initial: 3 * time.Second, Max: time.Minute, Multiplier: 2}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0.1
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	return b
}

// Options configure a Dispatcher.
type Options struct {
	Policy Policy
	// Concurrency caps deliveries running at once from Go (default 2).
	Concurrency int
	// Timeout bounds one Go delivery including retries (default 2m).
	Timeout time.Duration
	// Recorder, if set, receives background delivery outcomes.
	Recorder OutcomeRecorder
}

// Dispatcher delivers notifications through a Sink with bounded retry.
type Dispatcher struct {
	sink     Sink
	policy   Policy
	timeout  time.Duration
	recorder OutcomeRecorder
	sem      *semaphore.Weighted
	wg       sync.WaitGroup

	abort     context.Context
	abortFunc context.CancelFunc
}

// NewDispatcher returns a Dispatcher for sink.
func NewDispatcher(sink Sink, opts Options) *Dispatcher {
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultPolicy
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	abort, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sink:      sink,
		policy:    opts.Policy,
		timeout:   opts.Timeout,
		recorder:  opts.Recorder,
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
		abort:     abort,
		abortFunc: cancel,
	}
}

// Deliver sends d, retrying transient failures per the policy. It blocks until
// the notification is delivered, fails permanently, runs out of attempts or ctx ends.
func (d *Dispatcher) Deliver(ctx context.Context, del Delivery) Result {
	ctx, span := telemetry.StartSpan(ctx, "notify", "notify.deliver", telemetry.IdentityAttr(del.Identity))
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("identity", del.Identity),
		slog.String("component", "notify"))

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		telemetry.IncNotificationAttempt()
		err := d.sink.Send(ctx, del)
		if err == nil {
			return struct{}{}, nil
		}
		permanent, retryAfter := ClassifyDeliveryError(err)
		switch {
		case permanent:
			return struct{}{}, backoff.Permanent(err)
		case retryAfter > 0:
			logger.Info("notification rate limited", slog.Duration("retry_after", retryAfter), slog.Int("attempt", attempts))
			// keep the sink error so an exhausted delivery reports the real cause
			return struct{}{}, fmt.Errorf("%w: %w", err, &backoff.RetryAfterError{Duration: retryAfter})
		default:
			return struct{}{}, err
		}
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("notification attempt failed, retrying",
			slog.Int("attempt", attempts),
			slog.Int("max_attempts", d.policy.MaxAttempts),
			slog.Duration("next", next),
			slog.Any("err", err))
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(d.policy.backOff()),
		backoff.WithMaxTries(uint(d.policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify))
	if err != nil {
		logger.Error("notification failed", slog.Int("attempts", attempts), slog.Any("err", err))
		telemetry.RecordError(span, err)
		span.SetAttributes(telemetry.OutcomeAttr(Failed.String()))
		return Result{Status: Failed, Attempts: attempts, Err: err}
	}
	logger.Info("notification delivered", slog.Int("attempts", attempts))
	span.SetAttributes(telemetry.OutcomeAttr(Delivered.String()))
	return Result{Status: Delivered, Attempts: attempts}
}

// Go delivers in the background so a slow sink never stalls the caller.
// The delivery outlives ctx cancellation (bounded by the timeout) so shutdown
// can let it finish; Wait drains or abandons in-flight work.
func (d *Dispatcher) Go(ctx context.Context, del Delivery) {
	d.wg.Add(1)
	telemetry.AddInflight(1)
	go func() {
		defer d.wg.Done()
		defer telemetry.AddInflight(-1)

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		stop := context.AfterFunc(d.abort, cancel)
		defer stop()

		if err := d.sem.Acquire(dctx, 1); err != nil {
			d.record(ctx, del, Result{Status: Failed, Err: err})
			return
		}
		defer d.sem.Release(1)

		start := time.Now()
		res := d.Deliver(dctx, del)
		telemetry.RecordNotification(res.Status.String(), time.Since(start))
		d.record(ctx, del, res)
	}()
}

func (d *Dispatcher) record(ctx context.Context, del Delivery, res Result) {
	if d.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	var err error
	if res.Status == Delivered {
		err = d.recorder.MarkNotified(rctx, del.Identity, time.Now().UTC())
	} else {
		reason := "unknown"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		err = d.recorder.MarkFailed(rctx, del.Identity, reason)
	}
	if err != nil {
		slog.Warn("failed to record delivery outcome",
			slog.String("identity", del.Identity),
			slog.String("status", res.Status.String()),
			slog.Any("err", err),
			slog.String("component", "notify"))
	}
}

// Wait blocks until background deliveries finish. If ctx ends first, in-flight
// deliveries are cancelled and ctx's error is returned.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.abortFunc()
		<-done
		return ctx.Err()
	}
}
