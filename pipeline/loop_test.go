package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/onnwee/chatwatch/chat"
	"github.com/onnwee/chatwatch/dedup"
	"github.com/onnwee/chatwatch/keepalive"
	"github.com/onnwee/chatwatch/notify"
	"github.com/onnwee/chatwatch/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// recordingSink fails with the scripted errors first, then records successful sends.
type recordingSink struct {
	mu        sync.Mutex
	script    []error
	calls     int
	delivered []notify.Delivery
}

func (s *recordingSink) Send(ctx context.Context, d notify.Delivery) error {
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
	s.delivered = append(s.delivered, d)
	return nil
}

func (s *recordingSink) Delivered() []notify.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Delivery(nil), s.delivered...)
}

type harness struct {
	store      *testutil.FlakyStore
	sink       *recordingSink
	dispatcher *notify.Dispatcher
	loop       *Loop
}

var fastConfig = Config{
	BroadcastID:            "video-1",
	Destination:            "-100123",
	BackoffInitial:         time.Millisecond,
	BackoffMax:             4 * time.Millisecond,
	BackoffMultiplier:      2,
	MaxConsecutiveFailures: 5,
	StoreRetryAttempts:     3,
	StoreRetryInitial:      time.Millisecond,
}

func newHarness(t *testing.T, src chat.Source, cfg Config) *harness {
	t.Helper()
	store := &testutil.FlakyStore{Store: testutil.SetupSQLiteStore(t)}
	d, err := dedup.NewDeduplicator(store, 0)
	require.NoError(t, err)
	sink := &recordingSink{}
	dispatcher := notify.NewDispatcher(sink, notify.Options{
		Policy:   notify.Policy{MaxAttempts: 5, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2},
		Recorder: store,
	})
	return &harness{
		store:      store,
		sink:       sink,
		dispatcher: dispatcher,
		loop:       New(src, d, notify.Formatter{AgentTag: "@CyberWo9f"}, dispatcher, cfg),
	}
}

// run executes the loop to completion and drains deliveries.
func (h *harness) run(t *testing.T, ctx context.Context) error {
	t.Helper()
	err := h.loop.Run(ctx)
	require.NoError(t, h.dispatcher.Wait(context.Background()))
	return err
}

func TestScenarioFirstSightingIsAnnounced(t *testing.T) {
	src := &testutil.FakeSource{Streams: []*testutil.FakeStream{{
		Steps: []testutil.Step{{Entries: []chat.Entry{testutil.Entry("u1", "Ann")}}},
		Final: chat.ErrBroadcastEnded,
	}}}
	h := newHarness(t, src, fastConfig)

	err := h.run(t, context.Background())
	require.ErrorIs(t, err, chat.ErrBroadcastEnded)

	got := h.sink.Delivered()
	require.Len(t, got, 1)
	require.Equal(t, "-100123", got[0].Destination)
	require.Contains(t, got[0].Text, "Name: Ann")
	require.Contains(t, got[0].Text, time.Now().UTC().Format("2006-01-02"))

	rec, ok, err := h.store.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, rec.NotifiedAt, "delivery outcome should be recorded")
}

func TestScenarioRepeatIsNotAnnounced(t *testing.T) {
	src := &testutil.FakeSource{Streams: []*testutil.FakeStream{{
		Steps: []testutil.Step{
			{Entries: []chat.Entry{testutil.Entry("u1", "Ann")}},
			{Entries: []chat.Entry{testutil.Entry("u2", "Bob"), testutil.Entry("u1", "Ann")}},
			{Entries: []chat.Entry{testutil.Entry("u1", "Ann"), testutil.Entry("u1", "Ann")}},
		},
		Final: chat.ErrBroadcastEnded,
	}}}
	h := newHarness(t, src, fastConfig)

	require.ErrorIs(t, h.run(t, context.Background()), chat.ErrBroadcastEnded)
	got := h.sink.Delivered()
	require.Len(t, got, 2)
	ids := []string{got[0].Identity, got[1].Identity}
	require.ElementsMatch(t, []string{"u1", "u2"}, ids)

	st := h.loop.Status()
	require.EqualValues(t, 5, st.Entries)
	require.EqualValues(t, 2, st.NewParticipants)
	require.Equal(t, "terminated", st.State)
}

func TestReplayAfterRestartIsNotAnnounced(t *testing.T) {
	store := testutil.SetupSQLiteStore(t)
	var deliveries int
	for i := 0; i < 2; i++ {
		src := &testutil.FakeSource{Streams: []*testutil.FakeStream{{
			Steps: []testutil.Step{{Entries: []chat.Entry{testutil.Entry("u1", "Ann")}}},
			Final: chat.ErrBroadcastEnded,
		}}}
		d, err := dedup.NewDeduplicator(store, 0)
		require.NoError(t, err)
		sink := &recordingSink{}
		dispatcher := notify.NewDispatcher(sink, notify.Options{})
		loop := New(src, d, notify.Formatter{}, dispatcher, fastConfig)
		require.ErrorIs(t, loop.Run(context.Background()), chat.ErrBroadcastEnded)
		require.NoError(t, dispatcher.Wait(context.Background()))
		deliveries += len(sink.Delivered())
	}
	require.Equal(t, 1, deliveries)
}

func TestScenarioStoreRecovers(t *testing.T) {
	src := &testutil.FakeSource{Streams: []*testutil.FakeStream{{
		Steps: []testutil.Step{{Entries: []chat.Entry{testutil.Entry("u1", "Ann")}}},
		Final: chat.ErrBroadcastEnded,
	}}}
	h := newHarness(t, src, fastConfig)
	h.store.Failures.Store(2)

	require.ErrorIs(t, h.run(t, context.Background()), chat.ErrBroadcastEnded)
	require.EqualValues(t, 3, h.store.Calls.Load())
	require.EqualValues(t, 1, h.store.Inserted.Load())
	require.Len(t, h.sink.Delivered(), 1)
	require.Zero(t, h.loop.Status().Dropped)
}

func TestStoreOutageDropsEntry(t *testing.T) {
	src := &testutil.FakeSource{Streams: []*testutil.FakeStream{{
		Steps: []testutil.Step{
			{Entries: []chat.Entry{testutil.Entry("u1", "Ann")}},
			{Entries: []chat.Entry{testutil.Entry("u1", "Ann")}},
		},
		Final: chat.ErrBroadcastEnded,
	}}}
	h := newHarness(t, src, fastConfig)
	h.store.Failures.Store(int32(fastConfig.StoreRetryAttempts))

	require.ErrorIs(t, h.run(t, context.Background()), chat.ErrBroadcastEnded)
	require.EqualValues(t, 1, h.loop.Status().Dropped)
	// The dropped entry left no record, so the next sighting is still the first.
	require.EqualValues(t, 1, h.store.Inserted.Load())
	require.Len(t, h.sink.Delivered(), 1)
}

func TestScenarioTransientDeliveryRetried(t *testing.T) {
	src := &testutil.FakeSource{Streams: []*testutil.FakeStream{{
		Steps: []testutil.Step{{Entries: []chat.Entry{testutil.Entry("u1", "Ann")}}},
		Final: chat.ErrBroadcastEnded,
	}}}
	h := newHarness(t, src, fastConfig)
	transient := notify.Transient(errors.New("timeout"), 0)
	h.sink.script = []error{transient, transient, transient}

	require.ErrorIs(t, h.run(t, context.Background()), chat.ErrBroadcastEnded)
	require.Equal(t, 4, h.sink.calls)
	require.Len(t, h.sink.Delivered(), 1)
	require.EqualValues(t, 1, h.store.Inserted.Load())
}

func TestScenarioBroadcastEndedKeepsLivenessRunning(t *testing.T) {
	var pings atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pings.Add(1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pinger := &keepalive.Pinger{URL: srv.URL, Interval: 5 * time.Millisecond, Client: srv.Client()}
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		pinger.Run(ctx)
	}()

	src := &testutil.FakeSource{Streams: []*testutil.FakeStream{{
		Steps: []testutil.Step{{Entries: []chat.Entry{testutil.Entry("u1", "Ann")}}},
		Final: fmt.Errorf("list messages: %w", chat.ErrBroadcastEnded),
	}}}
	h := newHarness(t, src, fastConfig)
	require.ErrorIs(t, h.run(t, ctx), chat.ErrBroadcastEnded)
	require.Equal(t, Terminated, h.loop.State())

	after := pings.Load()
	require.Eventually(t, func() bool { return pings.Load() > after }, time.Second, time.Millisecond)
	cancel()
	<-pingDone
}

func TestTransientErrorsBackOffAndReconnect(t *testing.T) {
	transient := errors.New("connection reset by peer")
	stream := &testutil.FakeStream{Final: chat.ErrBroadcastEnded}
	src := &testutil.FakeSource{
		OpenErrs: []error{transient, transient, transient},
		Streams:  []*testutil.FakeStream{stream},
	}
	cfg := fastConfig
	cfg.BackoffInitial = 10 * time.Millisecond
	cfg.BackoffMax = 40 * time.Millisecond
	h := newHarness(t, src, cfg)

	require.ErrorIs(t, h.run(t, context.Background()), chat.ErrBroadcastEnded)
	require.Equal(t, 4, src.Opens())
	require.True(t, stream.Closed())

	times := src.OpenTimes()
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for i, w := range want {
		require.GreaterOrEqual(t, times[i+1].Sub(times[i]), w, "gap %d", i)
	}
}

func TestReadErrorReopensStream(t *testing.T) {
	first := &testutil.FakeStream{
		Steps: []testutil.Step{
			{Entries: []chat.Entry{testutil.Entry("u1", "Ann")}},
			{Err: errors.New("read tcp: i/o timeout")},
		},
	}
	second := &testutil.FakeStream{
		Steps: []testutil.Step{{Entries: []chat.Entry{testutil.Entry("u1", "Ann"), testutil.Entry("u2", "Bob")}}},
		Final: chat.ErrBroadcastEnded,
	}
	src := &testutil.FakeSource{Streams: []*testutil.FakeStream{first, second}}
	h := newHarness(t, src, fastConfig)

	require.ErrorIs(t, h.run(t, context.Background()), chat.ErrBroadcastEnded)
	require.True(t, first.Closed())
	require.True(t, second.Closed())
	require.Len(t, h.sink.Delivered(), 2)
	require.Zero(t, h.loop.Status().ConsecutiveFailures)
}

func TestTooManyFailuresTerminates(t *testing.T) {
	transient := errors.New("503 backend error")
	src := &testutil.FakeSource{OpenErrs: []error{transient, transient, transient, transient}}
	cfg := fastConfig
	cfg.MaxConsecutiveFailures = 2
	h := newHarness(t, src, cfg)

	err := h.run(t, context.Background())
	require.ErrorIs(t, err, ErrTooManyFailures)
	require.ErrorContains(t, err, "503 backend error")
	require.Equal(t, 3, src.Opens())
	require.Equal(t, Terminated, h.loop.State())
}

func TestFatalOpenTerminatesImmediately(t *testing.T) {
	src := &testutil.FakeSource{OpenErrs: []error{fmt.Errorf("%w: bad api key", chat.ErrUnauthorized)}}
	h := newHarness(t, src, fastConfig)

	err := h.run(t, context.Background())
	require.ErrorIs(t, err, chat.ErrUnauthorized)
	require.Equal(t, 1, src.Opens())
	require.Contains(t, h.loop.Status().LastError, "bad api key")
}

func TestCancelStopsCleanly(t *testing.T) {
	stream := &testutil.FakeStream{} // blocks until cancelled
	src := &testutil.FakeSource{Streams: []*testutil.FakeStream{stream}}
	h := newHarness(t, src, fastConfig)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.loop.Run(ctx) }()

	require.Eventually(t, func() bool { return h.loop.State() == Polling }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
	require.NoError(t, h.dispatcher.Wait(context.Background()))
	require.True(t, stream.Closed())
	require.Equal(t, Terminated, h.loop.State())
}

func TestEntriesWithoutIdentityAreSkipped(t *testing.T) {
	src := &testutil.FakeSource{Streams: []*testutil.FakeStream{{
		Steps: []testutil.Step{{Entries: []chat.Entry{{DisplayName: "ghost"}, testutil.Entry("u1", "Ann")}}},
		Final: chat.ErrBroadcastEnded,
	}}}
	h := newHarness(t, src, fastConfig)
	require.ErrorIs(t, h.run(t, context.Background()), chat.ErrBroadcastEnded)
	require.EqualValues(t, 1, h.store.Calls.Load())
	require.Zero(t, h.loop.Status().Dropped)
}

func TestReconnectBackOffMonotonic(t *testing.T) {
	b := NewReconnectBackOff(5*time.Second, time.Minute, 2)
	var prev time.Duration
	for i := 0; i < 12; i++ {
		d := b.NextBackOff()
		require.GreaterOrEqual(t, d, prev, "step %d", i)
		require.LessOrEqual(t, d, time.Minute)
		prev = d
	}
	require.Equal(t, time.Minute, prev)
	b.Reset()
	require.Equal(t, 5*time.Second, b.NextBackOff())
}

func TestFailureLevel(t *testing.T) {
	tests := map[int]slog.Level{
		1: slog.LevelWarn, 2: slog.LevelWarn, 3: slog.LevelWarn,
		4: slog.LevelWarn, 5: slog.LevelDebug, 7: slog.LevelDebug,
		8: slog.LevelWarn, 12: slog.LevelDebug, 16: slog.LevelWarn,
	}
	for n, want := range tests {
		require.Equal(t, want, failureLevel(n), "failures=%d", n)
	}
}

func TestStateString(t *testing.T) {
	names := []string{}
	for _, s := range []State{Connecting, Polling, Backoff, Terminated, State(9)} {
		names = append(names, s.String())
	}
	require.Equal(t, "connecting polling backoff terminated unknown", strings.Join(names, " "))
}
