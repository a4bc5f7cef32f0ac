package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/chatwatch/chat"
	"github.com/onnwee/chatwatch/identity"
)

// Step is one scripted result of FakeStream.Next.
type Step struct {
	Entries []chat.Entry
	Err     error
}

// FakeStream replays Steps, then returns Final. A nil Final blocks until ctx is done.
type FakeStream struct {
	mu     sync.Mutex
	Steps  []Step
	Final  error
	closed atomic.Bool
}

// Next implements chat.Stream.
func (s *FakeStream) Next(ctx context.Context) ([]chat.Entry, error) {
	s.mu.Lock()
	if len(s.Steps) > 0 {
		step := s.Steps[0]
		s.Steps = s.Steps[1:]
		s.mu.Unlock()
		return step.Entries, step.Err
	}
	final := s.Final
	s.mu.Unlock()
	if final != nil {
		return nil, final
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

// Close implements chat.Stream.
func (s *FakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (s *FakeStream) Closed() bool { return s.closed.Load() }

// FakeSource hands out scripted Open results in order: each OpenErrs entry is
// returned by one Open call, then Streams are handed out one per call.
type FakeSource struct {
	mu       sync.Mutex
	OpenErrs []error
	Streams  []*FakeStream
	opens    atomic.Int32
	openedAt []time.Time
}

// Open implements chat.Source.
func (s *FakeSource) Open(ctx context.Context, broadcastID string) (chat.Stream, error) {
	s.opens.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openedAt = append(s.openedAt, time.Now())
	if len(s.OpenErrs) > 0 {
		err := s.OpenErrs[0]
		s.OpenErrs = s.OpenErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(s.Streams) == 0 {
		return nil, fmt.Errorf("%w: no scripted stream for %s", chat.ErrBroadcastEnded, broadcastID)
	}
	st := s.Streams[0]
	s.Streams = s.Streams[1:]
	return st, nil
}

// Opens returns how many times Open was called.
func (s *FakeSource) Opens() int { return int(s.opens.Load()) }

// OpenTimes returns when each Open call happened.
func (s *FakeSource) OpenTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.openedAt...)
}

// FlakyStore wraps an identity.Store and fails the next Failures TryRegister calls as unavailable.
type FlakyStore struct {
	identity.Store
	Failures atomic.Int32
	Calls    atomic.Int32
	Inserted atomic.Int32
}

// TryRegister implements identity.Store.
func (s *FlakyStore) TryRegister(ctx context.Context, c identity.Candidate) (identity.Record, identity.Outcome, error) {
	s.Calls.Add(1)
	if s.Failures.Load() > 0 {
		s.Failures.Add(-1)
		return identity.Record{}, 0, fmt.Errorf("insert participant: %w: connection refused", identity.ErrStoreUnavailable)
	}
	rec, outcome, err := s.Store.TryRegister(ctx, c)
	if err == nil && outcome == identity.Inserted {
		s.Inserted.Add(1)
	}
	return rec, outcome, err
}

// Entry builds a YouTube-style chat entry for id.
func Entry(id, name string) chat.Entry {
	return chat.Entry{
		Identity:    id,
		DisplayName: name,
		ChannelURL:  "https://www.youtube.com/channel/" + id,
		Timestamp:   time.Now().UTC(),
		Platform:    chat.PlatformYouTube,
	}
}
