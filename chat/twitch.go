package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// PlatformTwitch tags entries read from Twitch.
const PlatformTwitch = "twitch"

const (
	defaultTwitchWait           = 10 * time.Second
	defaultTwitchCloseWait      = 10 * time.Second
	defaultTwitchBuffer         = 1024
	defaultTwitchBatch          = 256
	defaultTwitchLiveCheckEvery = time.Minute
)

// IRCClient is the part of *twitch.Client the source drives.
type IRCClient interface {
	OnPrivateMessage(callback func(message twitch.PrivateMessage))
	OnConnect(callback func())
	Join(channels ...string)
	Connect() error
	Disconnect() error
}

// LiveChecker reports whether a channel is currently broadcasting.
type LiveChecker interface {
	IsLive(ctx context.Context, login string) (bool, error)
}

// TwitchSource reads a channel's chat over IRC. The broadcast id is the channel login.
type TwitchSource struct {
	// Username is the bot login; empty joins anonymously (read-only).
	Username string
	// Credentials returns the IRC OAuth token for Username. Called on every Open so refreshed tokens are picked up.
	Credentials func(ctx context.Context) (string, error)
	// Live, when set, is consulted on Open and periodically while reading.
	Live              LiveChecker
	LiveCheckInterval time.Duration
	// Wait bounds how long Next blocks without any message.
	Wait       time.Duration
	BufferSize int
	// NewClient overrides IRC client construction in tests.
	NewClient func(username, oauth string) IRCClient
}

func (s *TwitchSource) newClient(username, oauth string) IRCClient {
	if s.NewClient != nil {
		return s.NewClient(username, oauth)
	}
	if username == "" {
		return twitch.NewAnonymousClient()
	}
	return twitch.NewClient(username, oauth)
}

// Open joins the channel and starts reading in the background.
func (s *TwitchSource) Open(ctx context.Context, channel string) (Stream, error) {
	channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
	if channel == "" {
		return nil, fmt.Errorf("%w: empty twitch channel", ErrNotFound)
	}

	if s.Live != nil {
		live, err := s.Live.IsLive(ctx, channel)
		if err != nil {
			return nil, fmt.Errorf("twitch live check: %w", err)
		}
		if !live {
			return nil, fmt.Errorf("%w: %s is offline", ErrBroadcastEnded, channel)
		}
	}

	var token string
	if s.Username != "" && s.Credentials != nil {
		tok, err := s.Credentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("twitch credentials: %w", err)
		}
		token = tok
		if !strings.HasPrefix(token, "oauth:") {
			token = "oauth:" + token
		}
	}

	bufSize := s.BufferSize
	if bufSize <= 0 {
		bufSize = defaultTwitchBuffer
	}
	st := &twitchStream{
		channel:   channel,
		client:    s.newClient(s.Username, token),
		entries:   make(chan Entry, bufSize),
		errCh:     make(chan error, 1),
		connected: make(chan struct{}, 1),
		done:      make(chan struct{}),
		closeWait: defaultTwitchCloseWait,
		live:      s.Live,
		liveEvery: s.LiveCheckInterval,
		wait:      s.Wait,
		now:       time.Now,
	}
	if st.liveEvery <= 0 {
		st.liveEvery = defaultTwitchLiveCheckEvery
	}
	if st.wait <= 0 {
		st.wait = defaultTwitchWait
	}
	st.lastLiveCheck = st.now()

	st.client.OnPrivateMessage(st.onMessage)
	st.client.OnConnect(st.onConnect)
	st.client.Join(channel)
	go func() {
		defer close(st.done)
		st.errCh <- st.client.Connect()
	}()

	slog.Info("twitch chat joined",
		slog.String("channel", channel),
		slog.Bool("anonymous", s.Username == ""),
		slog.String("component", "chat_twitch"))
	return st, nil
}

type twitchStream struct {
	channel string
	client  IRCClient
	entries chan Entry
	errCh   chan error

	// connected receives a signal each time the IRC handshake completes.
	connected chan struct{}
	// done is closed once Connect has returned.
	done      chan struct{}
	closeWait time.Duration

	live          LiveChecker
	liveEvery     time.Duration
	lastLiveCheck time.Time
	ended         bool

	wait      time.Duration
	now       func() time.Time
	dropped   atomic.Int64
	closeOnce sync.Once
}

func (st *twitchStream) onConnect() {
	select {
	case st.connected <- struct{}{}:
	default:
	}
}

// onMessage runs on the IRC reader goroutine and must never block it.
func (st *twitchStream) onMessage(msg twitch.PrivateMessage) {
	if msg.User.ID == "" {
		return
	}
	ts := msg.Time
	if ts.IsZero() {
		ts = st.now()
	}
	name := msg.User.DisplayName
	if name == "" {
		name = msg.User.Name
	}
	e := Entry{
		Identity:    msg.User.ID,
		DisplayName: name,
		ChannelURL:  "https://www.twitch.tv/" + msg.User.Name,
		Timestamp:   ts.UTC(),
		Platform:    PlatformTwitch,
		Attributes: map[string]any{
			"channel": st.channel,
			"login":   msg.User.Name,
			"color":   msg.User.Color,
			"badges":  msg.User.Badges,
		},
	}
	select {
	case st.entries <- e:
	default:
		if n := st.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("twitch chat buffer full, dropping message",
				slog.String("channel", st.channel),
				slog.Int64("dropped_total", n),
				slog.String("component", "chat_twitch"))
		}
	}
}

// Next waits up to the configured bound for a message, then drains whatever else is buffered.
func (st *twitchStream) Next(ctx context.Context) ([]Entry, error) {
	if st.ended {
		return nil, ErrBroadcastEnded
	}

	timer := time.NewTimer(st.wait)
	defer timer.Stop()

	var batch []Entry
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-st.errCh:
		return nil, st.connectionError(err)
	case e := <-st.entries:
		batch = append(batch, e)
	case <-timer.C:
	}

drain:
	for len(batch) < defaultTwitchBatch {
		select {
		case e := <-st.entries:
			batch = append(batch, e)
		default:
			break drain
		}
	}

	if st.live != nil && st.now().Sub(st.lastLiveCheck) >= st.liveEvery {
		st.lastLiveCheck = st.now()
		live, err := st.live.IsLive(ctx, st.channel)
		switch {
		case err != nil:
			slog.Debug("twitch live check failed", slog.Any("err", err), slog.String("component", "chat_twitch"))
		case !live:
			slog.Info("twitch stream went offline", slog.String("channel", st.channel), slog.String("component", "chat_twitch"))
			st.ended = true
			if len(batch) == 0 {
				return nil, ErrBroadcastEnded
			}
		}
	}
	return batch, nil
}

func (st *twitchStream) connectionError(err error) error {
	if err == nil || errors.Is(err, twitch.ErrClientDisconnected) {
		return fmt.Errorf("twitch irc connection closed for %s", st.channel)
	}
	return fmt.Errorf("twitch irc: %w", err)
}

// Close disconnects the IRC client and waits for the connection goroutine to exit.
// A Close racing the initial handshake waits for it, so the socket never outlives the stream.
// Safe to call more than once.
func (st *twitchStream) Close() error {
	var err error
	st.closeOnce.Do(func() {
		err = st.disconnect()
	})
	return err
}

func (st *twitchStream) disconnect() error {
	timer := time.NewTimer(st.closeWait)
	defer timer.Stop()
	for {
		err := st.client.Disconnect()
		if err == nil {
			break
		}
		if !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
			return err
		}
		select {
		case <-st.connected:
		case <-st.done:
			return nil
		case <-timer.C:
			return fmt.Errorf("twitch irc for %s did not connect within %s of close", st.channel, st.closeWait)
		}
	}
	select {
	case <-st.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("twitch irc for %s did not stop within %s of close", st.channel, st.closeWait)
	}
}
