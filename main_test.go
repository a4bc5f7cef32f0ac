package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatwatch/chat"
	"github.com/onnwee/chatwatch/config"
	"github.com/onnwee/chatwatch/dedup"
	"github.com/onnwee/chatwatch/testutil"
)

func testConfig(telegramBase, token string) *config.Config {
	return &config.Config{
		Platform:             config.PlatformYouTube,
		BroadcastID:          "video123",
		TelegramBotToken:     token,
		TelegramChannelID:    "-100123",
		TelegramAPIBase:      telegramBase,
		DedupCacheSize:       100,
		BackoffInitial:       time.Millisecond,
		BackoffMax:           5 * time.Millisecond,
		BackoffMultiplier:    2,
		StoreRetryAttempts:   3,
		StoreRetryInitial:    time.Millisecond,
		NotifyMaxAttempts:    3,
		NotifyBackoffInitial: time.Millisecond,
		NotifyBackoffMax:     5 * time.Millisecond,
		NotifyConcurrency:    2,
		NotifyTimeout:        5 * time.Second,
		NotifyAgentTag:       config.DefaultAgentTag,
	}
}

func TestWatcherAnnouncesEachParticipantOnce(t *testing.T) {
	tg := testutil.NewMockTelegramServer(t)
	cfg := testConfig(tg.URL, tg.Token)
	store := testutil.SetupSQLiteStore(t)

	src := &testutil.FakeSource{Streams: []*testutil.FakeStream{{
		Steps: []testutil.Step{
			{Entries: []chat.Entry{testutil.Entry("UC1", "Ann"), testutil.Entry("UC2", "Bob")}},
			{Entries: []chat.Entry{testutil.Entry("UC1", "Ann"), testutil.Entry("UC3", "Cy")}},
		},
		Final: chat.ErrBroadcastEnded,
	}}}

	dd, err := dedup.NewDeduplicator(store, cfg.DedupCacheSize)
	require.NoError(t, err)
	defer dd.Close()

	dispatcher := newDispatcher(cfg, store)
	loop := newLoop(cfg, src, dd, dispatcher)

	err = loop.Run(context.Background())
	require.True(t, chat.IsEnded(err), "expected broadcast ended, got %v", err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.Wait(ctx))

	msgs := tg.Messages()
	require.Len(t, msgs, 3)
	names := map[string]bool{}
	for _, m := range msgs {
		require.Equal(t, "sendMessage", m.Method)
		require.Equal(t, cfg.TelegramChannelID, m.ChatID)
		require.Contains(t, m.Text, "🤖 Agent: "+config.DefaultAgentTag)
		for _, n := range []string{"Ann", "Bob", "Cy"} {
			if strings.Contains(m.Text, "✨ Name: "+n+"\n") {
				names[n] = true
			}
		}
	}
	require.Len(t, names, 3)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.Participants)
	require.EqualValues(t, 3, stats.Notified)
	require.EqualValues(t, 0, stats.Failed)
}

func TestNewSourcePerPlatform(t *testing.T) {
	cfg := testConfig("http://127.0.0.1", "tok")
	cfg.YouTubeAPIKey = "key"
	src, err := newSource(context.Background(), cfg)
	require.NoError(t, err)
	require.IsType(t, &chat.YouTubeSource{}, src)

	cfg.Platform = config.PlatformTwitch
	cfg.TwitchBotUsername = "watcherbot"
	cfg.TwitchOAuthToken = "abc"
	src, err = newSource(context.Background(), cfg)
	require.NoError(t, err)
	ts, ok := src.(*chat.TwitchSource)
	require.True(t, ok)
	require.Nil(t, ts.Live, "live checks need client credentials")
	tok, err := ts.Credentials(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", tok)

	cfg.TwitchClientID, cfg.TwitchClientSecret = "id", "secret"
	ts = newTwitchSource(cfg)
	require.NotNil(t, ts.Live)
}

func TestNewTwitchSourceAnonymous(t *testing.T) {
	cfg := testConfig("http://127.0.0.1", "tok")
	cfg.Platform = config.PlatformTwitch
	ts := newTwitchSource(cfg)
	require.Empty(t, ts.Username)
	require.Nil(t, ts.Credentials)
}
