package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chatwatch/chat"
	"github.com/onnwee/chatwatch/config"
	"github.com/onnwee/chatwatch/twitchapi"
	"github.com/onnwee/chatwatch/youtubeapi"
)

// newSource builds the chat source for the configured platform.
func newSource(ctx context.Context, cfg *config.Config) (chat.Source, error) {
	switch cfg.Platform {
	case config.PlatformTwitch:
		return newTwitchSource(cfg), nil
	default:
		yt, err := youtubeapi.New(ctx, youtubeapi.Config{
			APIKey:       cfg.YouTubeAPIKey,
			ClientID:     cfg.YTClientID,
			ClientSecret: cfg.YTClientSecret,
			RefreshToken: cfg.YTRefreshToken,
			Endpoint:     cfg.YouTubeAPIEndpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("youtube client: %w", err)
		}
		slog.Info("youtube chat source ready", slog.Bool("oauth", cfg.YouTubeOAuthEnabled()), slog.String("component", "chat"))
		return &chat.YouTubeSource{API: yt, MinInterval: cfg.PollInterval}, nil
	}
}

func newTwitchSource(cfg *config.Config) *chat.TwitchSource {
	hc := &http.Client{Timeout: 15 * time.Second}
	src := &chat.TwitchSource{Username: cfg.TwitchBotUsername}

	switch {
	case cfg.TwitchBotUsername == "":
		slog.Info("joining twitch chat anonymously", slog.String("component", "chat"))
	case cfg.TwitchRefreshToken != "":
		uts := &twitchapi.UserTokenSource{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			RefreshToken: cfg.TwitchRefreshToken,
			HTTPClient:   hc,
		}
		src.Credentials = uts.Get
	default:
		token := cfg.TwitchOAuthToken
		src.Credentials = func(context.Context) (string, error) { return token, nil }
	}

	if cfg.HelixEnabled() {
		src.Live = &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{
				ClientID:     cfg.TwitchClientID,
				ClientSecret: cfg.TwitchClientSecret,
				HTTPClient:   hc,
			},
			ClientID:   cfg.TwitchClientID,
			HTTPClient: hc,
		}
		src.LiveCheckInterval = time.Minute
	} else {
		slog.Info("twitch live-status checks disabled: no client credentials", slog.String("component", "chat"))
	}
	return src
}
