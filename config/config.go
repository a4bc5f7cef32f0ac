// Package config loads environment variables and provides a typed Config used across the service.
// Defaults let the binary run locally with only the broadcast, the notification
// destination and the store DSN supplied. Legacy variable names from earlier
// deployments (YOUTUBE_VIDEO_ID, RENDER_SERVICE_URL, PORT) are honored as fallbacks.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Supported chat platforms.
const (
	PlatformYouTube = "youtube"
	PlatformTwitch  = "twitch"
)

// DefaultAgentTag is the signature appended to every announcement.
const DefaultAgentTag = "@CyberWo9f"

type Config struct {
	// Chat source
	Platform    string `envconfig:"CHAT_PLATFORM" default:"youtube" validate:"oneof=youtube twitch"`
	BroadcastID string `envconfig:"BROADCAST_ID" validate:"required"`

	// YouTube
	YouTubeAPIKey      string `envconfig:"YOUTUBE_API_KEY"`
	YouTubeAPIEndpoint string `envconfig:"YOUTUBE_API_ENDPOINT" validate:"omitempty,url"`
	YTClientID         string `envconfig:"YT_CLIENT_ID"`
	YTClientSecret     string `envconfig:"YT_CLIENT_SECRET"`
	YTRefreshToken     string `envconfig:"YT_REFRESH_TOKEN"`

	// Twitch
	TwitchBotUsername  string `envconfig:"TWITCH_BOT_USERNAME"`
	TwitchOAuthToken   string `envconfig:"TWITCH_OAUTH_TOKEN"`
	TwitchRefreshToken string `envconfig:"TWITCH_REFRESH_TOKEN"`
	TwitchClientID     string `envconfig:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string `envconfig:"TWITCH_CLIENT_SECRET"`

	// Notification sink
	TelegramBotToken  string `envconfig:"TELEGRAM_BOT_TOKEN" validate:"required"`
	TelegramChannelID string `envconfig:"TELEGRAM_CHANNEL_ID" validate:"required"`
	TelegramAPIBase   string `envconfig:"TELEGRAM_API_BASE" default:"https://api.telegram.org" validate:"url"`

	// Store
	DatabaseURL    string `envconfig:"DATABASE_URL" validate:"required"`
	DedupCacheSize int    `envconfig:"DEDUP_CACHE_SIZE" default:"10000" validate:"gte=0"`

	// Liveness
	LivenessURL      string        `envconfig:"LIVENESS_URL" validate:"omitempty,url"`
	LivenessInterval time.Duration `envconfig:"LIVENESS_INTERVAL" default:"14m" validate:"gt=0"`

	// Poll loop
	PollInterval           time.Duration `envconfig:"POLL_INTERVAL" default:"5s" validate:"gte=0"`
	BackoffInitial         time.Duration `envconfig:"BACKOFF_INITIAL" default:"5s" validate:"gt=0"`
	BackoffMax             time.Duration `envconfig:"BACKOFF_MAX" default:"5m" validate:"gtefield=BackoffInitial"`
	BackoffMultiplier      float64       `envconfig:"BACKOFF_MULTIPLIER" default:"2" validate:"gte=1"`
	MaxConsecutiveFailures int           `envconfig:"MAX_CONSECUTIVE_FAILURES" default:"10" validate:"gte=1"`
	StoreRetryAttempts     int           `envconfig:"STORE_RETRY_ATTEMPTS" default:"5" validate:"gte=1"`
	StoreRetryInitial      time.Duration `envconfig:"STORE_RETRY_INITIAL" default:"500ms" validate:"gt=0"`

	// Delivery
	NotifyMaxAttempts    int           `envconfig:"NOTIFY_MAX_ATTEMPTS" default:"5" validate:"gte=1"`
	NotifyBackoffInitial time.Duration `envconfig:"NOTIFY_BACKOFF_INITIAL" default:"3s" validate:"gt=0"`
	NotifyBackoffMax     time.Duration `envconfig:"NOTIFY_BACKOFF_MAX" default:"1m" validate:"gtefield=NotifyBackoffInitial"`
	NotifyConcurrency    int           `envconfig:"NOTIFY_CONCURRENCY" default:"2" validate:"gte=1"`
	NotifyTimeout        time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"2m" validate:"gt=0"`
	NotifyAgentTag       string        `envconfig:"NOTIFY_AGENT_TAG" default:"@CyberWo9f"`

	// Process
	HTTPAddr      string        `envconfig:"HTTP_ADDR"`
	ShutdownGrace time.Duration `envconfig:"SHUTDOWN_GRACE" default:"10s" validate:"gt=0"`
}

var validate = validator.New()

// Load reads environment variables, applies defaults and legacy fallbacks, then validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.BroadcastID == "" {
		cfg.BroadcastID = strings.TrimSpace(os.Getenv("YOUTUBE_VIDEO_ID"))
	}
	if cfg.LivenessURL == "" {
		if base := strings.TrimSpace(os.Getenv("RENDER_SERVICE_URL")); base != "" {
			cfg.LivenessURL = strings.TrimRight(base, "/") + "/health"
		}
	}
	if cfg.HTTPAddr == "" {
		port := os.Getenv("PORT")
		if port == "" {
			port = "10000"
		}
		cfg.HTTPAddr = ":" + port
	}
	cfg.Platform = strings.ToLower(strings.TrimSpace(cfg.Platform))

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.validatePlatform(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validatePlatform checks the credentials the selected chat source needs.
func (c *Config) validatePlatform() error {
	switch c.Platform {
	case PlatformYouTube:
		if c.YouTubeAPIKey == "" && !c.YouTubeOAuthEnabled() {
			return errors.New("missing youtube credentials: set YOUTUBE_API_KEY or YT_CLIENT_ID, YT_CLIENT_SECRET and YT_REFRESH_TOKEN")
		}
	case PlatformTwitch:
		if (c.TwitchBotUsername == "") != (c.TwitchOAuthToken == "" && c.TwitchRefreshToken == "") {
			return errors.New("twitch chat login requires TWITCH_BOT_USERNAME together with TWITCH_OAUTH_TOKEN or TWITCH_REFRESH_TOKEN")
		}
		if c.TwitchRefreshToken != "" && !c.HelixEnabled() {
			return errors.New("TWITCH_REFRESH_TOKEN requires TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET")
		}
	}
	return nil
}

// YouTubeOAuthEnabled reports whether a complete refresh-token credential set is present.
func (c *Config) YouTubeOAuthEnabled() bool {
	return c.YTClientID != "" && c.YTClientSecret != "" && c.YTRefreshToken != ""
}

// HelixEnabled reports whether Twitch app credentials are available for live-status checks.
func (c *Config) HelixEnabled() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != ""
}
