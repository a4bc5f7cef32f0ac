// Package youtubeapi wraps the YouTube Data API for the single purpose of reading
// the live chat attached to a broadcast. Authentication is either an API key or
// a Google OAuth2 refresh token exchanged on demand.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

// Config selects credentials and transport for the YouTube client.
type Config struct {
	APIKey       string
	ClientID     string
	ClientSecret string
	RefreshToken string
	// Endpoint overrides the API base URL (tests, proxies).
	Endpoint string
	// HTTPClient replaces the authenticated transport entirely when set.
	HTTPClient *http.Client
}

// ErrNoLiveChat is returned when a video has no active live chat.
var ErrNoLiveChat = errors.New("video has no active live chat")

// ErrVideoNotFound is returned when the video id does not resolve.
var ErrVideoNotFound = errors.New("video not found")

type Client struct {
	svc *yt.Service
}

// New builds a client. The OAuth refresh token takes precedence over the API key.
func New(ctx context.Context, cfg Config) (*Client, error) {
	var opts []option.ClientOption
	switch {
	case cfg.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	case cfg.RefreshToken != "":
		oc := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{yt.YoutubeReadonlyScope},
		}
		ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
		opts = append(opts, option.WithTokenSource(ts))
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	default:
		return nil, errors.New("youtube: no credentials configured")
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// Broadcast describes the live state of a video.
type Broadcast struct {
	VideoID       string
	Title         string
	ChannelTitle  string
	LiveChatID    string
	ActualEndTime string
}

// LiveBroadcast resolves the active live chat of a video.
// It returns ErrVideoNotFound for unknown ids and ErrNoLiveChat when the
// broadcast is over or never had chat enabled.
func (c *Client) LiveBroadcast(ctx context.Context, videoID string) (Broadcast, error) {
	res, err := c.svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return Broadcast{}, fmt.Errorf("videos.list %s: %w", videoID, err)
	}
	if len(res.Items) == 0 {
		return Broadcast{}, fmt.Errorf("%w: %s", ErrVideoNotFound, videoID)
	}
	v := res.Items[0]
	b := Broadcast{VideoID: videoID}
	if v.Snippet != nil {
		b.Title = v.Snippet.Title
		b.ChannelTitle = v.Snippet.ChannelTitle
	}
	if d := v.LiveStreamingDetails; d != nil {
		b.LiveChatID = d.ActiveLiveChatId
		b.ActualEndTime = d.ActualEndTime
	}
	if b.LiveChatID == "" {
		return b, fmt.Errorf("%w: %s", ErrNoLiveChat, videoID)
	}
	return b, nil
}

// Message is a chat message flattened to the fields the watcher cares about.
type Message struct {
	ID              string
	Type            string
	PublishedAt     string
	Text            string
	ChannelID       string
	ChannelURL      string
	DisplayName     string
	ProfileImageURL string
	IsModerator     bool
	IsOwner         bool
	IsSponsor       bool
	IsVerified      bool
}

// Page is one response of liveChatMessages.list.
type Page struct {
	Messages      []Message
	NextPageToken string
	// PollingIntervalMillis is the server's requested minimum wait before the next call.
	PollingIntervalMillis int64
	// OfflineAt is set once the broadcast has ended.
	OfflineAt string
}

// ListMessages fetches the next page of chat messages after pageToken.
func (c *Client) ListMessages(ctx context.Context, liveChatID, pageToken string) (Page, error) {
	call := c.svc.LiveChatMessages.List(liveChatID, []string{"snippet", "authorDetails"}).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Do()
	if err != nil {
		return Page{}, fmt.Errorf("liveChatMessages.list: %w", err)
	}
	page := Page{
		NextPageToken:         res.NextPageToken,
		PollingIntervalMillis: res.PollingIntervalMillis,
		OfflineAt:             res.OfflineAt,
		Messages:              make([]Message, 0, len(res.Items)),
	}
	for _, item := range res.Items {
		if item == nil {
			continue
		}
		m := Message{ID: item.Id}
		if s := item.Snippet; s != nil {
			m.Type = s.Type
			m.PublishedAt = s.PublishedAt
			m.Text = s.DisplayMessage
		}
		if a := item.AuthorDetails; a != nil {
			m.ChannelID = a.ChannelId
			m.ChannelURL = a.ChannelUrl
			m.DisplayName = a.DisplayName
			m.ProfileImageURL = a.ProfileImageUrl
			m.IsModerator = a.IsChatModerator
			m.IsOwner = a.IsChatOwner
			m.IsSponsor = a.IsChatSponsor
			m.IsVerified = a.IsVerified
		}
		page.Messages = append(page.Messages, m)
	}
	return page, nil
}
