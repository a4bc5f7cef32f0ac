package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/chatwatch/youtubeapi"
)

// PlatformYouTube tags entries read from YouTube.
const PlatformYouTube = "youtube"

const youtubeChannelBase = "https://www.youtube.com/channel/"

// YouTubeAPI is the subset of youtubeapi.Client the source needs.
type YouTubeAPI interface {
	LiveBroadcast(ctx context.Context, videoID string) (youtubeapi.Broadcast, error)
	ListMessages(ctx context.Context, liveChatID, pageToken string) (youtubeapi.Page, error)
}

// YouTubeSource reads the live chat of a YouTube video.
type YouTubeSource struct {
	API YouTubeAPI
	// MinInterval is the floor between list calls; the server's pollingIntervalMillis wins when larger.
	MinInterval time.Duration
}

// Open resolves the video's active live chat.
func (s *YouTubeSource) Open(ctx context.Context, videoID string) (Stream, error) {
	b, err := s.API.LiveBroadcast(ctx, videoID)
	if err != nil {
		return nil, normalize(err)
	}
	slog.Info("youtube live chat resolved",
		slog.String("video_id", videoID),
		slog.String("title", b.Title),
		slog.String("channel", b.ChannelTitle),
		slog.String("component", "chat_youtube"))
	return &youtubeStream{api: s.API, videoID: videoID, chatID: b.LiveChatID, minInterval: s.MinInterval, now: time.Now}, nil
}

type youtubeStream struct {
	api         YouTubeAPI
	videoID     string
	chatID      string
	pageToken   string
	minInterval time.Duration
	nextAt      time.Time
	ended       bool
	now         func() time.Time
}

// Next waits out the polling interval, then fetches one page.
func (st *youtubeStream) Next(ctx context.Context) ([]Entry, error) {
	if st.ended {
		return nil, ErrBroadcastEnded
	}
	if wait := st.nextAt.Sub(st.now()); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	page, err := st.api.ListMessages(ctx, st.chatID, st.pageToken)
	if err != nil {
		return nil, normalize(err)
	}
	if page.NextPageToken != "" {
		st.pageToken = page.NextPageToken
	}
	interval := time.Duration(page.PollingIntervalMillis) * time.Millisecond
	if interval < st.minInterval {
		interval = st.minInterval
	}
	st.nextAt = st.now().Add(interval)

	entries := make([]Entry, 0, len(page.Messages))
	for _, m := range page.Messages {
		if m.ChannelID == "" {
			continue
		}
		entries = append(entries, st.toEntry(m))
	}
	if page.OfflineAt != "" {
		slog.Info("youtube broadcast went offline",
			slog.String("video_id", st.videoID),
			slog.String("offline_at", page.OfflineAt),
			slog.String("component", "chat_youtube"))
		st.ended = true
	}
	return entries, nil
}

func (st *youtubeStream) toEntry(m youtubeapi.Message) Entry {
	ts, err := time.Parse(time.RFC3339Nano, m.PublishedAt)
	if err != nil {
		ts = st.now()
	}
	url := m.ChannelURL
	if url == "" {
		url = youtubeChannelBase + m.ChannelID
	}
	return Entry{
		Identity:    m.ChannelID,
		DisplayName: m.DisplayName,
		ChannelURL:  url,
		AvatarURL:   m.ProfileImageURL,
		Timestamp:   ts.UTC(),
		Platform:    PlatformYouTube,
		Attributes: map[string]any{
			"video_id":     st.videoID,
			"message_type": m.Type,
			"is_moderator": m.IsModerator,
			"is_owner":     m.IsOwner,
			"is_sponsor":   m.IsSponsor,
			"is_verified":  m.IsVerified,
		},
	}
}

// Close is a no-op; the HTTP client holds no per-stream resources.
func (st *youtubeStream) Close() error { return nil }
