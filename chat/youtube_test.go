package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chatwatch/youtubeapi"
)

type fakeYouTube struct {
	mu           sync.Mutex
	broadcast    youtubeapi.Broadcast
	broadcastErr error
	pages        []youtubeapi.Page
	errs         []error
	tokens       []string
}

func (f *fakeYouTube) LiveBroadcast(ctx context.Context, videoID string) (youtubeapi.Broadcast, error) {
	return f.broadcast, f.broadcastErr
}

func (f *fakeYouTube) ListMessages(ctx context.Context, liveChatID, pageToken string) (youtubeapi.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, pageToken)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return youtubeapi.Page{}, err
		}
	}
	if len(f.pages) == 0 {
		return youtubeapi.Page{}, nil
	}
	p := f.pages[0]
	f.pages = f.pages[1:]
	return p, nil
}

func TestYouTubeSourceOpenErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantEnded bool
		wantFatal bool
	}{
		{"no live chat", fmt.Errorf("%w: v", youtubeapi.ErrNoLiveChat), true, true},
		{"unknown video", fmt.Errorf("%w: v", youtubeapi.ErrVideoNotFound), false, true},
		{"network", errors.New("connection reset by peer"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &YouTubeSource{API: &fakeYouTube{broadcastErr: tt.err}}
			_, err := src.Open(context.Background(), "v")
			if err == nil {
				t.Fatal("expected error")
			}
			if IsEnded(err) != tt.wantEnded {
				t.Errorf("IsEnded = %v, want %v", IsEnded(err), tt.wantEnded)
			}
			if IsFatal(err) != tt.wantFatal {
				t.Errorf("IsFatal = %v, want %v", IsFatal(err), tt.wantFatal)
			}
		})
	}
}

func TestYouTubeStreamNext(t *testing.T) {
	api := &fakeYouTube{
		broadcast: youtubeapi.Broadcast{VideoID: "v", LiveChatID: "chat-1", Title: "Stream"},
		pages: []youtubeapi.Page{
			{
				NextPageToken: "p2",
				Messages: []youtubeapi.Message{
					{ID: "m1", Type: "textMessageEvent", PublishedAt: "2024-10-15T14:30:00Z", ChannelID: "UC1", DisplayName: "Alice", ProfileImageURL: "https://img/a.jpg", IsModerator: true},
					{ID: "m2", Type: "tombstone"},
					{ID: "m3", PublishedAt: "not a time", ChannelID: "UC2", ChannelURL: "https://www.youtube.com/@bob", DisplayName: "Bob"},
				},
			},
			{NextPageToken: "p3"},
		},
	}
	src := &YouTubeSource{API: api}
	st, err := src.Open(context.Background(), "v")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer st.Close()

	entries, err := st.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries (author-less skipped), got %d", len(entries))
	}
	alice := entries[0]
	if alice.Identity != "UC1" || alice.DisplayName != "Alice" {
		t.Errorf("unexpected first entry %+v", alice)
	}
	if alice.ChannelURL != "https://www.youtube.com/channel/UC1" {
		t.Errorf("ChannelURL = %q, want fallback channel url", alice.ChannelURL)
	}
	if alice.AvatarURL != "https://img/a.jpg" || alice.Platform != PlatformYouTube {
		t.Errorf("unexpected avatar/platform %+v", alice)
	}
	if !alice.Timestamp.Equal(time.Date(2024, 10, 15, 14, 30, 0, 0, time.UTC)) {
		t.Errorf("Timestamp = %v", alice.Timestamp)
	}
	if alice.Attributes["is_moderator"] != true || alice.Attributes["video_id"] != "v" {
		t.Errorf("unexpected attributes %v", alice.Attributes)
	}
	if entries[1].ChannelURL != "https://www.youtube.com/@bob" {
		t.Errorf("explicit channel url should be kept, got %q", entries[1].ChannelURL)
	}
	if entries[1].Timestamp.IsZero() {
		t.Error("unparseable publish time should fall back to now")
	}

	if _, err := st.Next(context.Background()); err != nil {
		t.Fatalf("second Next() error = %v", err)
	}
	if got := api.tokens; len(got) != 2 || got[0] != "" || got[1] != "p2" {
		t.Errorf("page tokens = %v, want [\"\" p2]", got)
	}
}

func TestYouTubeStreamOffline(t *testing.T) {
	api := &fakeYouTube{
		broadcast: youtubeapi.Broadcast{LiveChatID: "chat-1"},
		pages: []youtubeapi.Page{{
			OfflineAt: "2024-10-15T16:00:00Z",
			Messages:  []youtubeapi.Message{{ChannelID: "UC9", DisplayName: "Last"}},
		}},
	}
	st, err := (&YouTubeSource{API: api}).Open(context.Background(), "v")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	entries, err := st.Next(context.Background())
	if err != nil || len(entries) != 1 {
		t.Fatalf("final page should still deliver entries: %v %d", err, len(entries))
	}
	if _, err := st.Next(context.Background()); !errors.Is(err, ErrBroadcastEnded) {
		t.Fatalf("expected ErrBroadcastEnded after offline page, got %v", err)
	}
}

func TestYouTubeStreamHonorsPollingInterval(t *testing.T) {
	api := &fakeYouTube{
		broadcast: youtubeapi.Broadcast{LiveChatID: "chat-1"},
		pages:     []youtubeapi.Page{{PollingIntervalMillis: 60}, {}},
	}
	st, err := (&YouTubeSource{API: api, MinInterval: 10 * time.Millisecond}).Open(context.Background(), "v")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := st.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := st.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second poll came after %v, want at least the server interval", elapsed)
	}
}

func TestYouTubeStreamNextCancelled(t *testing.T) {
	api := &fakeYouTube{
		broadcast: youtubeapi.Broadcast{LiveChatID: "chat-1"},
		pages:     []youtubeapi.Page{{PollingIntervalMillis: 60_000}},
	}
	st, err := (&YouTubeSource{API: api}).Open(context.Background(), "v")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := st.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while waiting, got %v", err)
	}
}

func TestYouTubeStreamListErrorIsNormalized(t *testing.T) {
	api := &fakeYouTube{
		broadcast: youtubeapi.Broadcast{LiveChatID: "chat-1"},
		errs:      []error{gerr(403, "liveChatEnded")},
	}
	st, err := (&YouTubeSource{API: api}).Open(context.Background(), "v")
	if err != nil {
		t.Fatal(err)
	}
	_, err = st.Next(context.Background())
	if !errors.Is(err, ErrBroadcastEnded) {
		t.Fatalf("expected ErrBroadcastEnded, got %v", err)
	}
}

func TestEntryPayload(t *testing.T) {
	e := Entry{
		Identity:   "UC1",
		AvatarURL:  "https://img/a.jpg",
		Platform:   PlatformYouTube,
		Timestamp:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Attributes: map[string]any{"is_owner": true},
	}
	p := e.Payload()
	if p["avatar_url"] != "https://img/a.jpg" || p["platform"] != "youtube" || p["is_owner"] != true {
		t.Errorf("unexpected payload %v", p)
	}
	if p["message_at"] != "2024-01-02T03:04:05Z" {
		t.Errorf("message_at = %v", p["message_at"])
	}
	if _, ok := (Entry{}).Payload()["avatar_url"]; ok {
		t.Error("empty avatar should be omitted")
	}
}
