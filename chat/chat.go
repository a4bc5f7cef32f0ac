package chat

import (
	"context"
	"errors"
	"time"
)

// Entry is one chat message reduced to who sent it.
type Entry struct {
	// Identity is the platform's stable id for the author (YouTube channel id, Twitch user id).
	Identity    string
	DisplayName string
	ChannelURL  string
	AvatarURL   string
	Timestamp   time.Time
	Platform    string
	// Attributes carries source-specific extras (badges, roles, message type).
	Attributes map[string]any
}

// Payload returns the auxiliary data persisted with a first sighting.
func (e Entry) Payload() map[string]any {
	p := make(map[string]any, len(e.Attributes)+3)
	for k, v := range e.Attributes {
		p[k] = v
	}
	if e.AvatarURL != "" {
		p["avatar_url"] = e.AvatarURL
	}
	if e.Platform != "" {
		p["platform"] = e.Platform
	}
	if !e.Timestamp.IsZero() {
		p["message_at"] = e.Timestamp.UTC().Format(time.RFC3339)
	}
	return p
}

// Source opens a chat stream for a broadcast.
type Source interface {
	Open(ctx context.Context, broadcastID string) (Stream, error)
}

// Stream yields batches of entries in arrival order.
//
// Next blocks for a bounded time and may return an empty batch. It returns
// ErrBroadcastEnded once no more entries will ever arrive. Any other error
// leaves the stream unusable; callers Close it and Open a new one.
type Stream interface {
	Next(ctx context.Context) ([]Entry, error)
	Close() error
}

var (
	// ErrBroadcastEnded signals the end of the broadcast; nothing is left to read.
	ErrBroadcastEnded = errors.New("broadcast ended")
	// ErrNotFound means the broadcast or its chat does not exist.
	ErrNotFound = errors.New("broadcast not found")
	// ErrUnauthorized means credentials were rejected.
	ErrUnauthorized = errors.New("chat source rejected credentials")
	// ErrChatDisabled means the broadcast exists but has no chat.
	ErrChatDisabled = errors.New("live chat disabled")
)
