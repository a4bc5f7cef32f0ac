// Package twitchapi contains minimal helpers for the Twitch Helix API and OAuth
// token endpoints: an app token cache for Helix calls, a user token refresher
// for IRC logins, and a live-status lookup.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	helixBaseURL = "https://api.twitch.tv/helix"
	// helixMaxRetries is the number of retries after the first attempt.
	helixMaxRetries = 3
)

// HelixClient provides the Helix calls the chat watcher needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	// RetryInterval is the initial backoff between retried calls (default 500ms).
	RetryInterval time.Duration
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	if hc.RetryInterval > 0 {
		b.InitialInterval = hc.RetryInterval
	}
	b.MaxInterval = 10 * time.Second
	return b
}

// get performs a GET with the app token and decodes JSON into out.
// 401 invalidates the cached token and retries; 429 honors Ratelimit-Reset; 5xx retries with backoff.
func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	op := func() (struct{}, error) {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBaseURL+path, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				slog.Warn("failed to close response body", slog.Any("err", err))
			}
		}()

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("decode helix %s: %w", path, err))
			}
			return struct{}{}, nil
		case resp.StatusCode == http.StatusUnauthorized:
			hc.AppTokenSource.Invalidate()
			return struct{}{}, fmt.Errorf("helix %s: unauthorized", path)
		case resp.StatusCode == http.StatusTooManyRequests:
			if reset, err := strconv.ParseInt(resp.Header.Get("Ratelimit-Reset"), 10, 64); err == nil {
				if wait := time.Until(time.Unix(reset, 0)); wait > 0 {
					return struct{}{}, backoff.RetryAfter(int(wait.Seconds()) + 1)
				}
			}
			return struct{}{}, fmt.Errorf("helix %s: rate limited", path)
		case resp.StatusCode >= 500:
			return struct{}{}, fmt.Errorf("helix %s: %s", path, resp.Status)
		default:
			b, _ := io.ReadAll(resp.Body)
			return struct{}{}, backoff.Permanent(fmt.Errorf("helix %s: %s: %s", path, resp.Status, string(b)))
		}
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(hc.backOff()),
		backoff.WithMaxTries(helixMaxRetries+1))
	return err
}

// Stream is a live broadcast as reported by /helix/streams.
type Stream struct {
	ID          string `json:"id"`
	UserLogin   string `json:"user_login"`
	Title       string `json:"title"`
	Type        string `json:"type"`
	StartedAt   string `json:"started_at"`
	ViewerCount int    `json:"viewer_count"`
}

// GetStreams returns the live streams for a login; empty when offline.
func (hc *HelixClient) GetStreams(ctx context.Context, login string) ([]Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	q := url.Values{}
	q.Set("user_login", login)
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "/streams", q, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// IsLive reports whether login is broadcasting right now.
func (hc *HelixClient) IsLive(ctx context.Context, login string) (bool, error) {
	streams, err := hc.GetStreams(ctx, login)
	if err != nil {
		return false, err
	}
	for _, s := range streams {
		if s.Type == "" || s.Type == "live" {
			return true, nil
		}
	}
	return false, nil
}
