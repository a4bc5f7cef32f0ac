package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const tokenURL = "https://id.twitch.tv/oauth2/token"

// expiryBuffer is how long before expiry a cached token is treated as stale.
const expiryBuffer = 60 * time.Second

// RefreshResult is the body of a successful grant on the token endpoint.
type RefreshResult struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// postTokenForm runs one grant against the token endpoint.
func postTokenForm(ctx context.Context, hc *http.Client, form url.Values) (*RefreshResult, error) {
	grant := form.Get("grant_type")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twitch %s grant: %w", grant, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("twitch %s grant failed: %s: %s", grant, resp.Status, strings.TrimSpace(string(b)))
	}
	var tr RefreshResult
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode twitch %s grant: %w", grant, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("empty access_token in twitch %s grant", grant)
	}
	return &tr, nil
}

// TokenSource fetches and caches a Twitch app access (client credentials) token for Helix calls.
// It cannot log in to IRC; chat needs a user token, see UserTokenSource.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

func (ts *TokenSource) cached() (string, bool) {
	if ts.token != "" && time.Until(ts.expiresAt) > expiryBuffer {
		return ts.token, true
	}
	return "", false
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	tok, ok := ts.cached()
	ts.mu.RUnlock()
	if ok {
		return tok, nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	// another caller may have refreshed while we waited for the lock
	if tok, ok := ts.cached(); ok {
		return tok, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	tr, err := postTokenForm(ctx, ts.HTTPClient, url.Values{
		"client_id":     {ts.ClientID},
		"client_secret": {ts.ClientSecret},
		"grant_type":    {"client_credentials"},
	})
	if err != nil {
		return "", err
	}
	ts.token = tr.AccessToken
	ts.expiresAt = ComputeExpiry(tr.ExpiresIn)
	slog.Debug("twitch app token acquired", slog.Time("expires_at", ts.expiresAt), slog.String("component", "twitchapi"))
	return ts.token, nil
}

// SetToken seeds the cache, e.g. with a token obtained elsewhere.
func (ts *TokenSource) SetToken(token string, expiresAt time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = token
	ts.expiresAt = expiresAt
}

// Invalidate drops the cached token so the next Get fetches a new one.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = ""
	ts.expiresAt = time.Time{}
}
