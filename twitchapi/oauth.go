package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// RefreshToken exchanges a refresh token for a new user access token.
func RefreshToken(ctx context.Context, hc *http.Client, clientID, clientSecret, refreshToken string) (*RefreshResult, error) {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	return postTokenForm(ctx, hc, url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

// UserTokenSource keeps a bot user token fresh for IRC logins.
// Twitch rotates refresh tokens, so the latest one is retained for the next exchange.
type UserTokenSource struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	HTTPClient   *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// Get returns a cached token while it has more than a minute left, refreshing otherwise.
func (u *UserTokenSource) Get(ctx context.Context) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.token != "" && time.Until(u.expiresAt) > expiryBuffer {
		return u.token, nil
	}
	res, err := RefreshToken(ctx, u.HTTPClient, u.ClientID, u.ClientSecret, u.RefreshToken)
	if err != nil {
		return "", err
	}
	u.token = res.AccessToken
	u.expiresAt = ComputeExpiry(res.ExpiresIn)
	if res.RefreshToken != "" {
		u.RefreshToken = res.RefreshToken
	}
	return u.token, nil
}
