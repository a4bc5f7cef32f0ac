package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"

	"github.com/onnwee/chatwatch/youtubeapi"
)

// ErrorClass says whether a chat source error is worth reconnecting for.
type ErrorClass int

const (
	// ErrorClassTransient errors are retried with backoff (network, rate limits, 5xx).
	ErrorClassTransient ErrorClass = iota
	// ErrorClassFatal errors stop the watcher (broadcast over, bad credentials, unknown video).
	ErrorClassFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassTransient:
		return "transient"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// YouTube error reasons that mean the chat will never be readable again.
var fatalReasons = map[string]error{
	"liveChatEnded":           ErrBroadcastEnded,
	"liveChatNotFound":        ErrNotFound,
	"videoNotFound":           ErrNotFound,
	"liveChatDisabled":        ErrChatDisabled,
	"forbidden":               ErrUnauthorized,
	"insufficientPermissions": ErrUnauthorized,
	"authError":               ErrUnauthorized,
}

// YouTube error reasons that clear up on their own.
var transientReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
	"backendError":          true,
	"internalError":         true,
}

// normalize maps platform errors onto this package's sentinels where one applies.
// Errors it does not recognize are returned unchanged.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, youtubeapi.ErrNoLiveChat):
		return errors.Join(ErrBroadcastEnded, err)
	case errors.Is(err, youtubeapi.ErrVideoNotFound):
		return errors.Join(ErrNotFound, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		for _, item := range gerr.Errors {
			if sentinel, ok := fatalReasons[item.Reason]; ok {
				return errors.Join(sentinel, err)
			}
		}
	}
	return err
}

// Classify decides whether err is transient or fatal.
//
// Order of checks:
//  1. sentinels from this package (all fatal)
//  2. googleapi reasons, then HTTP status codes (401/403/404 fatal; 429/5xx transient)
//  3. message patterns for errors that lost their type on the way up
//
// Anything unrecognized is transient so a blip never ends the watch.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassTransient
	}
	err = normalize(err)
	if errors.Is(err, ErrBroadcastEnded) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrChatDisabled) {
		return ErrorClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		for _, item := range gerr.Errors {
			if transientReasons[item.Reason] {
				return ErrorClassTransient
			}
		}
		switch {
		case gerr.Code == http.StatusUnauthorized,
			gerr.Code == http.StatusForbidden,
			gerr.Code == http.StatusNotFound:
			return ErrorClassFatal
		default:
			return ErrorClassTransient
		}
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range fatalPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassFatal
		}
	}
	return ErrorClassTransient
}

var fatalPatterns = []string{
	"login authentication failed",
	"improperly formatted auth",
	"invalid nick",
	"invalid credentials",
	"unauthorized",
}

// IsFatal reports whether err should stop the watcher.
func IsFatal(err error) bool { return Classify(err) == ErrorClassFatal }

// IsEnded reports whether err marks the natural end of the broadcast.
func IsEnded(err error) bool { return errors.Is(normalize(err), ErrBroadcastEnded) }
