package notify

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// DeliveryError is a sink failure that knows whether retrying can help.
type DeliveryError struct {
	// Permanent failures (bad destination, rejected payload) are never retried.
	Permanent bool
	// RetryAfter, when set, is the sink's requested wait before the next attempt.
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return kind + " delivery error: " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error { return &DeliveryError{Permanent: true, Err: err} }

// Transient marks err as retryable, optionally after a sink-provided wait.
func Transient(err error, retryAfter time.Duration) error {
	return &DeliveryError{RetryAfter: retryAfter, Err: err}
}

var permanentPatterns = []string{
	"chat not found",
	"bot was blocked",
	"bot was kicked",
	"not enough rights",
	"unauthorized",
	"forbidden",
	"bad request",
}

// ClassifyDeliveryError reports whether err is permanent and any requested retry delay.
// Typed DeliveryErrors win; otherwise network failures and deadlines are transient,
// cancellation is permanent, and message patterns decide the rest. Unknown errors are transient.
func ClassifyDeliveryError(err error) (permanent bool, retryAfter time.Duration) {
	if err == nil {
		return false, 0
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Permanent, de.RetryAfter
	}
	if errors.Is(err, context.Canceled) {
		return true, 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false, 0
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return false, 0
	}
	lower := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(lower, p) {
			return true, 0
		}
	}
	return false, 0
}
