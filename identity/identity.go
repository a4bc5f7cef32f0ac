// Package identity is the durable record of every chat participant ever seen.
//
// A Store decides atomically whether an identity is new. Uniqueness is enforced
// by the backing medium itself (a primary key for SQL backends, a serializable
// transaction for Badger), so concurrent or replayed registrations can never
// produce a second record or a second Inserted outcome for the same identity.
package identity

import (
	"context"
	"errors"
	"time"
)

// Outcome is the result of a registration attempt.
type Outcome int

const (
	// Inserted means this call created the record: the identity is a first sighting.
	Inserted Outcome = iota + 1
	// AlreadyPresent means a record existed before this call.
	AlreadyPresent
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case AlreadyPresent:
		return "already_present"
	default:
		return "unknown"
	}
}

var (
	// ErrStoreUnavailable wraps failures to reach the backing store. Callers may retry.
	ErrStoreUnavailable = errors.New("identity store unavailable")
	// ErrEmptyIdentity is returned when a candidate carries no identity.
	ErrEmptyIdentity = errors.New("identity is empty")
	// ErrNotFound is returned by updates addressing an unknown identity.
	ErrNotFound = errors.New("identity not found")
)

// IsUnavailable reports whether err is a retryable store connectivity failure.
func IsUnavailable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }

// Candidate is the data captured for an identity at its first sighting.
type Candidate struct {
	Identity    string
	DisplayName string
	ChannelURL  string
	Payload     map[string]any
}

// Record is a persisted participant. FirstSeen is set once by the store and never changes.
type Record struct {
	Identity      string         `json:"identity"`
	DisplayName   string         `json:"display_name"`
	ChannelURL    string         `json:"channel_url"`
	FirstSeen     time.Time      `json:"first_seen"`
	Payload       map[string]any `json:"payload,omitempty"`
	NotifiedAt    *time.Time     `json:"notified_at,omitempty"`
	DeliveryError string         `json:"delivery_error,omitempty"`
}

// PayloadString returns a string value from the auxiliary payload, or "".
func (r Record) PayloadString(key string) string {
	if r.Payload == nil {
		return ""
	}
	s, _ := r.Payload[key].(string)
	return s
}

// Stats summarizes the store for status reporting.
type Stats struct {
	Participants int64 `json:"participants"`
	Notified     int64 `json:"notified"`
	Failed       int64 `json:"failed"`
}

// Store is the persistent identity registry.
//
// TryRegister returns the created Record with Inserted, or a Record carrying
// only the identity with AlreadyPresent. Connectivity failures are reported as
// errors wrapping ErrStoreUnavailable.
type Store interface {
	TryRegister(ctx context.Context, c Candidate) (Record, Outcome, error)
	Lookup(ctx context.Context, identity string) (Record, bool, error)
	MarkNotified(ctx context.Context, identity string, at time.Time) error
	MarkFailed(ctx context.Context, identity string, reason string) error
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}
