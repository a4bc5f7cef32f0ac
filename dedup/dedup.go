// Package dedup decides whether a chat entry is a participant's first sighting.
//
// The identity store is the only authority: a verdict of New is returned only
// when the store reports Inserted. An optional in-process cache remembers
// identities the store has already confirmed so repeat chatters skip the round
// trip; it never holds negative results, so it can only ever answer Known.
package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/onnwee/chatwatch/chat"
	"github.com/onnwee/chatwatch/identity"
	"github.com/onnwee/chatwatch/telemetry"
)

// Verdict is the classification of one entry.
type Verdict int

const (
	// New means the entry is the first sighting of its identity, ever.
	New Verdict = iota + 1
	// Known means the identity was registered before.
	Known
)

func (v Verdict) String() string {
	switch v {
	case New:
		return "new"
	case Known:
		return "known"
	default:
		return "unknown"
	}
}

// ErrMissingIdentity is returned for entries without an author identity.
var ErrMissingIdentity = errors.New("entry has no identity")

// Result carries the verdict and, for New, the freshly created record.
type Result struct {
	Verdict Verdict
	Record  identity.Record
}

// Registrar is the part of identity.Store the deduplicator uses.
type Registrar interface {
	TryRegister(ctx context.Context, c identity.Candidate) (identity.Record, identity.Outcome, error)
}

// Deduplicator classifies entries against the identity store.
type Deduplicator struct {
	store Registrar
	cache *ristretto.Cache[string, struct{}]
}

// NewDeduplicator returns a Deduplicator. cacheSize is the number of confirmed identities to
// keep in memory; 0 disables the cache.
func NewDeduplicator(store Registrar, cacheSize int) (*Deduplicator, error) {
	d := &Deduplicator{store: store}
	if cacheSize <= 0 {
		return d, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters:        int64(cacheSize) * 10,
		MaxCost:            int64(cacheSize),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	d.cache = cache
	return d, nil
}

// Classify registers the entry's identity and reports whether it is new.
// Store failures are returned as is (identity.IsUnavailable tells callers whether to retry).
func (d *Deduplicator) Classify(ctx context.Context, e chat.Entry) (Result, error) {
	if e.Identity == "" {
		return Result{}, ErrMissingIdentity
	}
	if d.cache != nil {
		if _, ok := d.cache.Get(e.Identity); ok {
			telemetry.IncCacheHit()
			telemetry.IncClassified(Known.String())
			return Result{Verdict: Known, Record: identity.Record{Identity: e.Identity}}, nil
		}
	}

	ctx, span := telemetry.StartSpan(ctx, "dedup", "dedup.classify", telemetry.IdentityAttr(e.Identity))
	defer span.End()

	var (
		rec     identity.Record
		outcome identity.Outcome
		err     error
	)
	telemetry.TimeFunc(telemetry.ClassifyDuration, func() {
		rec, outcome, err = d.store.TryRegister(ctx, identity.Candidate{
			Identity:    e.Identity,
			DisplayName: e.DisplayName,
			ChannelURL:  e.ChannelURL,
			Payload:     e.Payload(),
		})
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return Result{}, err
	}
	d.remember(e.Identity)

	var v Verdict
	switch outcome {
	case identity.Inserted:
		v = New
	case identity.AlreadyPresent:
		v = Known
	default:
		err := fmt.Errorf("unexpected registration outcome %d for %s", outcome, e.Identity)
		telemetry.RecordError(span, err)
		return Result{}, err
	}
	telemetry.IncClassified(v.String())
	span.SetAttributes(telemetry.OutcomeAttr(v.String()))
	return Result{Verdict: v, Record: rec}, nil
}

func (d *Deduplicator) remember(id string) {
	if d.cache == nil {
		return
	}
	d.cache.Set(id, struct{}{}, 1)
}

// Close releases the cache.
func (d *Deduplicator) Close() {
	if d.cache != nil {
		d.cache.Close()
	}
}
