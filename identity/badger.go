package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	participantPrefix  = "participant:"
	maxConflictRetries = 16
)

// BadgerStore keeps participants in an embedded Badger database, one JSON value per identity.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadger opens (or creates) a Badger store at dir. An empty dir opens an in-memory store.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	database, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return NewBadgerStore(database), nil
}

// NewBadgerStore wraps an already open Badger database.
func NewBadgerStore(database *badger.DB) *BadgerStore {
	return &BadgerStore{db: database, now: time.Now}
}

func participantKey(identity string) []byte { return []byte(participantPrefix + identity) }

// update runs fn in a read-write transaction, retrying when a concurrent writer wins the commit.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// TryRegister stores the candidate if the key is absent. Two racing registrations
// both read the key; Badger rejects the second commit with ErrConflict and the
// retry then observes the winner's record.
func (s *BadgerStore) TryRegister(ctx context.Context, c Candidate) (Record, Outcome, error) {
	if c.Identity == "" {
		return Record{}, 0, ErrEmptyIdentity
	}
	var (
		rec     Record
		outcome Outcome
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		key := participantKey(c.Identity)
		if _, err := txn.Get(key); err == nil {
			rec, outcome = Record{Identity: c.Identity}, AlreadyPresent
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		rec = Record{
			Identity:    c.Identity,
			DisplayName: c.DisplayName,
			ChannelURL:  c.ChannelURL,
			FirstSeen:   s.now().UTC(),
			Payload:     c.Payload,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode participant: %w", err)
		}
		outcome = Inserted
		return txn.Set(key, data)
	})
	if err != nil {
		return Record{}, 0, wrapErr("register participant", err)
	}
	return rec, outcome, nil
}

// Lookup fetches a participant by identity.
func (s *BadgerStore) Lookup(_ context.Context, identity string) (Record, bool, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(participantKey(identity))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, wrapErr("lookup participant", err)
	}
	return rec, true, nil
}

// modify applies fn to an existing record. FirstSeen is restored after fn runs.
func (s *BadgerStore) modify(ctx context.Context, op, identity string, fn func(*Record)) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		key := participantKey(identity)
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		var rec Record
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
			return err
		}
		firstSeen := rec.FirstSeen
		fn(&rec)
		rec.FirstSeen = firstSeen
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s %s: %w", op, identity, ErrNotFound)
	}
	return wrapErr(op, err)
}

// MarkNotified records a successful announcement and clears any earlier delivery error.
func (s *BadgerStore) MarkNotified(ctx context.Context, identity string, at time.Time) error {
	at = at.UTC()
	return s.modify(ctx, "mark notified", identity, func(r *Record) {
		r.NotifiedAt = &at
		r.DeliveryError = ""
	})
}

// MarkFailed records why the announcement for identity was given up.
func (s *BadgerStore) MarkFailed(ctx context.Context, identity string, reason string) error {
	return s.modify(ctx, "mark failed", identity, func(r *Record) {
		r.DeliveryError = reason
	})
}

// Stats walks every participant key.
func (s *BadgerStore) Stats(_ context.Context) (Stats, error) {
	var st Stats
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(participantPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			st.Participants++
			if rec.NotifiedAt != nil {
				st.Notified++
			}
			if rec.DeliveryError != "" {
				st.Failed++
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, wrapErr("participant stats", err)
	}
	return st, nil
}

// Ping reports ErrStoreUnavailable once the database has been closed.
func (s *BadgerStore) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("ping: %w", ErrStoreUnavailable)
	}
	return nil
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error { return s.db.Close() }
