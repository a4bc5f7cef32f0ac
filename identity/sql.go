package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/chatwatch/db"
)

// sqliteTimeLayout is fixed width so stored timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLStore keeps participants in the participants table of Postgres or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// NewSQLStore wraps a migrated database. The schema must already exist.
func NewSQLStore(database *sql.DB, dialect db.Dialect) *SQLStore {
	return &SQLStore{db: database, dialect: dialect, now: time.Now}
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != db.DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timeArg renders a timestamp the way the dialect stores it.
func (s *SQLStore) timeArg(t time.Time) any {
	if s.dialect == db.DialectSQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

// TryRegister inserts the candidate unless its identity already exists.
// The insert and the existence check are a single statement guarded by the primary key.
func (s *SQLStore) TryRegister(ctx context.Context, c Candidate) (Record, Outcome, error) {
	if c.Identity == "" {
		return Record{}, 0, ErrEmptyIdentity
	}
	payload, err := marshalPayload(c.Payload)
	if err != nil {
		return Record{}, 0, err
	}

	var row *sql.Row
	if s.dialect == db.DialectPostgres {
		row = s.db.QueryRowContext(ctx, s.rebind(`INSERT INTO participants (identity, display_name, channel_url, payload)
			VALUES (?, ?, ?, CAST(? AS JSONB))
			ON CONFLICT (identity) DO NOTHING
			RETURNING first_seen`),
			c.Identity, c.DisplayName, c.ChannelURL, payload)
	} else {
		row = s.db.QueryRowContext(ctx, `INSERT INTO participants (identity, display_name, channel_url, first_seen, payload)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (identity) DO NOTHING
			RETURNING first_seen`,
			c.Identity, c.DisplayName, c.ChannelURL, s.timeArg(s.now()), payload)
	}

	var firstSeen nullTime
	if err := row.Scan(&firstSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{Identity: c.Identity}, AlreadyPresent, nil
		}
		return Record{}, 0, wrapErr("register participant", err)
	}
	return Record{
		Identity:    c.Identity,
		DisplayName: c.DisplayName,
		ChannelURL:  c.ChannelURL,
		FirstSeen:   firstSeen.Time,
		Payload:     c.Payload,
	}, Inserted, nil
}

// Lookup fetches a participant by identity.
func (s *SQLStore) Lookup(ctx context.Context, identity string) (Record, bool, error) {
	var (
		rec        Record
		firstSeen  nullTime
		notifiedAt nullTime
		payload    []byte
		delivery   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT identity, display_name, channel_url, first_seen, payload, notified_at, delivery_error
		FROM participants WHERE identity = ?`), identity).
		Scan(&rec.Identity, &rec.DisplayName, &rec.ChannelURL, &firstSeen, &payload, &notifiedAt, &delivery)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, wrapErr("lookup participant", err)
	}
	rec.FirstSeen = firstSeen.Time
	if notifiedAt.Valid {
		t := notifiedAt.Time
		rec.NotifiedAt = &t
	}
	rec.DeliveryError = delivery.String
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return Record{}, false, fmt.Errorf("decode payload for %s: %w", identity, err)
		}
		if len(rec.Payload) == 0 {
			rec.Payload = nil
		}
	}
	return rec, true, nil
}

// MarkNotified records a successful announcement and clears any earlier delivery error.
func (s *SQLStore) MarkNotified(ctx context.Context, identity string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE participants SET notified_at = ?, delivery_error = NULL WHERE identity = ?`),
		s.timeArg(at), identity)
	return s.checkUpdate("mark notified", identity, res, err)
}

// MarkFailed records why the announcement for identity was given up.
func (s *SQLStore) MarkFailed(ctx context.Context, identity string, reason string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE participants SET delivery_error = ? WHERE identity = ?`), reason, identity)
	return s.checkUpdate("mark failed", identity, res, err)
}

func (s *SQLStore) checkUpdate(op, identity string, res sql.Result, err error) error {
	if err != nil {
		return wrapErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, identity, ErrNotFound)
	}
	return nil
}

// Stats counts participants and their delivery outcomes.
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(notified_at), COUNT(delivery_error) FROM participants`).
		Scan(&st.Participants, &st.Notified, &st.Failed)
	if err != nil {
		return Stats{}, wrapErr("participant stats", err)
	}
	return st, nil
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return wrapErr("ping", s.db.PingContext(ctx))
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error { return s.db.Close() }

func marshalPayload(p map[string]any) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

// nullTime scans timestamps from either dialect: time.Time from pgx, text from SQLite.
type nullTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (n *nullTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = x.UTC(), true
		return nil
	case []byte:
		return n.parse(string(x))
	case string:
		return n.parse(x)
	default:
		return fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func (n *nullTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}
