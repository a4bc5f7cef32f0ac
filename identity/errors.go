package identity

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// wrapErr tags connectivity failures with ErrStoreUnavailable and leaves data errors untouched.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isUnavailable classifies driver errors into "store unreachable" vs everything else.
//
// Unavailable (retryable):
//   - broken or refused connections, pool exhaustion, per-call deadlines
//   - Postgres classes 08 (connection), 53 (insufficient resources), 57 (operator intervention)
//   - Postgres serialization failures and deadlocks
//   - SQLite busy/locked, Badger write blocks and exhausted conflict retries
//
// Cancellation of the caller's context is not unavailability.
func isUnavailable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, badger.ErrBlockedWrites) ||
		errors.Is(err, badger.ErrConflict) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return true
		}
		if len(pgErr.Code) >= 2 {
			switch pgErr.Code[:2] {
			case "08", "53", "57":
				return true
			}
		}
		return false
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range unavailablePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

var unavailablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"too many clients",
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"db closed",
	"sql: database is closed",
}
