package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
)

// SQLLockStore keeps the lock lease in a database table so it is shared
// across processes. Leases expire by wall-clock TTL, so a crashed holder
// cannot block forever.
//
// The SQL stays in the dialect subset shared by PostgreSQL and the ramsql
// test driver; the lock remains advisory either way.
type SQLLockStore struct {
	db *sql.DB
}

var _ LockStore = (*SQLLockStore)(nil)

// NewSQLLockStore creates a SQLLockStore over an open database handle.
func NewSQLLockStore(db *sql.DB) *SQLLockStore {
	return &SQLLockStore{db: db}
}

// CreateSchema bootstraps the lease table.
func (s *SQLLockStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`CREATE TABLE operation_locks (
			name TEXT PRIMARY KEY,
			token TEXT,
			expires_at BIGINT
		)`)
	if err != nil {
		return fmt.Errorf("failed to create lock schema: %w", err)
	}

	return nil
}

// TryLock attempts to take the named lease for ttl.
func (s *SQLLockStore) TryLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	now := time.Now()
	token := ksuid.New().String()

	rows, err := s.db.QueryContext(ctx,
		`SELECT token, expires_at FROM operation_locks WHERE name = $1`, name)
	if err != nil {
		return "", false, fmt.Errorf("failed to query lock %q: %w", name, err)
	}

	var (
		held      bool
		prevToken string
		expiresAt int64
	)
	for rows.Next() {
		if err := rows.Scan(&prevToken, &expiresAt); err != nil {
			rows.Close()
			return "", false, fmt.Errorf("failed to scan lock %q: %w", name, err)
		}
		held = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", false, err
	}

	switch {
	case !held:
		return s.insertLease(ctx, name, token, now.Add(ttl).UnixNano())
	case now.UnixNano() > expiresAt:
		// The previous holder's lease expired; steal it.
		return s.stealLease(ctx, name, token, now.Add(ttl).UnixNano(), prevToken)
	default:
		return "", false, nil
	}
}

// insertLease takes a lease that had no row. Two processes racing for the
// first acquisition both reach this insert; name is the primary key, so the
// loser's insert fails and is reported as contention rather than a fatal
// error. Genuine database failures resurface through the read on the next
// poll.
func (s *SQLLockStore) insertLease(ctx context.Context, name, token string, expiresAt int64) (string, bool, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO operation_locks (name, token, expires_at) VALUES ($1, $2, $3)`,
		name, token, expiresAt); err != nil {
		return "", false, nil
	}

	return token, true, nil
}

// stealLease replaces an expired lease, guarded by the token observed at
// read time. A zero-row update means another process replaced the token
// first (some drivers report that as an error instead); the lease was NOT
// taken and the caller must keep polling.
func (s *SQLLockStore) stealLease(ctx context.Context, name, token string, expiresAt int64, prevToken string) (string, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE operation_locks SET token = $1, expires_at = $2 WHERE name = $3 AND token = $4`,
		token, expiresAt, name, prevToken)
	if err != nil {
		return "", false, nil
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return "", false, nil
	}

	return token, true, nil
}

// Release releases the lease if token still holds it. Releasing an expired
// or stolen lease is a no-op.
func (s *SQLLockStore) Release(ctx context.Context, name, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM operation_locks WHERE name = $1 AND token = $2`, name, token)
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", name, err)
	}

	return nil
}
