package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLStore is a Store backed by a database/sql database. Production
// deployments use PostgreSQL via lib/pq; tests run against the pure-Go
// ramsql driver, so the SQL stays in the dialect subset both understand.
type SQLStore struct {
	db *sql.DB
}

var _ TxStore = (*SQLStore)(nil)

// NewSQLStore creates a SQLStore over an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// CreateSchema bootstraps the record tables. It is intended for first-run
// setup and test fixtures.
func (s *SQLStore) CreateSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE operation_records (
			id TEXT PRIMARY KEY,
			identity TEXT,
			state TEXT,
			executed_at BIGINT,
			completed_at BIGINT,
			failed_at BIGINT,
			skipped_at BIGINT,
			rolled_back_at BIGINT,
			skip_reason TEXT
		)`,
		`CREATE TABLE operation_errors (
			id TEXT PRIMARY KEY,
			record_id TEXT,
			kind TEXT,
			message TEXT,
			trace TEXT,
			context TEXT,
			created_at BIGINT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.querier(ctx).ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return nil
}

type txKey struct{}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// querier routes statements through the transaction bound to ctx, if any.
func (s *SQLStore) querier(ctx context.Context) sqlQuerier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}

	return s.db
}

// nanos converts an optional timestamp to its storage form. Zero means
// unset; NULLs are avoided for driver portability.
func nanos(t *time.Time) int64 {
	if t == nil {
		return 0
	}

	return t.UnixNano()
}

func fromNanos(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()

	return &t
}

// Create persists a new record.
func (s *SQLStore) Create(ctx context.Context, rec ExecutionRecord) error {
	_, err := s.querier(ctx).ExecContext(ctx,
		`INSERT INTO operation_records
			(id, identity, state, executed_at, completed_at, failed_at, skipped_at, rolled_back_at, skip_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.Identity, string(rec.State), rec.ExecutedAt.UnixNano(),
		nanos(rec.CompletedAt), nanos(rec.FailedAt), nanos(rec.SkippedAt), nanos(rec.RolledBackAt),
		rec.SkipReason,
	)
	if err != nil {
		return fmt.Errorf("failed to create record %s: %w", rec.ID, err)
	}

	return nil
}

// Transition moves a record to a new state.
func (s *SQLStore) Transition(ctx context.Context, id string, to State) error {
	return s.transition(ctx, id, to, "")
}

// Skip moves a record to Skipped with a reason.
func (s *SQLStore) Skip(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, StateSkipped, reason)
}

func (s *SQLStore) transition(ctx context.Context, id string, to State, reason string) error {
	rec, err := s.Find(ctx, id)
	if err != nil {
		return err
	}
	if !rec.State.CanTransition(to) {
		return &InvalidTransitionError{RecordID: id, From: rec.State, To: to}
	}
	rec.stamp(to, time.Now().UTC())
	rec.SkipReason = reason

	_, err = s.querier(ctx).ExecContext(ctx,
		`UPDATE operation_records
			SET state = $1, completed_at = $2, failed_at = $3, skipped_at = $4, rolled_back_at = $5, skip_reason = $6
			WHERE id = $7`,
		string(rec.State), nanos(rec.CompletedAt), nanos(rec.FailedAt), nanos(rec.SkippedAt),
		nanos(rec.RolledBackAt), rec.SkipReason, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", id, err)
	}

	return nil
}

func scanRecords(rows *sql.Rows) ([]ExecutionRecord, error) {
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var (
			rec                                              ExecutionRecord
			state                                            string
			executed, completed, failed, skipped, rolledBack int64
		)
		if err := rows.Scan(
			&rec.ID, &rec.Identity, &state, &executed,
			&completed, &failed, &skipped, &rolledBack, &rec.SkipReason,
		); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.State = State(state)
		rec.ExecutedAt = time.Unix(0, executed).UTC()
		rec.CompletedAt = fromNanos(completed)
		rec.FailedAt = fromNanos(failed)
		rec.SkippedAt = fromNanos(skipped)
		rec.RolledBackAt = fromNanos(rolledBack)
		out = append(out, rec)
	}

	return out, rows.Err()
}

const recordColumns = `id, identity, state, executed_at, completed_at, failed_at, skipped_at, rolled_back_at, skip_reason`

// Find returns the record with the given ID.
func (s *SQLStore) Find(ctx context.Context, id string) (ExecutionRecord, error) {
	rows, err := s.querier(ctx).QueryContext(ctx,
		`SELECT `+recordColumns+` FROM operation_records WHERE id = $1`, id)
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("failed to query record %s: %w", id, err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return ExecutionRecord{}, err
	}
	if len(recs) == 0 {
		return ExecutionRecord{}, fmt.Errorf("record %s: %w", id, ErrRecordNotFound)
	}

	return recs[0], nil
}

// FindByIdentity returns the most recent record for an identity.
func (s *SQLStore) FindByIdentity(ctx context.Context, identity string) (ExecutionRecord, error) {
	rows, err := s.querier(ctx).QueryContext(ctx,
		`SELECT `+recordColumns+` FROM operation_records WHERE identity = $1`, identity)
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("failed to query identity %s: %w", identity, err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return ExecutionRecord{}, err
	}
	if len(recs) == 0 {
		return ExecutionRecord{}, fmt.Errorf("identity %s: %w", identity, ErrRecordNotFound)
	}

	latest := recs[0]
	for _, rec := range recs[1:] {
		if rec.ExecutedAt.After(latest.ExecutedAt) {
			latest = rec
		}
	}

	return latest, nil
}

// List returns all records ordered by execution time.
func (s *SQLStore) List(ctx context.Context) ([]ExecutionRecord, error) {
	rows, err := s.querier(ctx).QueryContext(ctx,
		`SELECT `+recordColumns+` FROM operation_records`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	// Ordering is applied here rather than in SQL to stay inside the common
	// dialect subset.
	sortRecordsByExecutedAt(recs)

	return recs, nil
}

func sortRecordsByExecutedAt(recs []ExecutionRecord) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].ExecutedAt.Before(recs[j-1].ExecutedAt); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

// AddError attaches an error record.
func (s *SQLStore) AddError(ctx context.Context, er ErrorRecord) error {
	ctxJSON, err := json.Marshal(er.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal error context: %w", err)
	}

	_, err = s.querier(ctx).ExecContext(ctx,
		`INSERT INTO operation_errors (id, record_id, kind, message, trace, context, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		er.ID, er.RecordID, er.Kind, er.Message, er.Trace, string(ctxJSON), er.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to add error for record %s: %w", er.RecordID, err)
	}

	return nil
}

// ListErrors returns the error records attached to recordID.
func (s *SQLStore) ListErrors(ctx context.Context, recordID string) ([]ErrorRecord, error) {
	rows, err := s.querier(ctx).QueryContext(ctx,
		`SELECT id, record_id, kind, message, trace, context, created_at
			FROM operation_errors WHERE record_id = $1`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list errors for record %s: %w", recordID, err)
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		var (
			er      ErrorRecord
			ctxJSON string
			created int64
		)
		if err := rows.Scan(&er.ID, &er.RecordID, &er.Kind, &er.Message, &er.Trace, &ctxJSON, &created); err != nil {
			return nil, fmt.Errorf("failed to scan error record: %w", err)
		}
		if ctxJSON != "" && ctxJSON != "null" {
			if err := json.Unmarshal([]byte(ctxJSON), &er.Context); err != nil {
				return nil, fmt.Errorf("failed to unmarshal error context: %w", err)
			}
		}
		er.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, er)
	}

	return out, rows.Err()
}

// CompletedIdentities returns identities with at least one Completed record.
func (s *SQLStore) CompletedIdentities(ctx context.Context) (map[string]bool, error) {
	rows, err := s.querier(ctx).QueryContext(ctx,
		`SELECT identity FROM operation_records WHERE state = $1`, string(StateCompleted))
	if err != nil {
		return nil, fmt.Errorf("failed to query completed identities: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		done[identity] = true
	}

	return done, rows.Err()
}

// WithinTx runs fn inside a database transaction. Store methods called with
// the context passed to fn participate in it; the transaction rolls back
// when fn returns an error.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}

		return err
	}

	return tx.Commit()
}
