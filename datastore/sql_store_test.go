package datastore

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/google/uuid"
	_ "github.com/proullon/ramsql/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSQLStore opens a fresh in-memory ramsql database with the schema
// applied. Each test gets its own database so they can run in parallel.
func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := sql.Open("ramsql", "sqlstore_test_"+uuid.New().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLStore(db)
	require.NoError(t, store.CreateSchema(t.Context()))

	return store
}

func Test_SQLStore_CreateAndFind(t *testing.T) {
	t.Parallel()

	s := newTestSQLStore(t)
	rec := NewExecutionRecord("2024_06_01_120000_seed")
	require.NoError(t, s.Create(t.Context(), rec))

	got, err := s.Find(t.Context(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Identity, got.Identity)
	assert.Equal(t, StatePending, got.State)
	assert.Nil(t, got.CompletedAt)

	_, err = s.Find(t.Context(), "nope")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func Test_SQLStore_TransitionLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestSQLStore(t)
	rec := NewExecutionRecord("2024_06_01_120000_seed")
	require.NoError(t, s.Create(t.Context(), rec))

	require.NoError(t, s.Transition(t.Context(), rec.ID, StateCompleted))
	got, err := s.Find(t.Context(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.NotNil(t, got.CompletedAt)

	err = s.Transition(t.Context(), rec.ID, StateCompleted)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)

	require.NoError(t, s.Transition(t.Context(), rec.ID, StateRolledBack))
	got, err = s.Find(t.Context(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRolledBack, got.State)
	assert.Nil(t, got.CompletedAt)
	assert.NotNil(t, got.RolledBackAt)
}

func Test_SQLStore_Skip(t *testing.T) {
	t.Parallel()

	s := newTestSQLStore(t)
	rec := NewExecutionRecord("2024_06_01_120000_seed")
	require.NoError(t, s.Create(t.Context(), rec))
	require.NoError(t, s.Skip(t.Context(), rec.ID, "condition not met"))

	got, err := s.Find(t.Context(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, got.State)
	assert.Equal(t, "condition not met", got.SkipReason)
}

func Test_SQLStore_FindByIdentity_ReturnsMostRecent(t *testing.T) {
	t.Parallel()

	s := newTestSQLStore(t)

	first := NewExecutionRecord("2024_06_01_120000_seed")
	second := NewExecutionRecord("2024_06_01_120000_seed")
	second.ExecutedAt = first.ExecutedAt.Add(1)
	require.NoError(t, s.Create(t.Context(), first))
	require.NoError(t, s.Create(t.Context(), second))

	got, err := s.FindByIdentity(t.Context(), "2024_06_01_120000_seed")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = s.FindByIdentity(t.Context(), "2024_06_09_000000_ghost")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func Test_SQLStore_List_OrderedByExecutedAt(t *testing.T) {
	t.Parallel()

	s := newTestSQLStore(t)

	late := NewExecutionRecord("2024_06_02_120000_reindex")
	early := NewExecutionRecord("2024_06_01_120000_seed")
	late.ExecutedAt = early.ExecutedAt.Add(1)
	require.NoError(t, s.Create(t.Context(), late))
	require.NoError(t, s.Create(t.Context(), early))

	recs, err := s.List(t.Context())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, early.ID, recs[0].ID)
	assert.Equal(t, late.ID, recs[1].ID)
}

func Test_SQLStore_Errors(t *testing.T) {
	t.Parallel()

	s := newTestSQLStore(t)
	rec := NewExecutionRecord("2024_06_01_120000_seed")
	require.NoError(t, s.Create(t.Context(), rec))

	er := NewErrorRecord(rec.ID, "*errors.errorString", "boom", "stack", map[string]any{
		"identity": rec.Identity,
	})
	require.NoError(t, s.AddError(t.Context(), er))

	errs, err := s.ListErrors(t.Context(), rec.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "boom", errs[0].Message)
	assert.Equal(t, "*errors.errorString", errs[0].Kind)
	assert.Equal(t, rec.Identity, errs[0].Context["identity"])
}

func Test_SQLStore_CompletedIdentities(t *testing.T) {
	t.Parallel()

	s := newTestSQLStore(t)
	done := NewExecutionRecord("2024_06_01_120000_seed")
	pending := NewExecutionRecord("2024_06_02_120000_reindex")
	require.NoError(t, s.Create(t.Context(), done))
	require.NoError(t, s.Create(t.Context(), pending))
	require.NoError(t, s.Transition(t.Context(), done.ID, StateCompleted))

	got, err := s.CompletedIdentities(t.Context())
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"2024_06_01_120000_seed": true}, got)
}

func Test_SQLStore_WithinTx_RollsBackOnError(t *testing.T) {
	t.Parallel()

	s := newTestSQLStore(t)

	boom := errors.New("boom")
	err := s.WithinTx(t.Context(), func(ctx context.Context) error {
		if err := s.Create(ctx, NewExecutionRecord("2024_06_01_120000_seed")); err != nil {
			return err
		}

		return boom
	})
	require.ErrorIs(t, err, boom)

	recs, err := s.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func Test_SQLStore_WithinTx_CommitsOnSuccess(t *testing.T) {
	t.Parallel()

	s := newTestSQLStore(t)

	err := s.WithinTx(t.Context(), func(ctx context.Context) error {
		return s.Create(ctx, NewExecutionRecord("2024_06_01_120000_seed"))
	})
	require.NoError(t, err)

	recs, err := s.List(t.Context())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
