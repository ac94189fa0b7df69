package operations

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleted struct {
	done map[string]bool
	err  error
}

func (f *fakeCompleted) CompletedIdentities(context.Context) (map[string]bool, error) {
	return f.done, f.err
}

func Test_Repository_ListPending(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Add(
		newTestOp(t, "2024_01_01_000000", "first"),
		newTestOp(t, "2024_01_02_000000", "second"),
		newTestOp(t, "2024_01_03_000000", "third"),
	))

	repo := NewRepository(r, &fakeCompleted{done: map[string]bool{
		"2024_01_02_000000_second": true,
	}})

	pending, err := repo.ListPending(t.Context(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"2024_01_01_000000_first",
		"2024_01_03_000000_third",
	}, identities(pending))
}

func Test_Repository_ListPending_IncludeCompleted(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Add(
		newTestOp(t, "2024_01_01_000000", "first"),
		newTestOp(t, "2024_01_02_000000", "second"),
	))

	repo := NewRepository(r, &fakeCompleted{done: map[string]bool{
		"2024_01_01_000000_first": true,
	}})

	all, err := repo.ListPending(t.Context(), true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func Test_Repository_ListPending_SourceError(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Add(newTestOp(t, "2024_01_01_000000", "first")))

	repo := NewRepository(r, &fakeCompleted{err: errors.New("store down")})

	_, err := repo.ListPending(t.Context(), false)
	require.ErrorContains(t, err, "store down")
}
