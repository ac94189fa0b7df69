// Package optest provides utilities for operations testing.
package optest

import (
	"context"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/require"

	"github.com/deployops/deployops-framework/operations"
)

// Noop is a handler that does nothing.
func Noop(context.Context, *operations.Runtime) error { return nil }

// MustOperation creates an operation with a noop handler, failing the test
// on construction errors.
func MustOperation(t *testing.T, timestampKey, name string, opts ...operations.Option) *operations.Operation {
	t.Helper()

	return MustOperationWithHandler(t, timestampKey, name, Noop, opts...)
}

// MustOperationWithHandler creates an operation with a custom handler,
// failing the test on construction errors.
func MustOperationWithHandler(
	t *testing.T, timestampKey, name string, handler operations.Handler, opts ...operations.Option,
) *operations.Operation {
	t.Helper()

	op, err := operations.NewOperation(timestampKey, name, semver.MustParse("1.0.0"), handler, opts...)
	require.NoError(t, err)

	return op
}

// NewRegistry creates a registry holding the given operations.
func NewRegistry(t *testing.T, ops ...*operations.Operation) *operations.Registry {
	t.Helper()

	r := operations.NewRegistry()
	require.NoError(t, r.Add(ops...))

	return r
}
