package operations

import (
	"context"
	"fmt"
)

// CompletedSource reports which identities have a prior successful
// execution. Satisfied by the datastore Store.
type CompletedSource interface {
	CompletedIdentities(ctx context.Context) (map[string]bool, error)
}

// Repository is the discovery collaborator: it lists candidate operations in
// a stable, deterministic order, excluding previously completed ones unless
// asked otherwise.
type Repository struct {
	registry  *Registry
	completed CompletedSource
}

// NewRepository creates a Repository over a registry and a completion
// source.
func NewRepository(registry *Registry, completed CompletedSource) *Repository {
	return &Repository{registry: registry, completed: completed}
}

// ListPending returns descriptors ordered ascending by timestamp key, stable
// for equal keys. With includeCompleted, previously completed operations are
// included, which is required by repeat runs.
func (r *Repository) ListPending(ctx context.Context, includeCompleted bool) ([]Descriptor, error) {
	descs := r.registry.Descriptors()
	if includeCompleted {
		return descs, nil
	}

	done, err := r.completed.CompletedIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed operations: %w", err)
	}

	pending := make([]Descriptor, 0, len(descs))
	for _, d := range descs {
		if !done[d.Identity()] {
			pending = append(pending, d)
		}
	}

	return pending, nil
}
