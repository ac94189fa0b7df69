package operations

import (
	"fmt"
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

// Registry stores the operations known to a deployment domain, keyed by
// identity. A duplicate identity within a single registry is a
// configuration error, never a silent overwrite.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]*Operation
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*Operation)}
}

// Add registers operations. It fails on the first duplicate identity.
func (r *Registry) Add(ops ...*Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, op := range ops {
		id := op.Identity()
		if _, ok := r.ops[id]; ok {
			return fmt.Errorf("%w: operation %q registered twice", ErrConfiguration, id)
		}
		r.ops[id] = op
	}

	return nil
}

// Get retrieves an operation by identity. A missing mapping is a
// configuration error.
func (r *Registry) Get(identity string) (*Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.ops[identity]
	if !ok {
		return nil, fmt.Errorf("%w: operation %q not found in registry", ErrConfiguration, identity)
	}

	return op, nil
}

// Descriptors returns the descriptors of all registered operations sorted
// ascending by timestamp key, stable on name for equal keys. Identities sort
// lexicographically in exactly that order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := maps.Keys(r.ops)
	slices.Sort(ids)

	descs := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		descs = append(descs, r.ops[id].Descriptor())
	}

	return descs
}

// Len returns the number of registered operations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.ops)
}
