package datastore

import (
	"context"
	"errors"
	"fmt"
)

// ErrRecordNotFound is returned when no execution record matches a lookup.
var ErrRecordNotFound = errors.New("execution record not found")

// InvalidTransitionError is returned when a state change violates the
// lifecycle: terminal states are set exactly once.
type InvalidTransitionError struct {
	RecordID string
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("record %s: illegal transition %s -> %s", e.RecordID, e.From, e.To)
}

// Store is the execution state store: the durable record of each operation's
// lifecycle, timestamps and recorded errors. The engine never deletes from
// it; records are retained for audit.
type Store interface {
	// Create persists a new record. The record ID must be unique.
	Create(ctx context.Context, rec ExecutionRecord) error

	// Transition moves a record to a new state, stamping the matching
	// timestamp. Illegal transitions fail with InvalidTransitionError.
	Transition(ctx context.Context, id string, to State) error

	// Skip moves a record to Skipped with a reason.
	Skip(ctx context.Context, id, reason string) error

	// Find returns the record with the given ID.
	Find(ctx context.Context, id string) (ExecutionRecord, error)

	// FindByIdentity returns the most recent record for an operation
	// identity, or ErrRecordNotFound.
	FindByIdentity(ctx context.Context, identity string) (ExecutionRecord, error)

	// List returns all records in creation order.
	List(ctx context.Context) ([]ExecutionRecord, error)

	// AddError attaches an error record to an execution record.
	AddError(ctx context.Context, er ErrorRecord) error

	// ListErrors returns the error records attached to an execution record.
	ListErrors(ctx context.Context, recordID string) ([]ErrorRecord, error)

	// CompletedIdentities returns the set of identities with at least one
	// Completed record.
	CompletedIdentities(ctx context.Context) (map[string]bool, error)
}

// TxStore is implemented by stores that support an atomic transaction scope
// with rollback-on-error semantics. Store methods called with the context
// passed to fn participate in the transaction.
type TxStore interface {
	Store

	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
