package datastore

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of an execution record.
type State string

const (
	StatePending    State = "pending"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateSkipped    State = "skipped"
	StateRolledBack State = "rolled_back"
)

// Terminal reports whether the state ends the primary lifecycle. RolledBack
// is a secondary transition reachable only from Completed or Failed.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateSkipped, StateRolledBack:
		return true
	}

	return false
}

// CanTransition reports whether the transition s -> to is legal. A terminal
// state is set exactly once; only the rollback coordinator may move a
// Completed or Failed record to RolledBack.
func (s State) CanTransition(to State) bool {
	switch s {
	case StatePending:
		return to == StateCompleted || to == StateFailed || to == StateSkipped
	case StateCompleted, StateFailed:
		return to == StateRolledBack
	}

	return false
}

// ExecutionRecord is the durable record of one attempted operation. It is
// created at execution start, mutated only by the engine driving that
// execution (and later, the rollback coordinator), and never deleted.
//
// Exactly one of the terminal timestamps is set beyond ExecutedAt.
type ExecutionRecord struct {
	ID           string     `json:"id" yaml:"id"`
	Identity     string     `json:"identity" yaml:"identity"`
	State        State      `json:"state" yaml:"state"`
	ExecutedAt   time.Time  `json:"executed_at" yaml:"executed_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty" yaml:"failed_at,omitempty"`
	SkippedAt    *time.Time `json:"skipped_at,omitempty" yaml:"skipped_at,omitempty"`
	RolledBackAt *time.Time `json:"rolled_back_at,omitempty" yaml:"rolled_back_at,omitempty"`
	SkipReason   string     `json:"skip_reason,omitempty" yaml:"skip_reason,omitempty"`
}

// NewExecutionRecord creates a Pending record for identity.
func NewExecutionRecord(identity string) ExecutionRecord {
	return ExecutionRecord{
		ID:         uuid.New().String(),
		Identity:   identity,
		State:      StatePending,
		ExecutedAt: time.Now().UTC(),
	}
}

// stamp applies the state transition timestamps. The terminal timestamps are
// mutually exclusive, so moving to RolledBack clears the prior one.
func (r *ExecutionRecord) stamp(to State, at time.Time) {
	r.State = to
	r.CompletedAt, r.FailedAt, r.SkippedAt, r.RolledBackAt = nil, nil, nil, nil
	switch to {
	case StateCompleted:
		r.CompletedAt = &at
	case StateFailed:
		r.FailedAt = &at
	case StateSkipped:
		r.SkippedAt = &at
	case StateRolledBack:
		r.RolledBackAt = &at
	}
}

// ErrorRecord captures one failure attached to an execution record for
// post-mortem inspection.
type ErrorRecord struct {
	ID        string         `json:"id" yaml:"id"`
	RecordID  string         `json:"record_id" yaml:"record_id"`
	Kind      string         `json:"kind" yaml:"kind"`
	Message   string         `json:"message" yaml:"message"`
	Trace     string         `json:"trace,omitempty" yaml:"trace,omitempty"`
	Context   map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
}

// NewErrorRecord creates an ErrorRecord for recordID.
func NewErrorRecord(recordID, kind, message, trace string, context map[string]any) ErrorRecord {
	return ErrorRecord{
		ID:        uuid.New().String(),
		RecordID:  recordID,
		Kind:      kind,
		Message:   message,
		Trace:     trace,
		Context:   context,
		CreatedAt: time.Now().UTC(),
	}
}
