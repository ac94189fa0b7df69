package engine

import (
	"errors"
	"fmt"
)

// ErrLockAcquisitionTimeout is returned when the distributed lock cannot be
// acquired within the configured timeout. No execution is attempted; retry
// policy, if any, belongs to the caller.
var ErrLockAcquisitionTimeout = errors.New("lock acquisition timed out")

// OperationError wraps the failure of a single operation. It is returned to
// the caller after rollback of the executed prefix completes; the rollback
// outcome is logged, never folded into this error.
type OperationError struct {
	Identity string
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s failed: %v", e.Identity, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
