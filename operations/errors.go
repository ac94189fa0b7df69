package operations

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
)

// ErrConfiguration is the class of fatal errors detected by validating the
// discovered set before any execution starts: cycles, dangling dependency
// references, missing registry mappings and missing execution history.
var ErrConfiguration = errors.New("configuration error")

// ErrSkip is the sentinel an operation returns to signal it should be
// recorded as skipped rather than failed. The run continues.
var ErrSkip = errors.New("operation skipped")

// Skipf wraps ErrSkip with a reason the engine records on the execution
// record.
func Skipf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSkip, fmt.Sprintf(format, args...))
}

// SkipReason extracts the reason text from an ErrSkip error.
func SkipReason(err error) string {
	reason := strings.TrimPrefix(err.Error(), ErrSkip.Error())

	return strings.TrimPrefix(reason, ": ")
}

// CircularDependencyError is returned when the dependency graph contains a
// cycle. Member names one identity on the cycle.
type CircularDependencyError struct {
	Member string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected involving operation %q", e.Member)
}

func (e *CircularDependencyError) Unwrap() error { return ErrConfiguration }

// DanglingDependencyError is returned when descriptors reference dependency
// identities absent from the discovered set. All dangling references are
// collected before failing.
type DanglingDependencyError struct {
	// References maps each dependent identity to the missing identities it
	// declared.
	References map[string][]string
}

func (e *DanglingDependencyError) Error() string {
	dependents := maps.Keys(e.References)
	slices.Sort(dependents)

	parts := make([]string, 0, len(dependents))
	for _, dependent := range dependents {
		parts = append(parts, fmt.Sprintf("%s -> [%s]", dependent, strings.Join(e.References[dependent], ", ")))
	}

	return fmt.Sprintf("dangling dependency references: %s", strings.Join(parts, "; "))
}

func (e *DanglingDependencyError) Unwrap() error { return ErrConfiguration }
