package operations

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/deployops/deployops-framework/pkg/logger"
)

// Runtime carries the ambient dependencies handed to operation handlers.
type Runtime struct {
	Logger logger.Logger
}

// Handler is the unit of work an operation performs. Handlers are expected
// to be idempotent by convention; return Skipf to signal a skip.
type Handler func(ctx context.Context, rt *Runtime) error

// Condition gates a conditional operation. Returning false skips the
// operation without treating it as a failure.
type Condition func(ctx context.Context, rt *Runtime) (bool, error)

// Operation is a runnable unit of deployment-time work. It pairs a
// Descriptor with the handler, optional compensating handler and optional
// condition. Build one with NewOperation.
type Operation struct {
	desc      Descriptor
	handler   Handler
	rollback  Handler
	condition Condition
}

// Option configures an Operation at construction time.
type Option func(*Operation)

// WithRollback supplies a compensating action, invoked only when a later
// operation fails.
func WithRollback(h Handler) Option {
	return func(o *Operation) {
		o.rollback = h
		o.desc.Capabilities.Rollbackable = true
	}
}

// WithCondition gates execution on fn.
func WithCondition(fn Condition) Option {
	return func(o *Operation) {
		o.condition = fn
		o.desc.Capabilities.Conditional = true
	}
}

// WithAsync dispatches the operation to the background transport instead of
// running it on the foreground loop.
func WithAsync() Option {
	return func(o *Operation) {
		o.desc.Capabilities.Async = true
	}
}

// WithTransaction wraps the operation in an atomic transaction scope.
func WithTransaction() Option {
	return func(o *Operation) {
		o.desc.Capabilities.WithinTransaction = true
	}
}

// WithAllowedToFail marks the operation best-effort.
func WithAllowedToFail() Option {
	return func(o *Operation) {
		o.desc.Capabilities.AllowedToFail = true
	}
}

// WithDependencies declares the identities this operation depends on.
func WithDependencies(identities ...string) Option {
	return func(o *Operation) {
		o.desc.DependsOn = append(o.desc.DependsOn, identities...)
	}
}

// WithScheduledAt defers the operation until t has passed.
func WithScheduledAt(t time.Time) Option {
	return func(o *Operation) {
		o.desc.Capabilities.ScheduledAt = &t
	}
}

// WithRetry retries a failing synchronous execution up to attempts times.
func WithRetry(attempts uint) Option {
	return func(o *Operation) {
		o.desc.Capabilities.RetryAttempts = attempts
	}
}

// NewOperation creates a new operation. Version can be created using
// semver.MustParse("1.0.0").
func NewOperation(
	timestampKey, name string, version *semver.Version, handler Handler, opts ...Option,
) (*Operation, error) {
	op := &Operation{
		desc: Descriptor{
			TimestampKey: timestampKey,
			Name:         name,
			Version:      version,
		},
		handler: handler,
	}
	for _, opt := range opts {
		opt(op)
	}

	if err := op.desc.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: operation %s has no handler", ErrConfiguration, op.desc.Identity())
	}

	return op, nil
}

// Descriptor returns a copy of the operation's descriptor.
func (o *Operation) Descriptor() Descriptor { return o.desc }

// Identity returns the operation identity.
func (o *Operation) Identity() string { return o.desc.Identity() }

// Execute runs the operation handler.
func (o *Operation) Execute(ctx context.Context, rt *Runtime) error {
	return o.handler(ctx, rt)
}

// HasRollback reports whether a compensating action was supplied.
func (o *Operation) HasRollback() bool { return o.rollback != nil }

// Rollback invokes the compensating action.
func (o *Operation) Rollback(ctx context.Context, rt *Runtime) error {
	if o.rollback == nil {
		return fmt.Errorf("operation %s declares no rollback", o.desc.Identity())
	}

	return o.rollback(ctx, rt)
}

// ShouldRun evaluates the operation condition. Unconditional operations
// always run.
func (o *Operation) ShouldRun(ctx context.Context, rt *Runtime) (bool, error) {
	if o.condition == nil {
		return true, nil
	}

	return o.condition(ctx, rt)
}
