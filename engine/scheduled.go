package engine

import (
	"context"

	"github.com/deployops/deployops-framework/datastore"
	"github.com/deployops/deployops-framework/operations"
	"github.com/deployops/deployops-framework/pkg/logger"
)

// ScheduledOrchestrator is the time-gated variant: it selects only
// operations whose scheduled time has passed and runs them once with the
// sequential semantics. Operations scheduled for the future are deferred
// without a record, so a later run picks them up.
type ScheduledOrchestrator struct {
	*core
}

// NewScheduledOrchestrator creates the scheduled engine.
func NewScheduledOrchestrator(
	lggr logger.Logger,
	cfg Config,
	registry *operations.Registry,
	store datastore.Store,
	opts ...Option,
) *ScheduledOrchestrator {
	return &ScheduledOrchestrator{core: newCore(lggr, cfg, registry, store, opts...)}
}

// Process runs the due scheduled operations.
func (o *ScheduledOrchestrator) Process(ctx context.Context, opts ProcessOptions) ([]PlannedOperation, error) {
	descs, err := o.plan(ctx, opts)
	if err != nil {
		return nil, err
	}

	now := o.now()
	due := make([]operations.Descriptor, 0, len(descs))
	for _, d := range descs {
		at := d.Capabilities.ScheduledAt
		if at == nil {
			continue
		}
		if at.After(now) {
			o.lggr.Debugw("Operation scheduled for later, deferring",
				"identity", d.Identity(), "scheduled_at", at)

			continue
		}
		due = append(due, d)
	}

	plan := plannedSequential(due)
	if opts.DryRun {
		return plan, nil
	}

	if err := o.withIsolation(ctx, opts.Isolate, func(ctx context.Context) error {
		return o.runSequential(ctx, due, opts)
	}); err != nil {
		return nil, err
	}

	return plan, nil
}
