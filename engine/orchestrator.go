package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/deployops/deployops-framework/datastore"
	"github.com/deployops/deployops-framework/operations"
	"github.com/deployops/deployops-framework/pkg/logger"
)

// ProcessOptions control a single orchestrator run.
type ProcessOptions struct {
	// DryRun computes and returns the execution plan without creating any
	// execution record.
	DryRun bool

	// Isolate acquires the distributed lock before executing and releases
	// it when the run ends, however it ends.
	Isolate bool

	// From filters the resolved task list to timestamp keys >= From. The
	// filter applies after dependency resolution so ordering stays correct.
	From string

	// Repeat includes previously completed operations in discovery. Every
	// selected operation must then have prior successful history.
	Repeat bool

	// Transaction explicitly requests or suppresses transactional wrapping
	// for operations that do not declare the capability themselves. The
	// per-operation capability wins, then this, then the global default.
	Transaction *bool
}

// PlannedOperation is one entry of the computed execution plan.
type PlannedOperation struct {
	Identity     string `json:"identity" yaml:"identity"`
	TimestampKey string `json:"timestamp_key" yaml:"timestamp_key"`
	Name         string `json:"name" yaml:"name"`
	Async        bool   `json:"async,omitempty" yaml:"async,omitempty"`
	Wave         int    `json:"wave" yaml:"wave"`
}

// ExecutedOperation ties a driven operation to its execution record for the
// rollback coordinator.
type ExecutedOperation struct {
	Operation  *operations.Operation
	Descriptor operations.Descriptor
	RecordID   string
}

// core is the machinery shared by the orchestrator variants.
type core struct {
	lggr           logger.Logger
	cfg            Config
	registry       *operations.Registry
	repo           *operations.Repository
	store          datastore.Store
	locker         *Locker
	dispatcher     Dispatcher
	ownsDispatcher bool
	rollback       *RollbackCoordinator
	rt             *operations.Runtime
	now            func() time.Time
}

// Option configures an orchestrator at construction time.
type Option func(*core)

// WithDispatcher injects a custom background dispatch transport. The
// default is an in-process queue worker pool.
func WithDispatcher(d Dispatcher) Option {
	return func(c *core) {
		c.dispatcher = d
		c.ownsDispatcher = false
	}
}

// WithLockStore injects the lock backing store used by isolated runs. The
// default is in-process only; multi-process deployments need a shared store.
func WithLockStore(ls LockStore) Option {
	return func(c *core) {
		c.locker = NewLocker(c.lggr, ls)
	}
}

// WithClock overrides the engine clock, used by the scheduled orchestrator.
func WithClock(now func() time.Time) Option {
	return func(c *core) {
		c.now = now
	}
}

func newCore(
	lggr logger.Logger,
	cfg Config,
	registry *operations.Registry,
	store datastore.Store,
	opts ...Option,
) *core {
	c := &core{
		lggr:     lggr,
		cfg:      cfg,
		registry: registry,
		repo:     operations.NewRepository(registry, store),
		store:    store,
		locker:   NewLocker(lggr, NewMemoryLockStore()),
		rt:       &operations.Runtime{Logger: lggr},
		now:      time.Now,
	}
	c.rollback = NewRollbackCoordinator(lggr, store, c.rt)

	for _, opt := range opts {
		opt(c)
	}

	if c.dispatcher == nil {
		c.dispatcher = NewQueueDispatcher(lggr, cfg.Workers, cfg.QueueBuffer, c.runJob)
		c.ownsDispatcher = true
	}

	return c
}

// Close shuts down the internally-owned dispatcher, draining in-flight
// jobs. Injected dispatchers are the caller's to close.
func (c *core) Close() {
	if c.ownsDispatcher {
		if qd, ok := c.dispatcher.(*QueueDispatcher); ok {
			qd.Close()
		}
	}
}

// plan discovers, merges manifest overrides, resolves order and validates
// the entire selection before any side effect.
func (c *core) plan(ctx context.Context, opts ProcessOptions) ([]operations.Descriptor, error) {
	descs, err := c.discover(ctx, opts)
	if err != nil {
		return nil, err
	}

	ordered, err := operations.SortByDependencies(descs)
	if err != nil {
		return nil, err
	}

	ordered = filterFrom(ordered, opts.From)

	if err := c.validateSelection(ctx, ordered, opts); err != nil {
		return nil, err
	}

	return ordered, nil
}

func (c *core) discover(ctx context.Context, opts ProcessOptions) ([]operations.Descriptor, error) {
	descs, err := c.repo.ListPending(ctx, opts.Repeat)
	if err != nil {
		return nil, err
	}

	if c.cfg.ManifestPath != "" {
		m, err := operations.LoadManifest(c.cfg.ManifestPath)
		if err != nil {
			return nil, err
		}
		if descs, err = m.Apply(descs); err != nil {
			return nil, err
		}
	}

	return descs, nil
}

// validateSelection fails closed: every selected operation must have a
// registry mapping, and under repeat, prior successful history.
func (c *core) validateSelection(ctx context.Context, descs []operations.Descriptor, opts ProcessOptions) error {
	for _, d := range descs {
		if _, err := c.registry.Get(d.Identity()); err != nil {
			return err
		}
	}

	if !opts.Repeat {
		return nil
	}

	done, err := c.store.CompletedIdentities(ctx)
	if err != nil {
		return err
	}
	var missing []string
	for _, d := range descs {
		if !done[d.Identity()] {
			missing = append(missing, d.Identity())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: repeat requires prior successful history, missing for: %s",
			operations.ErrConfiguration, strings.Join(missing, ", "))
	}

	return nil
}

func filterFrom(descs []operations.Descriptor, from string) []operations.Descriptor {
	if from == "" {
		return descs
	}
	out := make([]operations.Descriptor, 0, len(descs))
	for _, d := range descs {
		if d.TimestampKey >= from {
			out = append(out, d)
		}
	}

	return out
}

func plannedSequential(descs []operations.Descriptor) []PlannedOperation {
	plan := make([]PlannedOperation, 0, len(descs))
	for _, d := range descs {
		plan = append(plan, PlannedOperation{
			Identity:     d.Identity(),
			TimestampKey: d.TimestampKey,
			Name:         d.Name,
			Async:        d.Capabilities.Async,
		})
	}

	return plan
}

func plannedWaves(waves [][]operations.Descriptor) []PlannedOperation {
	var plan []PlannedOperation
	for i, wave := range waves {
		for _, d := range wave {
			plan = append(plan, PlannedOperation{
				Identity:     d.Identity(),
				TimestampKey: d.TimestampKey,
				Name:         d.Name,
				Async:        d.Capabilities.Async,
				Wave:         i + 1,
			})
		}
	}

	return plan
}

// withIsolation runs fn behind the distributed lock when requested. The
// lock is always released, however fn ends.
func (c *core) withIsolation(ctx context.Context, isolate bool, fn func(ctx context.Context) error) error {
	if !isolate {
		return fn(ctx)
	}

	lease, err := c.locker.Acquire(ctx, c.cfg.LockName, c.cfg.LockTimeout, c.cfg.LockTTL)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil {
			c.lggr.Errorw("Failed to release lock", "name", c.cfg.LockName, "error", rerr)
		}
	}()

	return fn(ctx)
}

// runSequential drives descriptors one at a time in resolved order. On a
// non-best-effort failure it compensates the executed prefix in reverse and
// re-raises the original error.
func (c *core) runSequential(ctx context.Context, descs []operations.Descriptor, opts ProcessOptions) error {
	var executed []ExecutedOperation

	for _, desc := range descs {
		exec, async, err := c.executeOne(ctx, desc, opts)

		appended := false
		if exec.RecordID != "" && !async {
			// Asynchronous handoffs stay out of the rollback set: their
			// records are still non-terminal when a later failure occurs.
			executed = append(executed, exec)
			appended = true
		}

		if err != nil {
			if desc.Capabilities.AllowedToFail {
				c.lggr.Warnw("Best-effort operation failed, continuing",
					"identity", desc.Identity(), "error", err)
				continue
			}

			// The failing operation never completed, so there is nothing to
			// compensate for it.
			prefix := executed
			if appended {
				prefix = executed[:len(executed)-1]
			}
			c.rollback.Rollback(ctx, prefix)

			return &OperationError{Identity: desc.Identity(), Err: err}
		}
	}

	return nil
}

// executeOne drives a single operation: condition gate, record creation,
// then synchronous execution or background handoff.
func (c *core) executeOne(
	ctx context.Context, desc operations.Descriptor, opts ProcessOptions,
) (ExecutedOperation, bool, error) {
	op, err := c.registry.Get(desc.Identity())
	if err != nil {
		return ExecutedOperation{}, false, err
	}

	runnable, condErr := op.ShouldRun(ctx, c.rt)

	rec := datastore.NewExecutionRecord(desc.Identity())
	if err := c.store.Create(ctx, rec); err != nil {
		return ExecutedOperation{}, false, err
	}
	exec := ExecutedOperation{Operation: op, Descriptor: desc, RecordID: rec.ID}

	if condErr != nil {
		c.recordFailure(ctx, rec.ID, desc.Identity(), condErr)

		return exec, false, condErr
	}
	if !runnable {
		c.lggr.Infow("Operation condition not met, skipping", "identity", desc.Identity())

		return exec, false, c.store.Skip(ctx, rec.ID, "condition not met")
	}

	if desc.Capabilities.Async {
		job := Job{Queue: c.cfg.QueueName, RecordID: rec.ID, Descriptor: desc}
		if err := c.dispatcher.Enqueue(ctx, job); err != nil {
			c.recordFailure(ctx, rec.ID, desc.Identity(), err)

			return exec, false, err
		}
		c.lggr.Infow("Operation dispatched to background queue",
			"identity", desc.Identity(), "queue", c.cfg.QueueName)

		return exec, true, nil
	}

	return exec, false, c.runSync(ctx, desc, op, rec.ID, opts)
}

// runSync executes a synchronous operation, wrapping it in a transaction
// scope when requested, and settles its record.
func (c *core) runSync(
	ctx context.Context,
	desc operations.Descriptor,
	op *operations.Operation,
	recordID string,
	opts ProcessOptions,
) error {
	run := func(ctx context.Context) error { return op.Execute(ctx, c.rt) }

	if c.txEnabled(desc, opts) {
		if txs, ok := c.store.(datastore.TxStore); ok {
			inner := run
			run = func(ctx context.Context) error { return txs.WithinTx(ctx, inner) }
		} else {
			c.lggr.Warnw("Transaction requested but store does not support transactions",
				"identity", desc.Identity())
		}
	}

	err := c.runWithRetry(ctx, desc, run)

	switch {
	case err == nil:
		c.lggr.Infow("Operation completed", "identity", desc.Identity())

		return c.store.Transition(ctx, recordID, datastore.StateCompleted)
	case errors.Is(err, operations.ErrSkip):
		reason := operations.SkipReason(err)
		c.lggr.Infow("Operation signaled skip", "identity", desc.Identity(), "reason", reason)

		return c.store.Skip(ctx, recordID, reason)
	default:
		c.recordFailure(ctx, recordID, desc.Identity(), err)

		return err
	}
}

func (c *core) runWithRetry(
	ctx context.Context, desc operations.Descriptor, run func(ctx context.Context) error,
) error {
	attempts := desc.Capabilities.RetryAttempts
	if attempts <= 1 {
		return run(ctx)
	}

	return retry.Do(
		func() error {
			err := run(ctx)
			if errors.Is(err, operations.ErrSkip) {
				return retry.Unrecoverable(err)
			}

			return err
		},
		retry.Attempts(attempts),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.lggr.Infow("Operation failed. Retrying...",
				"identity", desc.Identity(), "attempt", n, "error", err)
		}),
	)
}

// txEnabled applies the override precedence: per-operation capability, then
// the explicit call parameter, then the global default.
func (c *core) txEnabled(desc operations.Descriptor, opts ProcessOptions) bool {
	if desc.Capabilities.WithinTransaction {
		return true
	}
	if opts.Transaction != nil {
		return *opts.Transaction
	}

	return c.cfg.AutoTransaction
}

// recordFailure settles a record as Failed and attaches the error detail.
func (c *core) recordFailure(ctx context.Context, recordID, identity string, cause error) {
	if err := c.store.Transition(ctx, recordID, datastore.StateFailed); err != nil {
		c.lggr.Errorw("Failed to mark record failed", "record_id", recordID, "error", err)
	}

	er := datastore.NewErrorRecord(
		recordID,
		fmt.Sprintf("%T", cause),
		cause.Error(),
		string(debug.Stack()),
		map[string]any{"identity": identity},
	)
	if err := c.store.AddError(ctx, er); err != nil {
		c.lggr.Errorw("Failed to attach error record", "record_id", recordID, "error", err)
	}
}

// runJob is the worker-side execution of a dispatched job. Failures are
// settled on the record and logged; the foreground loop observes them only
// through the store.
func (c *core) runJob(ctx context.Context, job Job) {
	op, err := c.registry.Get(job.Descriptor.Identity())
	if err != nil {
		c.recordFailure(ctx, job.RecordID, job.Descriptor.Identity(), err)

		return
	}

	if err := c.runSync(ctx, job.Descriptor, op, job.RecordID, ProcessOptions{}); err != nil {
		c.lggr.Errorw("Background operation failed",
			"identity", job.Descriptor.Identity(), "error", err)
	}
}

// SequentialOrchestrator consumes the resolved operation list one at a
// time, synchronously, with automatic reverse-order rollback on failure.
type SequentialOrchestrator struct {
	*core
}

// NewSequentialOrchestrator creates the sequential engine.
func NewSequentialOrchestrator(
	lggr logger.Logger,
	cfg Config,
	registry *operations.Registry,
	store datastore.Store,
	opts ...Option,
) *SequentialOrchestrator {
	return &SequentialOrchestrator{core: newCore(lggr, cfg, registry, store, opts...)}
}

// Process resolves and executes the pending operations. With DryRun it
// returns the plan without side effects; otherwise it returns the plan that
// was executed.
func (o *SequentialOrchestrator) Process(ctx context.Context, opts ProcessOptions) ([]PlannedOperation, error) {
	descs, err := o.plan(ctx, opts)
	if err != nil {
		return nil, err
	}

	plan := plannedSequential(descs)
	if opts.DryRun {
		return plan, nil
	}

	if err := o.withIsolation(ctx, opts.Isolate, func(ctx context.Context) error {
		return o.runSequential(ctx, descs, opts)
	}); err != nil {
		return nil, err
	}

	return plan, nil
}
