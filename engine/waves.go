package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/deployops/deployops-framework/datastore"
	"github.com/deployops/deployops-framework/operations"
	"github.com/deployops/deployops-framework/pkg/logger"
)

type waveMode int

const (
	// waveHalt stops at the first non-best-effort failure and rolls back.
	waveHalt waveMode = iota
	// waveTransactional runs each wave all-or-nothing in one transaction.
	waveTransactional
	// waveBestEffort records failures but never halts or rolls back.
	waveBestEffort
)

// WaveOrchestrator partitions the resolved set into waves of mutually
// independent operations and dispatches each wave concurrently, joining
// before the next wave starts. A failure by any non-best-effort member
// halts progression and triggers rollback over every terminal operation in
// the current and all prior waves, in reverse.
type WaveOrchestrator struct {
	*core
	mode waveMode
}

// NewWaveOrchestrator creates the wave-parallel engine.
func NewWaveOrchestrator(
	lggr logger.Logger,
	cfg Config,
	registry *operations.Registry,
	store datastore.Store,
	opts ...Option,
) *WaveOrchestrator {
	return &WaveOrchestrator{core: newCore(lggr, cfg, registry, store, opts...), mode: waveHalt}
}

// NewAllowedToFailWaveOrchestrator creates the best-effort wave engine:
// failures are recorded but never halt the run or trigger rollback.
func NewAllowedToFailWaveOrchestrator(
	lggr logger.Logger,
	cfg Config,
	registry *operations.Registry,
	store datastore.Store,
	opts ...Option,
) *WaveOrchestrator {
	return &WaveOrchestrator{core: newCore(lggr, cfg, registry, store, opts...), mode: waveBestEffort}
}

// NewTransactionalWaveOrchestrator creates the all-or-nothing wave engine.
// Each wave runs inside a single store transaction; the store must support
// transaction scopes.
func NewTransactionalWaveOrchestrator(
	lggr logger.Logger,
	cfg Config,
	registry *operations.Registry,
	store datastore.Store,
	opts ...Option,
) (*WaveOrchestrator, error) {
	if _, ok := store.(datastore.TxStore); !ok {
		return nil, fmt.Errorf("transactional wave orchestration requires a store with transaction support")
	}

	return &WaveOrchestrator{core: newCore(lggr, cfg, registry, store, opts...), mode: waveTransactional}, nil
}

// planWaves resolves the wave partition and validates the selection.
func (o *WaveOrchestrator) planWaves(ctx context.Context, opts ProcessOptions) ([][]operations.Descriptor, error) {
	descs, err := o.discover(ctx, opts)
	if err != nil {
		return nil, err
	}

	waves, err := operations.PartitionIntoWaves(descs)
	if err != nil {
		return nil, err
	}

	if opts.From != "" {
		filtered := make([][]operations.Descriptor, 0, len(waves))
		for _, wave := range waves {
			if wave = filterFrom(wave, opts.From); len(wave) > 0 {
				filtered = append(filtered, wave)
			}
		}
		waves = filtered
	}

	var flat []operations.Descriptor
	for _, wave := range waves {
		flat = append(flat, wave...)
	}
	if err := o.validateSelection(ctx, flat, opts); err != nil {
		return nil, err
	}

	return waves, nil
}

// Process resolves the wave partition and drives it wave by wave.
func (o *WaveOrchestrator) Process(ctx context.Context, opts ProcessOptions) ([]PlannedOperation, error) {
	waves, err := o.planWaves(ctx, opts)
	if err != nil {
		return nil, err
	}

	plan := plannedWaves(waves)
	if opts.DryRun {
		return plan, nil
	}

	if err := o.withIsolation(ctx, opts.Isolate, func(ctx context.Context) error {
		return o.runWaves(ctx, waves, opts)
	}); err != nil {
		return nil, err
	}

	return plan, nil
}

func (o *WaveOrchestrator) runWaves(ctx context.Context, waves [][]operations.Descriptor, opts ProcessOptions) error {
	// Executed operations accumulate in discovery order within and across
	// waves, so the coordinator's backward walk yields reverse wave order.
	var executed []ExecutedOperation

	for i, wave := range waves {
		o.lggr.Infow("Starting wave", "wave", i+1, "size", len(wave))

		var err error
		if o.mode == waveTransactional {
			err = o.runWaveTransactional(ctx, wave, &executed)
		} else {
			err = o.runWaveConcurrent(ctx, wave, opts, &executed)
		}
		if err != nil {
			o.rollback.Rollback(ctx, executed)

			return err
		}
	}

	return nil
}

// runWaveConcurrent fans the wave out through the dispatch transport and
// blocks until every member settles before classifying the outcome.
func (o *WaveOrchestrator) runWaveConcurrent(
	ctx context.Context,
	wave []operations.Descriptor,
	opts ProcessOptions,
	executed *[]ExecutedOperation,
) error {
	sd, ok := o.dispatcher.(SettlingDispatcher)
	if !ok {
		return fmt.Errorf("wave orchestration requires a settling dispatcher")
	}

	// The fan-out loop never returns early: already-enqueued members keep
	// executing, so the wave must join before any error is surfaced or the
	// rollback walk would race the in-flight jobs.
	var fanOutErr error
	members := make([]ExecutedOperation, 0, len(wave))
	for _, desc := range wave {
		op, err := o.registry.Get(desc.Identity())
		if err != nil {
			fanOutErr = err
			break
		}

		runnable, condErr := op.ShouldRun(ctx, o.rt)

		rec := datastore.NewExecutionRecord(desc.Identity())
		if err := o.store.Create(ctx, rec); err != nil {
			fanOutErr = err
			break
		}
		member := ExecutedOperation{Operation: op, Descriptor: desc, RecordID: rec.ID}
		members = append(members, member)

		switch {
		case condErr != nil:
			o.recordFailure(ctx, rec.ID, desc.Identity(), condErr)
		case !runnable:
			if err := o.store.Skip(ctx, rec.ID, "condition not met"); err != nil {
				fanOutErr = err
			}
		default:
			job := Job{Queue: o.cfg.QueueName, RecordID: rec.ID, Descriptor: desc}
			if err := sd.Enqueue(ctx, job); err != nil {
				o.recordFailure(ctx, rec.ID, desc.Identity(), err)
			}
		}
		if fanOutErr != nil {
			break
		}
	}

	sd.Wait()

	if fanOutErr != nil {
		return fanOutErr
	}

	var failed *ExecutedOperation
	for i := range members {
		rec, err := o.store.Find(ctx, members[i].RecordID)
		if err != nil {
			return err
		}
		if rec.State.Terminal() {
			*executed = append(*executed, members[i])
		}
		if rec.State == datastore.StateFailed &&
			!members[i].Descriptor.Capabilities.AllowedToFail &&
			o.mode != waveBestEffort &&
			failed == nil {
			failed = &members[i]
		}
	}

	if failed != nil {
		return &OperationError{
			Identity: failed.Descriptor.Identity(),
			Err:      o.recordedError(ctx, failed.RecordID),
		}
	}

	return nil
}

// recordedError recovers the failure detail a worker attached to a record.
func (o *WaveOrchestrator) recordedError(ctx context.Context, recordID string) error {
	ers, err := o.store.ListErrors(ctx, recordID)
	if err != nil || len(ers) == 0 {
		return errors.New("wave member failed")
	}

	return errors.New(ers[0].Message)
}

// runWaveTransactional executes the wave's members sequentially inside one
// transaction scope: either every member settles or none of the wave's
// records survive.
func (o *WaveOrchestrator) runWaveTransactional(
	ctx context.Context,
	wave []operations.Descriptor,
	executed *[]ExecutedOperation,
) error {
	txs := o.store.(datastore.TxStore)

	var members []ExecutedOperation
	err := txs.WithinTx(ctx, func(ctx context.Context) error {
		for _, desc := range wave {
			op, err := o.registry.Get(desc.Identity())
			if err != nil {
				return err
			}

			runnable, condErr := op.ShouldRun(ctx, o.rt)
			if condErr != nil {
				return &OperationError{Identity: desc.Identity(), Err: condErr}
			}

			rec := datastore.NewExecutionRecord(desc.Identity())
			if err := o.store.Create(ctx, rec); err != nil {
				return err
			}
			member := ExecutedOperation{Operation: op, Descriptor: desc, RecordID: rec.ID}

			if !runnable {
				if err := o.store.Skip(ctx, rec.ID, "condition not met"); err != nil {
					return err
				}
				members = append(members, member)

				continue
			}

			if err := op.Execute(ctx, o.rt); err != nil {
				if errors.Is(err, operations.ErrSkip) {
					if serr := o.store.Skip(ctx, rec.ID, operations.SkipReason(err)); serr != nil {
						return serr
					}
					members = append(members, member)

					continue
				}

				return &OperationError{Identity: desc.Identity(), Err: err}
			}

			if err := o.store.Transition(ctx, rec.ID, datastore.StateCompleted); err != nil {
				return err
			}
			members = append(members, member)
		}

		return nil
	})
	if err != nil {
		// The wave's records rolled back with the transaction; settle a
		// Failed record for the failing member outside it so the failure
		// stays auditable.
		var opErr *OperationError
		if errors.As(err, &opErr) {
			rec := datastore.NewExecutionRecord(opErr.Identity)
			if cerr := o.store.Create(ctx, rec); cerr == nil {
				o.recordFailure(ctx, rec.ID, opErr.Identity, opErr.Err)
			}
		}

		return err
	}

	*executed = append(*executed, members...)

	return nil
}
