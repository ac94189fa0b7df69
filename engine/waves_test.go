package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deployops/deployops-framework/datastore"
	"github.com/deployops/deployops-framework/operations"
	"github.com/deployops/deployops-framework/operations/optest"
	"github.com/deployops/deployops-framework/pkg/logger"
)

// joinWave is three operations where the third depends on both of the first
// two, so the partition is {t1, t2} then {t3}.
func joinWave(t *testing.T, log *callLog, t1Handler operations.Handler) *operations.Registry {
	t.Helper()

	if t1Handler == nil {
		t1Handler = log.add("t1")
	}

	return optest.NewRegistry(t,
		optest.MustOperationWithHandler(t, "2024_01_01_000000", "t1", t1Handler,
			operations.WithRollback(log.add("rollback_t1"))),
		optest.MustOperationWithHandler(t, "2024_01_02_000000", "t2", log.add("t2"),
			operations.WithRollback(log.add("rollback_t2"))),
		optest.MustOperationWithHandler(t, "2024_01_03_000000", "t3", log.add("t3"),
			operations.WithDependencies("2024_01_01_000000_t1", "2024_01_02_000000_t2")),
	)
}

func Test_WaveOrchestrator_Process(t *testing.T) {
	t.Parallel()

	var log callLog
	registry := joinWave(t, &log, nil)
	store := datastore.NewMemoryStore()

	o := NewWaveOrchestrator(logger.Test(t), DefaultConfig(), registry, store)
	t.Cleanup(o.Close)

	plan, err := o.Process(t.Context(), ProcessOptions{})
	require.NoError(t, err)

	require.Len(t, plan, 3)
	assert.Equal(t, 1, plan[0].Wave)
	assert.Equal(t, 1, plan[1].Wave)
	assert.Equal(t, 2, plan[2].Wave)

	// t3 starts only after both of its dependencies settled.
	calls := log.get()
	require.Len(t, calls, 3)
	assert.Equal(t, "t3", calls[2])

	for _, identity := range []string{
		"2024_01_01_000000_t1", "2024_01_02_000000_t2", "2024_01_03_000000_t3",
	} {
		assert.Equal(t, datastore.StateCompleted, stateOf(t, store, identity).State)
	}
}

func Test_WaveOrchestrator_DryRun(t *testing.T) {
	t.Parallel()

	var log callLog
	registry := joinWave(t, &log, nil)
	store := datastore.NewMemoryStore()

	o := NewWaveOrchestrator(logger.Test(t), DefaultConfig(), registry, store)
	t.Cleanup(o.Close)

	plan, err := o.Process(t.Context(), ProcessOptions{DryRun: true})
	require.NoError(t, err)
	require.Len(t, plan, 3)

	assert.Empty(t, log.get())
	records, err := store.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func Test_WaveOrchestrator_FailureHaltsProgression(t *testing.T) {
	t.Parallel()

	var log callLog
	boom := errors.New("boom")
	registry := joinWave(t, &log, func(context.Context, *operations.Runtime) error {
		return boom
	})
	store := datastore.NewMemoryStore()

	o := NewWaveOrchestrator(logger.Test(t), DefaultConfig(), registry, store)
	t.Cleanup(o.Close)

	_, err := o.Process(t.Context(), ProcessOptions{})

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "2024_01_01_000000_t1", opErr.Identity)

	// t2 still completed its wave, then both wave members were compensated.
	calls := log.get()
	assert.Contains(t, calls, "t2")
	assert.Contains(t, calls, "rollback_t1")
	assert.Contains(t, calls, "rollback_t2")
	assert.NotContains(t, calls, "t3", "the next wave never starts")

	assert.Equal(t, datastore.StateRolledBack, stateOf(t, store, "2024_01_01_000000_t1").State)
	assert.Equal(t, datastore.StateRolledBack, stateOf(t, store, "2024_01_02_000000_t2").State)

	_, err = store.FindByIdentity(t.Context(), "2024_01_03_000000_t3")
	require.ErrorIs(t, err, datastore.ErrRecordNotFound, "halted operations leave no record")
}

func Test_WaveOrchestrator_BestEffortNeverHalts(t *testing.T) {
	t.Parallel()

	var log callLog
	registry := joinWave(t, &log, func(context.Context, *operations.Runtime) error {
		return errors.New("boom")
	})
	store := datastore.NewMemoryStore()

	o := NewAllowedToFailWaveOrchestrator(logger.Test(t), DefaultConfig(), registry, store)
	t.Cleanup(o.Close)

	_, err := o.Process(t.Context(), ProcessOptions{})
	require.NoError(t, err)

	calls := log.get()
	assert.Contains(t, calls, "t3")
	assert.NotContains(t, calls, "rollback_t1")
	assert.NotContains(t, calls, "rollback_t2")

	assert.Equal(t, datastore.StateFailed, stateOf(t, store, "2024_01_01_000000_t1").State)
	assert.Equal(t, datastore.StateCompleted, stateOf(t, store, "2024_01_02_000000_t2").State)
	assert.Equal(t, datastore.StateCompleted, stateOf(t, store, "2024_01_03_000000_t3").State)
}

func Test_WaveOrchestrator_AllowedToFailMember(t *testing.T) {
	t.Parallel()

	var log callLog
	registry := optest.NewRegistry(t,
		optest.MustOperationWithHandler(t, "2024_01_01_000000", "flaky",
			func(context.Context, *operations.Runtime) error { return errors.New("boom") },
			operations.WithAllowedToFail()),
		optest.MustOperationWithHandler(t, "2024_01_02_000000", "next", log.add("next"),
			operations.WithDependencies("2024_01_01_000000_flaky")),
	)
	store := datastore.NewMemoryStore()

	o := NewWaveOrchestrator(logger.Test(t), DefaultConfig(), registry, store)
	t.Cleanup(o.Close)

	_, err := o.Process(t.Context(), ProcessOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"next"}, log.get())
	assert.Equal(t, datastore.StateFailed, stateOf(t, store, "2024_01_01_000000_flaky").State)
}

// createFailingStore fails Create for one identity, standing in for a store
// outage in the middle of a wave fan-out.
type createFailingStore struct {
	datastore.Store
	failFor string
}

func (s *createFailingStore) Create(ctx context.Context, rec datastore.ExecutionRecord) error {
	if rec.Identity == s.failFor {
		return errors.New("create failed")
	}

	return s.Store.Create(ctx, rec)
}

func Test_WaveOrchestrator_FanOutErrorJoinsInFlightJobs(t *testing.T) {
	t.Parallel()

	var log callLog
	slow := func(ctx context.Context, rt *operations.Runtime) error {
		time.Sleep(100 * time.Millisecond)

		return log.add("t1")(ctx, rt)
	}
	registry := optest.NewRegistry(t,
		optest.MustOperationWithHandler(t, "2024_01_01_000000", "t1", slow),
		optest.MustOperation(t, "2024_01_02_000000", "t2"),
	)
	mem := datastore.NewMemoryStore()
	store := &createFailingStore{Store: mem, failFor: "2024_01_02_000000_t2"}

	o := NewWaveOrchestrator(logger.Test(t), DefaultConfig(), registry, store)
	t.Cleanup(o.Close)

	_, err := o.Process(t.Context(), ProcessOptions{})
	require.ErrorContains(t, err, "create failed")

	// By the time the error surfaces, the already-enqueued member has
	// settled; nothing mutates its record after Process returns.
	assert.Equal(t, []string{"t1"}, log.get())
	assert.Equal(t, datastore.StateCompleted, stateOf(t, store, "2024_01_01_000000_t1").State)
}

func Test_TransactionalWaveOrchestrator_RequiresTxStore(t *testing.T) {
	t.Parallel()

	// Wrapping the store in a plain interface hides WithinTx.
	type plainStore struct{ datastore.Store }

	registry := optest.NewRegistry(t)
	_, err := NewTransactionalWaveOrchestrator(
		logger.Test(t), DefaultConfig(), registry, plainStore{datastore.NewMemoryStore()})
	require.ErrorContains(t, err, "transaction support")
}

func Test_TransactionalWaveOrchestrator_Process(t *testing.T) {
	t.Parallel()

	var log callLog
	registry := joinWave(t, &log, nil)
	store := datastore.NewMemoryStore()

	o, err := NewTransactionalWaveOrchestrator(logger.Test(t), DefaultConfig(), registry, store)
	require.NoError(t, err)
	t.Cleanup(o.Close)

	_, err = o.Process(t.Context(), ProcessOptions{})
	require.NoError(t, err)

	assert.Equal(t, datastore.StateCompleted, stateOf(t, store, "2024_01_03_000000_t3").State)
}

func Test_TransactionalWaveOrchestrator_WaveIsAllOrNothing(t *testing.T) {
	t.Parallel()

	var log callLog
	boom := errors.New("boom")
	registry := optest.NewRegistry(t,
		optest.MustOperationWithHandler(t, "2024_01_01_000000", "t1", log.add("t1"),
			operations.WithRollback(log.add("rollback_t1"))),
		optest.MustOperationWithHandler(t, "2024_01_02_000000", "t2",
			func(context.Context, *operations.Runtime) error { return boom },
			operations.WithDependencies("2024_01_01_000000_t1")),
	)
	store := datastore.NewMemoryStore()

	o, err := NewTransactionalWaveOrchestrator(logger.Test(t), DefaultConfig(), registry, store)
	require.NoError(t, err)
	t.Cleanup(o.Close)

	_, err = o.Process(t.Context(), ProcessOptions{})

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "2024_01_02_000000_t2", opErr.Identity)
	require.ErrorIs(t, err, boom)

	// The first wave committed and was compensated; the failing wave's
	// records rolled back with the transaction, leaving only the audit
	// record of the failure.
	assert.Contains(t, log.get(), "rollback_t1")
	assert.Equal(t, datastore.StateRolledBack, stateOf(t, store, "2024_01_01_000000_t1").State)

	failed := stateOf(t, store, "2024_01_02_000000_t2")
	assert.Equal(t, datastore.StateFailed, failed.State)
	errs, err := store.ListErrors(t.Context(), failed.ID)
	require.NoError(t, err)
	require.NotEmpty(t, errs)
	assert.Equal(t, "boom", errs[0].Message)
}
