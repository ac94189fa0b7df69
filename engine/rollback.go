package engine

import (
	"context"
	"fmt"

	"github.com/deployops/deployops-framework/datastore"
	"github.com/deployops/deployops-framework/operations"
	"github.com/deployops/deployops-framework/pkg/logger"
)

// RollbackCoordinator invokes compensating actions over the operations
// executed before a failure, in strict reverse order. Compensation is
// best-effort and independent per item: one failing compensation never
// prevents attempting the earlier ones, and never masks the original
// failure.
type RollbackCoordinator struct {
	lggr  logger.Logger
	store datastore.Store
	rt    *operations.Runtime
}

// NewRollbackCoordinator creates a RollbackCoordinator.
func NewRollbackCoordinator(lggr logger.Logger, store datastore.Store, rt *operations.Runtime) *RollbackCoordinator {
	return &RollbackCoordinator{lggr: lggr, store: store, rt: rt}
}

// Rollback walks executed backwards, compensating every operation that
// declares rollback capability; others are skipped silently. Successful
// compensation sets RolledBack on the record; failed compensation leaves
// the record's prior terminal state unchanged and only logs and records the
// error.
func (r *RollbackCoordinator) Rollback(ctx context.Context, executed []ExecutedOperation) {
	for i := len(executed) - 1; i >= 0; i-- {
		item := executed[i]
		if !item.Operation.HasRollback() {
			continue
		}

		identity := item.Descriptor.Identity()
		r.lggr.Infow("Rolling back operation", "identity", identity)

		if err := item.Operation.Rollback(ctx, r.rt); err != nil {
			r.lggr.Errorw("Rollback failed", "identity", identity, "error", err)
			er := datastore.NewErrorRecord(
				item.RecordID,
				fmt.Sprintf("%T", err),
				err.Error(),
				"",
				map[string]any{"identity": identity, "phase": "rollback"},
			)
			if aerr := r.store.AddError(ctx, er); aerr != nil {
				r.lggr.Errorw("Failed to attach rollback error record",
					"record_id", item.RecordID, "error", aerr)
			}

			continue
		}

		rec, err := r.store.Find(ctx, item.RecordID)
		if err != nil {
			r.lggr.Errorw("Failed to load record after rollback",
				"record_id", item.RecordID, "error", err)

			continue
		}
		// Skipped records stay Skipped: the state machine only reaches
		// RolledBack from Completed or Failed.
		if rec.State.CanTransition(datastore.StateRolledBack) {
			if err := r.store.Transition(ctx, item.RecordID, datastore.StateRolledBack); err != nil {
				r.lggr.Errorw("Failed to mark record rolled back",
					"record_id", item.RecordID, "error", err)
			}
		}
	}
}
