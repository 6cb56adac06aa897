package execution

import (
	"context"

	"github.com/riverqueue/river"
)

// ReconcileJobArgs triggers a full conservation sweep over funded tasks.
// Scheduled periodically from main.
type ReconcileJobArgs struct{}

func (ReconcileJobArgs) Kind() string { return "reconcile_ledger" }

func (ReconcileJobArgs) InsertOpts() river.InsertOpts {
	// Only one sweep at a time; a queued duplicate is pointless.
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

// LedgerReconciler is implemented by the services reconciler.
type LedgerReconciler interface {
	ReconcileAll(ctx context.Context) error
}

type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileJobArgs]
	reconciler LedgerReconciler
}

func NewReconcileWorker(rec LedgerReconciler) *ReconcileWorker {
	return &ReconcileWorker{reconciler: rec}
}

func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileJobArgs]) error {
	return w.reconciler.ReconcileAll(ctx)
}
