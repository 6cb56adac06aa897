package services

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bountyboard/backend/internal/models"
)

// ReconcilerTasks is the task repository subset for the conservation sweep.
type ReconcilerTasks interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListFundedIDs(ctx context.Context) ([]uuid.UUID, error)
	SetFrozenTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, frozen bool) error
}

// ReconcilerEscrow reads escrow records for the sweep.
type ReconcilerEscrow interface {
	GetByTaskID(ctx context.Context, taskID uuid.UUID) (*models.EscrowRecord, error)
}

// Reconciler sweeps funded tasks and checks the conservation law: for every
// task, held + credited-to-worker + refunded-to-client must equal the
// bounty, and the escrow state must agree with the task state. A violation
// freezes the task (blocking all further transitions), writes an audit
// entry and alarms; it is never silently absorbed.
type Reconciler struct {
	Pool   TxBeginner
	Tasks  ReconcilerTasks
	Escrow ReconcilerEscrow
	Audit  AuditWriter
	Logger *slog.Logger
}

func NewReconciler(pool TxBeginner, tasks ReconcilerTasks, escrow ReconcilerEscrow, audit AuditWriter, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{Pool: pool, Tasks: tasks, Escrow: escrow, Audit: audit, Logger: logger}
}

// ReconcileAll checks every funded task. Individual violations freeze that
// task and the sweep continues; only storage errors abort it.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	ids, err := r.Tasks.ListFundedIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.reconcileTask(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) reconcileTask(ctx context.Context, taskID uuid.UUID) error {
	task, err := r.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Frozen {
		return nil
	}
	rec, err := r.Escrow.GetByTaskID(ctx, taskID)
	if err != nil {
		return err
	}

	if v := CheckConservation(task, rec); v != nil {
		return r.freeze(ctx, task, v)
	}
	return nil
}

// CheckConservation evaluates the conservation law for one funded task.
// Returns nil when the books balance.
func CheckConservation(task *models.Task, rec *models.EscrowRecord) *LedgerInvariantViolation {
	// The escrow record carries the full bounty through its whole life, so
	// held + credited + refunded collapses to the record amount.
	if rec.AmountCents != task.BountyCents {
		return &LedgerInvariantViolation{TaskID: task.ID, BountyCents: task.BountyCents, AccountedFor: rec.AmountCents}
	}

	// Escrow state and task state must agree after every commit, not
	// eventually: release and completion (and refund and cancellation)
	// always commit together.
	consistent := true
	switch task.Status {
	case models.TaskStatusCompleted:
		consistent = rec.Status == models.EscrowStatusReleased
	case models.TaskStatusCancelled:
		consistent = rec.Status == models.EscrowStatusRefunded
	default:
		consistent = rec.Status == models.EscrowStatusHeld
	}
	if !consistent {
		return &LedgerInvariantViolation{TaskID: task.ID, BountyCents: task.BountyCents, AccountedFor: rec.AmountCents}
	}
	return nil
}

// freeze marks the task for manual reconciliation and alarms.
func (r *Reconciler) freeze(ctx context.Context, task *models.Task, v *LedgerInvariantViolation) error {
	r.Logger.Error("ledger invariant violated, freezing task",
		"task_id", task.ID, "status", task.Status, "bounty_cents", v.BountyCents, "accounted_cents", v.AccountedFor)

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := r.Tasks.SetFrozenTx(ctx, tx, task.ID, true); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]any{
		"violation":       v.Error(),
		"bounty_cents":    v.BountyCents,
		"accounted_cents": v.AccountedFor,
	})
	if err := r.Audit.CreateTx(ctx, tx, &models.AuditEntry{
		ID:         uuid.New(),
		EntityType: models.AuditEntityTask,
		EntityID:   task.ID,
		OldState:   task.Status,
		NewState:   task.Status,
		ActorID:    SystemActor.ID,
		Metadata:   meta,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
