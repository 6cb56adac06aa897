package services

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bountyboard/backend/internal/execution"
	"github.com/bountyboard/backend/internal/models"
)

// TxBeginner abstracts transaction creation so tests don't need a
// pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// SettlementTasks is the task repository subset the coordinator needs.
type SettlementTasks interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	Create(ctx context.Context, t *models.Task) error
	TransitionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) (bool, error)
	AssignWorkerTx(ctx context.Context, tx pgx.Tx, id, workerID uuid.UUID) (bool, error)
}

// SettlementApplications is the application repository subset.
type SettlementApplications interface {
	Create(ctx context.Context, a *models.Application) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Application, error)
	AcceptTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
	RejectSiblingsTx(ctx context.Context, tx pgx.Tx, taskID, acceptedID uuid.UUID) error
}

// SettlementDisputes is the dispute repository subset.
type SettlementDisputes interface {
	CreateTx(ctx context.Context, tx pgx.Tx, d *models.Dispute) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	ResolveTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, resolution string, resolvedBy uuid.UUID) (bool, error)
}

// SettlementWithdrawals is the withdrawal repository subset.
type SettlementWithdrawals interface {
	CreateTx(ctx context.Context, tx pgx.Tx, w *models.Withdrawal) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, gatewayRef string) error
	MarkCompleted(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) (userID uuid.UUID, amountCents int64, failed bool, err error)
}

// Ledger abstracts the escrow ledger operations.
type Ledger interface {
	Hold(ctx context.Context, tx pgx.Tx, taskID, clientID uuid.UUID, amountCents int64, gatewayRef string) (bool, error)
	Release(ctx context.Context, tx pgx.Tx, taskID, workerID uuid.UUID) (bool, error)
	Refund(ctx context.Context, tx pgx.Tx, taskID, clientID uuid.UUID) (bool, error)
}

// AuditWriter appends one entry per committed transition, in-transaction.
type AuditWriter interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.AuditEntry) error
}

// IdempotencyClaims dedups actor-initiated retries by client key.
type IdempotencyClaims interface {
	ClaimTx(ctx context.Context, tx pgx.Tx, actorID uuid.UUID, operation, key string) (bool, error)
}

// WithdrawalDebits is the balance subset needed for withdrawals.
type WithdrawalDebits interface {
	CreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64) (int64, error)
	DebitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64) (bool, error)
}

// Notifier emits best-effort events after commit; it must never block.
type Notifier interface {
	Notify(event string, payload any)
}

// EnqueueTransferTxFunc enqueues a transfer job within the given
// transaction. Provided by main using river.Client.InsertTx.
type EnqueueTransferTxFunc func(ctx context.Context, tx pgx.Tx, args execution.TransferJobArgs) error

// Coordinator exposes the actor-facing settlement operations. Every
// operation runs as one storage transaction: the status CAS, the ledger
// mutations and the audit entry commit together or not at all. Optimistic
// concurrency comes from the conditional UPDATEs in the repositories; a
// zero-row CAS surfaces as ErrStateConflict and rolls the whole unit back.
type Coordinator struct {
	Pool            TxBeginner
	Tasks           SettlementTasks
	Applications    SettlementApplications
	Disputes        SettlementDisputes
	Withdrawals     SettlementWithdrawals
	Ledger          Ledger
	Balances        WithdrawalDebits
	Audit           AuditWriter
	Idempotency     IdempotencyClaims
	EnqueueTransfer EnqueueTransferTxFunc
	Notifier        Notifier
	Logger          *slog.Logger
}

// Operation names used as idempotency-key namespaces.
const (
	opApprove    = "approve_and_release"
	opResolve    = "resolve_dispute"
	opWithdrawal = "execute_withdrawal"
)

func (c *Coordinator) notify(event string, payload any) {
	if c.Notifier != nil {
		c.Notifier.Notify(event, payload)
	}
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Coordinator) audit(ctx context.Context, tx pgx.Tx, entityType string, entityID uuid.UUID, oldState, newState string, actorID uuid.UUID, metadata json.RawMessage) error {
	return c.Audit.CreateTx(ctx, tx, &models.AuditEntry{
		ID:         uuid.New(),
		EntityType: entityType,
		EntityID:   entityID,
		OldState:   oldState,
		NewState:   newState,
		ActorID:    actorID,
		Metadata:   metadata,
	})
}

// claimKey reserves the actor's idempotency key inside tx. An empty key is
// allowed (no dedup requested).
func (c *Coordinator) claimKey(ctx context.Context, tx pgx.Tx, actorID uuid.UUID, operation, key string) error {
	if key == "" {
		return nil
	}
	claimed, err := c.Idempotency.ClaimTx(ctx, tx, actorID, operation, key)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrAlreadyProcessed
	}
	return nil
}

// SubmitApplication records a worker's pending application to an open task.
func (c *Coordinator) SubmitApplication(ctx context.Context, actor Actor, taskID uuid.UUID, proposal string) (*models.Application, error) {
	task, err := c.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if actor.ID == task.ClientID {
		return nil, &AuthorizationError{Reason: "clients cannot apply to their own task"}
	}
	if task.Status != models.TaskStatusOpen {
		return nil, ErrStateConflict
	}
	app := &models.Application{
		ID:       uuid.New(),
		TaskID:   taskID,
		WorkerID: actor.ID,
		Proposal: proposal,
		Status:   models.ApplicationStatusPending,
	}
	if err := c.Applications.Create(ctx, app); err != nil {
		return nil, err
	}
	c.notify("application.submitted", app)
	return app, nil
}

// AcceptApplication assigns the chosen applicant: OPEN -> ASSIGNED, the
// chosen application accepted, every sibling pending application rejected,
// all in one transaction. Of two concurrent accepts for different
// applicants exactly one wins the task CAS; the loser gets ErrStateConflict.
func (c *Coordinator) AcceptApplication(ctx context.Context, actor Actor, applicationID uuid.UUID) error {
	app, err := c.Applications.GetByID(ctx, applicationID)
	if err != nil {
		return err
	}
	task, err := c.Tasks.GetByID(ctx, app.TaskID)
	if err != nil {
		return err
	}
	if _, err := ProposeTransition(task, ActionAccept, actor); err != nil {
		return err
	}

	tx, err := c.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	assigned, err := c.Tasks.AssignWorkerTx(ctx, tx, task.ID, app.WorkerID)
	if err != nil {
		return err
	}
	if !assigned {
		return ErrStateConflict
	}
	accepted, err := c.Applications.AcceptTx(ctx, tx, app.ID)
	if err != nil {
		return err
	}
	if !accepted {
		return ErrStateConflict
	}
	if err := c.Applications.RejectSiblingsTx(ctx, tx, task.ID, app.ID); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]string{"application_id": app.ID.String(), "worker_id": app.WorkerID.String()})
	if err := c.audit(ctx, tx, models.AuditEntityTask, task.ID, models.TaskStatusOpen, models.TaskStatusAssigned, actor.ID, meta); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	c.notify("task.assigned", map[string]string{"task_id": task.ID.String(), "worker_id": app.WorkerID.String()})
	return nil
}

// StartTask moves ASSIGNED -> IN_PROGRESS for the assigned worker.
func (c *Coordinator) StartTask(ctx context.Context, actor Actor, taskID uuid.UUID) error {
	return c.simpleTransition(ctx, actor, taskID, ActionStart, nil, "task.started")
}

// SubmitEvidence moves the task to SUBMITTED with no fund movement. The
// evidence payload goes into the audit entry's metadata, which is the
// authoritative history consulted during disputes.
func (c *Coordinator) SubmitEvidence(ctx context.Context, actor Actor, taskID uuid.UUID, evidence json.RawMessage) error {
	return c.simpleTransition(ctx, actor, taskID, ActionSubmit, evidence, "task.submitted")
}

// simpleTransition runs a pure status transition (no ledger involvement).
func (c *Coordinator) simpleTransition(ctx context.Context, actor Actor, taskID uuid.UUID, action string, metadata json.RawMessage, event string) error {
	task, err := c.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	next, err := ProposeTransition(task, action, actor)
	if err != nil {
		return err
	}

	tx, err := c.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	moved, err := c.Tasks.TransitionTx(ctx, tx, task.ID, task.Status, next)
	if err != nil {
		return err
	}
	if !moved {
		return ErrStateConflict
	}
	if err := c.audit(ctx, tx, models.AuditEntityTask, task.ID, task.Status, next, actor.ID, metadata); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	c.notify(event, map[string]string{"task_id": task.ID.String(), "status": next})
	return nil
}

// ApproveAndRelease settles a submitted task: escrow released to the worker,
// task SUBMITTED -> COMPLETED, one audit entry, all atomic. Re-invocation on
// a completed task short-circuits to ErrAlreadyProcessed before any side
// effect; a retried approve click is additionally deduped by idemKey.
func (c *Coordinator) ApproveAndRelease(ctx context.Context, actor Actor, taskID uuid.UUID, idemKey string) error {
	task, err := c.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == models.TaskStatusCompleted {
		return ErrAlreadyProcessed
	}
	if _, err := ProposeTransition(task, ActionApprove, actor); err != nil {
		return err
	}
	if task.WorkerID == nil {
		// Submitted implies assigned; a missing worker here is data corruption.
		return &LedgerInvariantViolation{TaskID: task.ID, BountyCents: task.BountyCents}
	}

	tx, err := c.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := c.claimKey(ctx, tx, actor.ID, opApprove, idemKey); err != nil {
		return err
	}
	moved, err := c.Tasks.TransitionTx(ctx, tx, task.ID, models.TaskStatusSubmitted, models.TaskStatusCompleted)
	if err != nil {
		return err
	}
	if !moved {
		return ErrStateConflict
	}
	released, err := c.Ledger.Release(ctx, tx, task.ID, *task.WorkerID)
	if err != nil {
		return err
	}
	if !released {
		// The task was still submitted but its escrow already settled:
		// conservation is broken. Roll back and surface for manual review.
		return &LedgerInvariantViolation{TaskID: task.ID, BountyCents: task.BountyCents}
	}
	if err := c.audit(ctx, tx, models.AuditEntityTask, task.ID, models.TaskStatusSubmitted, models.TaskStatusCompleted, actor.ID, nil); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	c.notify("task.completed", map[string]string{"task_id": task.ID.String(), "worker_id": task.WorkerID.String()})
	return nil
}

// CancelTask cancels on behalf of the client. Funds held in escrow (the
// task got past DRAFT) are refunded in the same transaction.
func (c *Coordinator) CancelTask(ctx context.Context, actor Actor, taskID uuid.UUID) error {
	task, err := c.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if _, err := ProposeTransition(task, ActionCancel, actor); err != nil {
		return err
	}

	tx, err := c.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	moved, err := c.Tasks.TransitionTx(ctx, tx, task.ID, task.Status, models.TaskStatusCancelled)
	if err != nil {
		return err
	}
	if !moved {
		return ErrStateConflict
	}
	if task.Status != models.TaskStatusDraft {
		// Held escrow goes back to the client; a draft has nothing held.
		refunded, err := c.Ledger.Refund(ctx, tx, task.ID, task.ClientID)
		if err != nil {
			return err
		}
		if !refunded {
			// A cancellable task must still have its escrow held; a settled
			// record here means conservation is broken. Roll back and surface
			// for manual review.
			return &LedgerInvariantViolation{TaskID: task.ID, BountyCents: task.BountyCents}
		}
	}
	if err := c.audit(ctx, tx, models.AuditEntityTask, task.ID, task.Status, models.TaskStatusCancelled, actor.ID, nil); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	c.notify("task.cancelled", map[string]string{"task_id": task.ID.String()})
	return nil
}

// WebhookActivate handles the gateway's payment_captured event: hold the
// funds keyed by the gateway reference and move DRAFT -> OPEN. The gateway
// delivers at least once; a redelivery finds the escrow record already
// present and is a no-op (ErrAlreadyProcessed, success-equivalent).
func (c *Coordinator) WebhookActivate(ctx context.Context, taskID, clientID uuid.UUID, gatewayRef string) error {
	task, err := c.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Frozen {
		return ErrTaskFrozen
	}

	tx, err := c.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	held, err := c.Ledger.Hold(ctx, tx, task.ID, clientID, task.BountyCents, gatewayRef)
	if err != nil {
		return err
	}
	if !held {
		return ErrAlreadyProcessed
	}
	moved, err := c.Tasks.TransitionTx(ctx, tx, task.ID, models.TaskStatusDraft, models.TaskStatusOpen)
	if err != nil {
		return err
	}
	if !moved {
		return ErrStateConflict
	}
	meta, _ := json.Marshal(map[string]string{"gateway_ref": gatewayRef})
	if err := c.audit(ctx, tx, models.AuditEntityTask, task.ID, models.TaskStatusDraft, models.TaskStatusOpen, SystemActor.ID, meta); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	c.notify("task.funded", map[string]string{"task_id": task.ID.String()})
	return nil
}

// OpenDispute freezes settlement into the dispute sub-state machine: task ->
// DISPUTED plus an open dispute row, atomically. The task CAS plus the
// partial unique index guarantee at most one open dispute per task.
func (c *Coordinator) OpenDispute(ctx context.Context, actor Actor, taskID uuid.UUID, reason string) (*models.Dispute, error) {
	task, err := c.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if _, err := ProposeTransition(task, ActionDispute, actor); err != nil {
		return nil, err
	}

	tx, err := c.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	moved, err := c.Tasks.TransitionTx(ctx, tx, task.ID, task.Status, models.TaskStatusDisputed)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, ErrStateConflict
	}
	dispute := &models.Dispute{
		ID:       uuid.New(),
		TaskID:   task.ID,
		OpenedBy: actor.ID,
		Reason:   reason,
		Status:   models.DisputeStatusOpen,
	}
	if err := c.Disputes.CreateTx(ctx, tx, dispute); err != nil {
		return nil, err
	}
	meta, _ := json.Marshal(map[string]string{"dispute_id": dispute.ID.String()})
	if err := c.audit(ctx, tx, models.AuditEntityTask, task.ID, task.Status, models.TaskStatusDisputed, actor.ID, meta); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	c.notify("dispute.opened", dispute)
	return dispute, nil
}

// ResolveDispute lets a mediator settle a contested task: release pays the
// worker and completes the task, refund pays the client back and cancels
// it. The dispute's own open -> resolved CAS picks the single winning
// resolution; a second call returns ErrAlreadyProcessed with funds
// untouched.
func (c *Coordinator) ResolveDispute(ctx context.Context, actor Actor, disputeID uuid.UUID, resolution, idemKey string) error {
	dispute, err := c.Disputes.GetByID(ctx, disputeID)
	if err != nil {
		return err
	}
	if dispute.Status == models.DisputeStatusResolved {
		return ErrAlreadyProcessed
	}
	task, err := c.Tasks.GetByID(ctx, dispute.TaskID)
	if err != nil {
		return err
	}

	var action, taskTo string
	switch resolution {
	case models.DisputeResolutionRelease:
		action, taskTo = ActionResolveRelease, models.TaskStatusCompleted
	case models.DisputeResolutionRefund:
		action, taskTo = ActionResolveRefund, models.TaskStatusCancelled
	default:
		return ErrValidation
	}
	if _, err := ProposeTransition(task, action, actor); err != nil {
		return err
	}

	tx, err := c.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := c.claimKey(ctx, tx, actor.ID, opResolve, idemKey); err != nil {
		return err
	}
	resolved, err := c.Disputes.ResolveTx(ctx, tx, dispute.ID, resolution, actor.ID)
	if err != nil {
		return err
	}
	if !resolved {
		return ErrAlreadyProcessed
	}
	moved, err := c.Tasks.TransitionTx(ctx, tx, task.ID, models.TaskStatusDisputed, taskTo)
	if err != nil {
		return err
	}
	if !moved {
		return ErrStateConflict
	}

	var settled bool
	if resolution == models.DisputeResolutionRelease {
		if task.WorkerID == nil {
			return &LedgerInvariantViolation{TaskID: task.ID, BountyCents: task.BountyCents}
		}
		settled, err = c.Ledger.Release(ctx, tx, task.ID, *task.WorkerID)
	} else {
		settled, err = c.Ledger.Refund(ctx, tx, task.ID, task.ClientID)
	}
	if err != nil {
		return err
	}
	if !settled {
		return &LedgerInvariantViolation{TaskID: task.ID, BountyCents: task.BountyCents}
	}

	meta, _ := json.Marshal(map[string]string{"resolution": resolution})
	if err := c.audit(ctx, tx, models.AuditEntityDispute, dispute.ID, models.DisputeStatusOpen, models.DisputeStatusResolved, actor.ID, meta); err != nil {
		return err
	}
	if err := c.audit(ctx, tx, models.AuditEntityTask, task.ID, models.TaskStatusDisputed, taskTo, actor.ID, meta); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	c.notify("dispute.resolved", map[string]string{"dispute_id": dispute.ID.String(), "resolution": resolution})
	return nil
}

// ExecuteWithdrawal debits the actor's available balance, records the
// withdrawal and enqueues the gateway transfer — debit, row and job commit
// in the same transaction, so a crash can never debit without a queued
// transfer or queue a transfer without a debit.
func (c *Coordinator) ExecuteWithdrawal(ctx context.Context, actor Actor, amountCents int64, idemKey string) (*models.Withdrawal, error) {
	if amountCents <= 0 {
		return nil, ErrValidation
	}

	tx, err := c.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := c.claimKey(ctx, tx, actor.ID, opWithdrawal, idemKey); err != nil {
		return nil, err
	}
	debited, err := c.Balances.DebitTx(ctx, tx, actor.ID, amountCents)
	if err != nil {
		return nil, err
	}
	if !debited {
		return nil, ErrInsufficientFunds
	}
	withdrawal := &models.Withdrawal{
		ID:          uuid.New(),
		UserID:      actor.ID,
		AmountCents: amountCents,
		Status:      models.WithdrawalStatusPending,
	}
	if err := c.Withdrawals.CreateTx(ctx, tx, withdrawal); err != nil {
		return nil, err
	}
	if err := c.audit(ctx, tx, models.AuditEntityWithdrawal, withdrawal.ID, "", models.WithdrawalStatusPending, actor.ID, nil); err != nil {
		return nil, err
	}
	if err := c.EnqueueTransfer(ctx, tx, execution.TransferJobArgs{
		WithdrawalID: withdrawal.ID,
		UserID:       actor.ID,
		AmountCents:  amountCents,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	c.notify("withdrawal.requested", withdrawal)
	return withdrawal, nil
}

// MarkTransferInitiated implements execution.WithdrawalService.
func (c *Coordinator) MarkTransferInitiated(ctx context.Context, withdrawalID uuid.UUID, gatewayRef string) error {
	return c.Withdrawals.MarkProcessing(ctx, withdrawalID, gatewayRef)
}

// FailWithdrawal implements execution.WithdrawalService: terminal transfer
// failure marks the withdrawal failed and re-credits the balance in one
// transaction. Idempotent: a withdrawal already terminal is left alone.
func (c *Coordinator) FailWithdrawal(ctx context.Context, withdrawalID uuid.UUID, reason string) error {
	tx, err := c.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	userID, amountCents, failed, err := c.Withdrawals.MarkFailedTx(ctx, tx, withdrawalID, reason)
	if err != nil {
		return err
	}
	if !failed {
		return nil
	}
	if _, err := c.Balances.CreditTx(ctx, tx, userID, amountCents); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]string{"reason": reason})
	if err := c.audit(ctx, tx, models.AuditEntityWithdrawal, withdrawalID, models.WithdrawalStatusPending, models.WithdrawalStatusFailed, SystemActor.ID, meta); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	c.notify("withdrawal.failed", map[string]string{"withdrawal_id": withdrawalID.String(), "reason": reason})
	return nil
}

// CompleteTransfer handles the gateway's transfer_completed webhook.
// Redeliveries find the withdrawal already completed and are no-ops. A
// completion event for a withdrawal already marked failed means the user was
// both re-credited and paid by the gateway; the row stays failed and the
// conflict surfaces as ErrWithdrawalNeedsReview.
func (c *Coordinator) CompleteTransfer(ctx context.Context, withdrawalID uuid.UUID) error {
	changed, err := c.Withdrawals.MarkCompleted(ctx, withdrawalID)
	if err != nil {
		return err
	}
	if !changed {
		w, err := c.Withdrawals.GetByID(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if w.Status == models.WithdrawalStatusFailed {
			c.logger().Error("transfer completed for a failed withdrawal",
				"withdrawal_id", withdrawalID, "user_id", w.UserID, "amount_cents", w.AmountCents)
			return ErrWithdrawalNeedsReview
		}
		return ErrAlreadyProcessed
	}
	c.notify("withdrawal.completed", map[string]string{"withdrawal_id": withdrawalID.String()})
	return nil
}
