package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/bountyboard/backend/internal/gateway"
)

// TransferJobArgs is enqueued transactionally with the balance debit that
// funds the withdrawal, so a committed debit always has a pending transfer.
type TransferJobArgs struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	UserID       uuid.UUID `json:"user_id"`
	AmountCents  int64     `json:"amount_cents"`
}

func (TransferJobArgs) Kind() string { return "execute_transfer" }

func (TransferJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 4}
}

// WithdrawalService is the contract the worker needs to report transfer
// progress back to the settlement coordinator.
type WithdrawalService interface {
	MarkTransferInitiated(ctx context.Context, withdrawalID uuid.UUID, gatewayRef string) error
	FailWithdrawal(ctx context.Context, withdrawalID uuid.UUID, reason string) error
}

// TransferGateway is the payout call the worker makes.
type TransferGateway interface {
	Transfer(ctx context.Context, userID uuid.UUID, amountCents int64, idemKey string) (string, error)
}

type TransferWorker struct {
	river.WorkerDefaults[TransferJobArgs]
	svc     WithdrawalService
	gateway TransferGateway
	logger  *slog.Logger
}

func NewTransferWorker(svc WithdrawalService, gw TransferGateway, logger *slog.Logger) *TransferWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransferWorker{svc: svc, gateway: gw, logger: logger}
}

// Work initiates the gateway transfer. Retryable gateway failures are
// returned so River retries with backoff; once attempts are exhausted (or
// the failure is not retryable) the withdrawal is marked failed and the
// balance re-credited, never silently dropped. The withdrawal id is the
// transfer idempotency key, so a redelivered job cannot double-pay.
func (w *TransferWorker) Work(ctx context.Context, job *river.Job[TransferJobArgs]) error {
	args := job.Args

	ref, err := w.gateway.Transfer(ctx, args.UserID, args.AmountCents, args.WithdrawalID.String())
	if err != nil {
		var gerr *gateway.Error
		retryable := errors.As(err, &gerr) && gerr.Retryable
		lastAttempt := job.Attempt >= job.MaxAttempts

		if retryable && !lastAttempt {
			w.logger.Warn("transfer attempt failed, will retry",
				"withdrawal_id", args.WithdrawalID, "attempt", job.Attempt, "error", err)
			return err
		}

		w.logger.Error("transfer failed permanently, refunding balance",
			"withdrawal_id", args.WithdrawalID, "error", err)
		if failErr := w.svc.FailWithdrawal(ctx, args.WithdrawalID, err.Error()); failErr != nil {
			return fmt.Errorf("transfer failed (%v) and marking withdrawal failed: %w", err, failErr)
		}
		return nil
	}

	if err := w.svc.MarkTransferInitiated(ctx, args.WithdrawalID, ref); err != nil {
		return fmt.Errorf("mark transfer initiated: %w", err)
	}
	return nil
}
