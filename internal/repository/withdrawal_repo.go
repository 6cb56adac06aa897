package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bountyboard/backend/internal/models"
)

type WithdrawalRepo struct {
	pool *pgxpool.Pool
}

func NewWithdrawalRepo(pool *pgxpool.Pool) *WithdrawalRepo {
	return &WithdrawalRepo{pool: pool}
}

const withdrawalColumns = `id, user_id, amount_cents, status, gateway_ref, fail_reason, created_at, updated_at`

func scanWithdrawal(row pgx.Row) (*models.Withdrawal, error) {
	var w models.Withdrawal
	err := row.Scan(&w.ID, &w.UserID, &w.AmountCents, &w.Status, &w.GatewayRef, &w.FailReason, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *WithdrawalRepo) CreateTx(ctx context.Context, tx pgx.Tx, w *models.Withdrawal) error {
	return tx.QueryRow(ctx, `
		INSERT INTO withdrawals (id, user_id, amount_cents, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, w.ID, w.UserID, w.AmountCents, models.WithdrawalStatusPending).Scan(&w.CreatedAt, &w.UpdatedAt)
}

func (r *WithdrawalRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	return scanWithdrawal(r.pool.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
}

// MarkProcessing records the gateway transfer reference once the transfer
// has been initiated.
func (r *WithdrawalRepo) MarkProcessing(ctx context.Context, id uuid.UUID, gatewayRef string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE withdrawals SET status = $2, gateway_ref = $3, updated_at = now()
		WHERE id = $1
	`, id, models.WithdrawalStatusProcessing, gatewayRef)
	return err
}

// MarkCompleted settles the withdrawal on the transfer_completed webhook.
// Only a pending or processing row is touched: a completed row makes the
// redelivery a no-op, and a failed row must never be resurrected here — the
// balance was already re-credited, so flipping it to completed would pay the
// user twice.
func (r *WithdrawalRepo) MarkCompleted(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE withdrawals SET status = $2, updated_at = now()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, models.WithdrawalStatusCompleted, models.WithdrawalStatusPending, models.WithdrawalStatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailedTx records the terminal failure and returns the owner and
// amount for the balance re-credit, which happens in the same transaction.
// Returns false when the withdrawal is already terminal.
func (r *WithdrawalRepo) MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) (userID uuid.UUID, amountCents int64, failed bool, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE withdrawals SET status = $2, fail_reason = $3, updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)
		RETURNING user_id, amount_cents
	`, id, models.WithdrawalStatusFailed, reason, models.WithdrawalStatusPending, models.WithdrawalStatusProcessing).Scan(&userID, &amountCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, 0, false, nil
	}
	if err != nil {
		return uuid.Nil, 0, false, err
	}
	return userID, amountCents, true, nil
}
