package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bountyboard/backend/internal/models"
)

type BalanceRepo struct {
	pool *pgxpool.Pool
}

func NewBalanceRepo(pool *pgxpool.Pool) *BalanceRepo {
	return &BalanceRepo{pool: pool}
}

func (r *BalanceRepo) Get(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	var b models.Balance
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, available_cents, pending_cents, updated_at
		FROM balances WHERE user_id = $1
	`, userID).Scan(&b.UserID, &b.AvailableCents, &b.PendingCents, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreditTx atomically adds amount to the user's available balance, creating
// the row if absent. Never a read-then-write round trip.
func (r *BalanceRepo) CreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		INSERT INTO balances (user_id, available_cents)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET available_cents = balances.available_cents + $2, updated_at = now()
		RETURNING available_cents
	`, userID, amountCents).Scan(&newBalance)
	return newBalance, err
}

// DebitTx atomically deducts amount if available_cents covers it. Returns
// false when the balance is too low; the row is left untouched.
func (r *BalanceRepo) DebitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE balances SET available_cents = available_cents - $2, updated_at = now()
		WHERE user_id = $1 AND available_cents >= $2
	`, userID, amountCents)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
