package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bountyboard/backend/internal/models"
)

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

const escrowColumns = `id, task_id, client_id, amount_cents, status, gateway_ref, created_at, updated_at`

func scanEscrow(row pgx.Row) (*models.EscrowRecord, error) {
	var e models.EscrowRecord
	err := row.Scan(&e.ID, &e.TaskID, &e.ClientID, &e.AmountCents, &e.Status, &e.GatewayRef, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateTx inserts a held escrow record keyed by gateway_ref. Returns false
// without error when the task is already funded, so redelivered capture
// events are no-ops. The ON CONFLICT clause covers a replay of the same
// gateway_ref; a second capture carrying a new gateway_ref still trips the
// unique index on task_id, which is the same duplicate funding and also
// reports false.
func (r *EscrowRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.EscrowRecord) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO escrow_records (id, task_id, client_id, amount_cents, status, gateway_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (gateway_ref) DO NOTHING
	`, e.ID, e.TaskID, e.ClientID, e.AmountCents, models.EscrowStatusHeld, e.GatewayRef)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, nil
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *EscrowRepo) GetByTaskID(ctx context.Context, taskID uuid.UUID) (*models.EscrowRecord, error) {
	return scanEscrow(r.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_records WHERE task_id = $1`, taskID))
}

// GetByTaskIDTx reads the escrow record inside the given transaction.
func (r *EscrowRepo) GetByTaskIDTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*models.EscrowRecord, error) {
	return scanEscrow(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_records WHERE task_id = $1`, taskID))
}

// SettleTx moves the record held -> to (released or refunded) and returns
// the settled amount. Returns false when the record was not held, i.e. it
// already settled; the transition is strictly one-way.
func (r *EscrowRepo) SettleTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, to string) (int64, bool, error) {
	var amount int64
	err := tx.QueryRow(ctx, `
		UPDATE escrow_records SET status = $2, updated_at = now()
		WHERE task_id = $1 AND status = $3
		RETURNING amount_cents
	`, taskID, to, models.EscrowStatusHeld).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return amount, true, nil
}
