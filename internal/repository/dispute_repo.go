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

// ErrDisputeAlreadyOpen is returned when a second dispute is opened on a
// task that already has one open (partial unique index violation).
var ErrDisputeAlreadyOpen = errors.New("dispute already open for task")

type DisputeRepo struct {
	pool *pgxpool.Pool
}

func NewDisputeRepo(pool *pgxpool.Pool) *DisputeRepo {
	return &DisputeRepo{pool: pool}
}

const disputeColumns = `id, task_id, opened_by, reason, status, resolution, resolved_by, created_at, resolved_at`

func scanDispute(row pgx.Row) (*models.Dispute, error) {
	var d models.Dispute
	err := row.Scan(&d.ID, &d.TaskID, &d.OpenedBy, &d.Reason, &d.Status, &d.Resolution, &d.ResolvedBy, &d.CreatedAt, &d.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateTx inserts an open dispute. The partial unique index on
// disputes(task_id) WHERE status = 'open' guarantees at most one open
// dispute per task; a violation maps to ErrDisputeAlreadyOpen.
func (r *DisputeRepo) CreateTx(ctx context.Context, tx pgx.Tx, d *models.Dispute) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO disputes (id, task_id, opened_by, reason, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, d.ID, d.TaskID, d.OpenedBy, d.Reason, models.DisputeStatusOpen).Scan(&d.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDisputeAlreadyOpen
		}
		return err
	}
	return nil
}

func (r *DisputeRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	return scanDispute(r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
}

// GetByIDTx reads the dispute inside the given transaction.
func (r *DisputeRepo) GetByIDTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Dispute, error) {
	return scanDispute(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
}

// ResolveTx moves the dispute open -> resolved with the given resolution.
// The conditional UPDATE lets exactly one resolution win; a second call
// matches zero rows and returns false.
func (r *DisputeRepo) ResolveTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, resolution string, resolvedBy uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE disputes SET status = $2, resolution = $3, resolved_by = $4, resolved_at = now()
		WHERE id = $1 AND status = $5
	`, id, models.DisputeStatusResolved, resolution, resolvedBy, models.DisputeStatusOpen)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
