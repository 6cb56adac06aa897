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

// ErrDuplicateApplication is returned when a worker applies twice to the
// same task (unique index on (task_id, worker_id)).
var ErrDuplicateApplication = errors.New("worker already applied to task")

type ApplicationRepo struct {
	pool *pgxpool.Pool
}

func NewApplicationRepo(pool *pgxpool.Pool) *ApplicationRepo {
	return &ApplicationRepo{pool: pool}
}

const applicationColumns = `id, task_id, worker_id, proposal, status, created_at, updated_at`

func scanApplication(row pgx.Row) (*models.Application, error) {
	var a models.Application
	err := row.Scan(&a.ID, &a.TaskID, &a.WorkerID, &a.Proposal, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a pending application. The unique index on
// (task_id, worker_id) rejects a second application from the same worker.
func (r *ApplicationRepo) Create(ctx context.Context, a *models.Application) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO applications (id, task_id, worker_id, proposal, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, a.ID, a.TaskID, a.WorkerID, a.Proposal, models.ApplicationStatusPending).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateApplication
		}
		return err
	}
	return nil
}

func (r *ApplicationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	return scanApplication(r.pool.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id))
}

func (r *ApplicationRepo) ListByTaskID(ctx context.Context, taskID uuid.UUID) ([]*models.Application, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+applicationColumns+` FROM applications WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// AcceptTx marks the application accepted if it is still pending.
func (r *ApplicationRepo) AcceptTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE applications SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, models.ApplicationStatusAccepted, models.ApplicationStatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RejectSiblingsTx rejects every still-pending application on the task
// except the accepted one, in the same transaction as the accept.
func (r *ApplicationRepo) RejectSiblingsTx(ctx context.Context, tx pgx.Tx, taskID, acceptedID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE applications SET status = $3, updated_at = now()
		WHERE task_id = $1 AND id <> $2 AND status = $4
	`, taskID, acceptedID, models.ApplicationStatusRejected, models.ApplicationStatusPending)
	return err
}
