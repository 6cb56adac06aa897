package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bountyboard/backend/internal/models"
)

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `id, client_id, worker_id, title, description, status, bounty_cents, currency, deadline, frozen, created_at, updated_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.ClientID, &t.WorkerID, &t.Title, &t.Description, &t.Status, &t.BountyCents, &t.Currency, &t.Deadline, &t.Frozen, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TaskRepo) Create(ctx context.Context, t *models.Task) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO tasks (id, client_id, worker_id, title, description, status, bounty_cents, currency, deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, t.ID, t.ClientID, t.WorkerID, t.Title, t.Description, t.Status, t.BountyCents, t.Currency, t.Deadline).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// GetByIDTx reads the task inside the given transaction.
func (r *TaskRepo) GetByIDTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// TransitionTx moves the task from->to with a conditional UPDATE. Returns
// false when zero rows matched, i.e. another actor already moved the task.
// Frozen tasks never match.
func (r *TaskRepo) TransitionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2 AND NOT frozen
	`, id, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AssignWorkerTx is the accept-application CAS: OPEN -> ASSIGNED plus the
// worker in one statement, so exactly one concurrent accept can win.
func (r *TaskRepo) AssignWorkerTx(ctx context.Context, tx pgx.Tx, id, workerID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $3, worker_id = $2, updated_at = now()
		WHERE id = $1 AND status = $4 AND worker_id IS NULL AND NOT frozen
	`, id, workerID, models.TaskStatusAssigned, models.TaskStatusOpen)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetFrozenTx flags or clears the reconciliation freeze.
func (r *TaskRepo) SetFrozenTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, frozen bool) error {
	_, err := tx.Exec(ctx, `UPDATE tasks SET frozen = $2, updated_at = now() WHERE id = $1`, id, frozen)
	return err
}

func (r *TaskRepo) ListByClientID(ctx context.Context, clientID uuid.UUID) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE client_id = $1 ORDER BY created_at DESC`, clientID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (r *TaskRepo) ListByWorkerID(ctx context.Context, workerID uuid.UUID) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE worker_id = $1 ORDER BY created_at DESC`, workerID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ListFundedIDs returns ids of every task with an escrow record, for the
// reconciler sweep.
func (r *TaskRepo) ListFundedIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT task_id FROM escrow_records ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func collectTasks(rows pgx.Rows) ([]*models.Task, error) {
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
