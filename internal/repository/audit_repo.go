package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bountyboard/backend/internal/models"
)

// AuditRepo is append-only: entries are inserted inside the same transaction
// as the transition they record and never updated or deleted.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.AuditEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO audit_log (id, entity_type, entity_id, old_state, new_state, actor_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, e.ID, e.EntityType, e.EntityID, e.OldState, e.NewState, e.ActorID, e.Metadata).Scan(&e.CreatedAt)
}

// ListByEntity returns the committed history for one entity, oldest first.
// This is the authoritative record for dispute evidence and reconciliation.
func (r *AuditRepo) ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]*models.AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, entity_type, entity_id, old_state, new_state, actor_id, metadata, created_at
		FROM audit_log WHERE entity_type = $1 AND entity_id = $2 ORDER BY created_at
	`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.OldState, &e.NewState, &e.ActorID, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
