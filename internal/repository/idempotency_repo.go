package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyRepo records client-supplied idempotency keys so actor-initiated
// retries (a re-clicked approve, a resent withdrawal) short-circuit instead
// of executing twice. Keys are claimed inside the operation's transaction:
// if the operation rolls back, the claim rolls back with it.
type IdempotencyRepo struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepo(pool *pgxpool.Pool) *IdempotencyRepo {
	return &IdempotencyRepo{pool: pool}
}

// ClaimTx inserts the key for (actor, operation). Returns false when the key
// was already claimed, i.e. this is a duplicate request.
func (r *IdempotencyRepo) ClaimTx(ctx context.Context, tx pgx.Tx, actorID uuid.UUID, operation, key string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO idempotency_keys (actor_id, operation, idem_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (actor_id, operation, idem_key) DO NOTHING
	`, actorID, operation, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
