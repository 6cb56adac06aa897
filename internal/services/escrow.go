package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bountyboard/backend/internal/models"
)

// EscrowRecords is the minimal escrow repository interface for the ledger.
type EscrowRecords interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.EscrowRecord) (bool, error)
	GetByTaskIDTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*models.EscrowRecord, error)
	SettleTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, to string) (int64, bool, error)
}

// Balances is the minimal balance repository interface for the ledger.
type Balances interface {
	CreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64) (int64, error)
	DebitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64) (bool, error)
}

// EscrowLedger holds task funds in custody and moves them to user balances.
// Every operation is idempotent with respect to its own completion marker:
// Hold dedups on the gateway reference, Release and Refund on the one-way
// held -> terminal transition of the escrow record.
type EscrowLedger struct {
	Records  EscrowRecords
	Balances Balances
}

func NewEscrowLedger(records EscrowRecords, balances Balances) *EscrowLedger {
	return &EscrowLedger{Records: records, Balances: balances}
}

// Hold creates the held escrow record for a captured payment. Returns false
// when a record with the same gateway reference already exists (redelivered
// webhook); no state is touched in that case. Call within a transaction.
func (l *EscrowLedger) Hold(ctx context.Context, tx pgx.Tx, taskID, clientID uuid.UUID, amountCents int64, gatewayRef string) (bool, error) {
	rec := &models.EscrowRecord{
		ID:          uuid.New(),
		TaskID:      taskID,
		ClientID:    clientID,
		AmountCents: amountCents,
		GatewayRef:  gatewayRef,
	}
	return l.Records.CreateTx(ctx, tx, rec)
}

// Release settles held funds to the worker: escrow held -> released and one
// atomic credit to the worker's available balance. A record that already
// settled is a no-op and reports false. Call within a transaction.
func (l *EscrowLedger) Release(ctx context.Context, tx pgx.Tx, taskID, workerID uuid.UUID) (bool, error) {
	amount, settled, err := l.Records.SettleTx(ctx, tx, taskID, models.EscrowStatusReleased)
	if err != nil || !settled {
		return false, err
	}
	if _, err := l.Balances.CreditTx(ctx, tx, workerID, amount); err != nil {
		return false, err
	}
	return true, nil
}

// Refund is symmetric to Release but credits the client and marks the
// record refunded.
func (l *EscrowLedger) Refund(ctx context.Context, tx pgx.Tx, taskID, clientID uuid.UUID) (bool, error) {
	amount, settled, err := l.Records.SettleTx(ctx, tx, taskID, models.EscrowStatusRefunded)
	if err != nil || !settled {
		return false, err
	}
	if _, err := l.Balances.CreditTx(ctx, tx, clientID, amount); err != nil {
		return false, err
	}
	return true, nil
}
