package models

import (
	"time"

	"github.com/google/uuid"
)

// Withdrawal status enums. A withdrawal that exhausts gateway retries lands
// in failed with the balance re-credited; it is never silently dropped.
const (
	WithdrawalStatusPending    = "pending"
	WithdrawalStatusProcessing = "processing"
	WithdrawalStatusCompleted  = "completed"
	WithdrawalStatusFailed     = "failed"
)

type Withdrawal struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	AmountCents int64     `json:"amount_cents"`
	Status      string    `json:"status"`
	GatewayRef  *string   `json:"gateway_ref,omitempty"`
	FailReason  *string   `json:"fail_reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
