package models

import (
	"time"

	"github.com/google/uuid"
)

// Escrow record status enums. A record moves exactly once from held to a
// terminal value; the gateway reference doubles as the webhook dedup key.
const (
	EscrowStatusHeld     = "held"
	EscrowStatusReleased = "released"
	EscrowStatusRefunded = "refunded"
)

type EscrowRecord struct {
	ID          uuid.UUID `json:"id"`
	TaskID      uuid.UUID `json:"task_id"`
	ClientID    uuid.UUID `json:"client_id"`
	AmountCents int64     `json:"amount_cents"`
	Status      string    `json:"status"`
	GatewayRef  string    `json:"gateway_ref"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
