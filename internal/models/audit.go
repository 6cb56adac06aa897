package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Audit entity_type enums.
const (
	AuditEntityTask       = "task"
	AuditEntityEscrow     = "escrow_record"
	AuditEntityDispute    = "dispute"
	AuditEntityWithdrawal = "withdrawal"
)

// AuditEntry is append-only. Exactly one entry is written per committed
// state transition, inside the same transaction as the transition itself.
type AuditEntry struct {
	ID         uuid.UUID       `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id"`
	OldState   string          `json:"old_state"`
	NewState   string          `json:"new_state"`
	ActorID    uuid.UUID       `json:"actor_id"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
