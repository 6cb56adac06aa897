package models

import (
	"time"

	"github.com/google/uuid"
)

// Dispute status and resolution enums. At most one open dispute per task,
// enforced by a partial unique index on disputes(task_id) WHERE status='open'.
const (
	DisputeStatusOpen     = "open"
	DisputeStatusResolved = "resolved"

	DisputeResolutionRelease = "release"
	DisputeResolutionRefund  = "refund"
)

type Dispute struct {
	ID         uuid.UUID  `json:"id"`
	TaskID     uuid.UUID  `json:"task_id"`
	OpenedBy   uuid.UUID  `json:"opened_by"`
	Reason     string     `json:"reason"`
	Status     string     `json:"status"`
	Resolution *string    `json:"resolution,omitempty"`
	ResolvedBy *uuid.UUID `json:"resolved_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
