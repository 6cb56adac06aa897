package models

import (
	"time"

	"github.com/google/uuid"
)

// Task status enums. Terminal states are completed and cancelled; a task is
// never deleted, only transitioned.
const (
	TaskStatusDraft      = "draft"
	TaskStatusOpen       = "open"
	TaskStatusAssigned   = "assigned"
	TaskStatusInProgress = "in_progress"
	TaskStatusSubmitted  = "submitted"
	TaskStatusDisputed   = "disputed"
	TaskStatusCompleted  = "completed"
	TaskStatusCancelled  = "cancelled"
)

type Task struct {
	ID          uuid.UUID  `json:"id"`
	ClientID    uuid.UUID  `json:"client_id"`
	WorkerID    *uuid.UUID `json:"worker_id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	BountyCents int64      `json:"bounty_cents"`
	Currency    string     `json:"currency"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	// Frozen is set by the reconciler when the conservation check fails.
	// A frozen task rejects every further transition until cleared manually.
	Frozen    bool      `json:"frozen"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(status string) bool {
	return status == TaskStatusCompleted || status == TaskStatusCancelled
}
