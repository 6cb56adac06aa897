package models

import (
	"time"

	"github.com/google/uuid"
)

// Application status enums. (task_id, worker_id) is unique; at most one
// application per task ever reaches accepted.
const (
	ApplicationStatusPending  = "pending"
	ApplicationStatusAccepted = "accepted"
	ApplicationStatusRejected = "rejected"
)

type Application struct {
	ID        uuid.UUID `json:"id"`
	TaskID    uuid.UUID `json:"task_id"`
	WorkerID  uuid.UUID `json:"worker_id"`
	Proposal  string    `json:"proposal"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
