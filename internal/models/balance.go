package models

import (
	"time"

	"github.com/google/uuid"
)

// Balance rows are mutated exclusively through atomic increment/decrement
// SQL in the repository; nothing reads a balance and writes a computed value
// back.
type Balance struct {
	UserID         uuid.UUID `json:"user_id"`
	AvailableCents int64     `json:"available_cents"`
	PendingCents   int64     `json:"pending_cents"`
	UpdatedAt      time.Time `json:"updated_at"`
}
