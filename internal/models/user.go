package models

import (
	"time"

	"github.com/google/uuid"
)

// User role enums. The role feeds the capability check; mediators are the
// only actors allowed to resolve disputes.
const (
	RoleClient   = "client"
	RoleWorker   = "worker"
	RoleMediator = "mediator"
)

type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
