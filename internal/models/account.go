package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit constants carried over from the pricing policy.
const (
	// SignupBonusCredits is granted once when an account is opened.
	SignupBonusCredits int64 = 20
	// MaxCostPerTask caps both estimates and reservations.
	MaxCostPerTask int64 = 1000
)

type Account struct {
	ID        uuid.UUID `json:"id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
