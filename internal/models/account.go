package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account is an investor's spendable balance. Balance only changes through
// the ledger service and always equals the signed sum of the account's
// ledger entries.
type Account struct {
	ID           uuid.UUID       `json:"id"`
	Email        string          `json:"email"`
	DisplayName  string          `json:"display_name"`
	PasswordHash string          `json:"-"`
	Balance      decimal.Decimal `json:"balance"`
	Disabled     bool            `json:"disabled"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
