package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Plan is a catalog product for the fixed-rate kinds. Rate is interpreted by
// kind: expected daily return for trading bots, daily rate for ROI plans,
// annual rate for staking and total return multiplier for frozen plans.
type Plan struct {
	ID           uuid.UUID       `json:"id"`
	Kind         Kind            `json:"kind"`
	Name         string          `json:"name"`
	MinAmount    decimal.Decimal `json:"min_amount"`
	MaxAmount    decimal.Decimal `json:"max_amount"`
	Rate         decimal.Decimal `json:"rate"`
	DurationDays int             `json:"duration_days"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Trader is a followed entity for copy trading.
type Trader struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	MonthlyReturn  decimal.Decimal `json:"monthly_return"`
	MinCopyAmount  decimal.Decimal `json:"min_copy_amount"`
	MaxCopyAmount  decimal.Decimal `json:"max_copy_amount"`
	FollowersCount int             `json:"followers_count"`
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"created_at"`
}
