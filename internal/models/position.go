package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind identifies a position variant.
type Kind string

const (
	KindTradingBot Kind = "trading_bot"
	KindCopyTrade  Kind = "copy_trade"
	KindROI        Kind = "roi"
	KindStaking    Kind = "staking"
	KindFrozen     Kind = "frozen"
)

// Kinds lists every position kind in scan order.
var Kinds = []Kind{KindTradingBot, KindCopyTrade, KindROI, KindStaking, KindFrozen}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown position kind %q", s)
}

// Position status values.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusStopped = "stopped"
)

// Position is a user's commitment of principal to one product. Principal is
// fixed at creation; CumulativeEarned only grows while the position is active.
type Position struct {
	ID               uuid.UUID       `json:"id"`
	AccountID        uuid.UUID       `json:"account_id"`
	Kind             Kind            `json:"kind"`
	PlanID           *uuid.UUID      `json:"plan_id,omitempty"`
	TraderID         *uuid.UUID      `json:"trader_id,omitempty"`
	Principal        decimal.Decimal `json:"principal"`
	DailyProfit      decimal.Decimal `json:"daily_profit"`
	CopyRatio        decimal.Decimal `json:"copy_ratio"`
	FinalAmount      decimal.Decimal `json:"final_amount"`
	CumulativeEarned decimal.Decimal `json:"cumulative_earned"`
	StartAt          time.Time       `json:"start_at"`
	EndAt            *time.Time      `json:"end_at,omitempty"`
	Active           bool            `json:"active"`
	Status           string          `json:"status"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`

	// Read-only context joined in by the scanner.
	PlanName      string           `json:"plan_name,omitempty"`
	TraderName    string           `json:"trader_name,omitempty"`
	MonthlyReturn *decimal.Decimal `json:"monthly_return,omitempty"`
	TraderActive  bool             `json:"-"`
}

// Expired reports whether the position's term has elapsed at now.
func (p *Position) Expired(now time.Time) bool {
	return p.EndAt != nil && !now.Before(*p.EndAt)
}
