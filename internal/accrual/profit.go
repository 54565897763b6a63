package accrual

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/yieldsim/backend/internal/lifecycle"
	"github.com/yieldsim/backend/internal/models"
)

// ErrDataIntegrity marks a position whose stored data cannot be priced.
var ErrDataIntegrity = errors.New("data integrity")

var followedRateDivisor = decimal.NewFromInt(100 * 30)

// ComputeProfit returns the profit pos earns for one tick under policy,
// rounded to 8 places. A negative amount or a missing rate is reported as
// ErrDataIntegrity.
func ComputeProfit(policy *lifecycle.Policy, pos *models.Position) (decimal.Decimal, error) {
	var profit decimal.Decimal
	switch policy.Accrual {
	case lifecycle.AccrualNone:
		return decimal.Zero, nil
	case lifecycle.AccrualFixedDaily:
		profit = pos.DailyProfit
	case lifecycle.AccrualFollowedRate:
		if pos.MonthlyReturn == nil {
			return decimal.Zero, fmt.Errorf("%w: trader rate missing for position %s", ErrDataIntegrity, pos.ID)
		}
		if !pos.TraderActive {
			return decimal.Zero, nil
		}
		// monthly % / 100 / 30, applied before rounding
		profit = pos.Principal.Mul(*pos.MonthlyReturn).Mul(pos.CopyRatio).Div(followedRateDivisor)
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown accrual %q", ErrDataIntegrity, policy.Accrual)
	}
	profit = profit.Round(8)
	if profit.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative profit %s for position %s", ErrDataIntegrity, profit, pos.ID)
	}
	return profit, nil
}
