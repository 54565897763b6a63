package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryKind tags a ledger entry.
type EntryKind string

const (
	EntryDeposit          EntryKind = "deposit"
	EntryWithdrawal       EntryKind = "withdrawal"
	EntryWithdrawalRefund EntryKind = "withdrawal_refund"
	EntryPrincipalDebit   EntryKind = "principal_debit"
	EntryProfitCredit     EntryKind = "profit_credit"
	EntryPrincipalRefund  EntryKind = "principal_refund"
	EntryEarnedRefund     EntryKind = "earned_refund"
	EntryFinalPayout      EntryKind = "final_payout"
)

// PeriodClose is the period recorded on entries written when a position closes.
const PeriodClose = "close"

// LedgerEntry is an append-only signed balance movement.
type LedgerEntry struct {
	ID             uuid.UUID       `json:"id"`
	AccountID      uuid.UUID       `json:"account_id"`
	PositionID     *uuid.UUID      `json:"position_id,omitempty"`
	Kind           EntryKind       `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	Period         string          `json:"period,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Memo           string          `json:"memo,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
