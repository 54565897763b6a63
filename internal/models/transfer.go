package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferKind separates money entering the platform from money leaving it.
type TransferKind string

const (
	TransferDeposit    TransferKind = "deposit"
	TransferWithdrawal TransferKind = "withdrawal"
)

const (
	TransferPending   = "pending"
	TransferCompleted = "completed"
	TransferRejected  = "rejected"
)

// Transfer is a deposit or withdrawal request waiting on an operator.
// Withdrawals debit the balance when requested; deposits credit it only
// once approved.
type Transfer struct {
	ID        uuid.UUID       `json:"id"`
	AccountID uuid.UUID       `json:"account_id"`
	Kind      TransferKind    `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	// Reference is the on-chain hash for deposits and the payout address
	// for withdrawals.
	Reference string     `json:"reference"`
	Reason    string     `json:"reason,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}
