package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/yieldsim/backend/internal/idgen"
	"github.com/yieldsim/backend/internal/models"
	"github.com/yieldsim/backend/internal/repository"
)

var (
	// ErrInsufficientFunds is returned when a debit would drive the balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDuplicateEntry is returned when the entry's idempotency key or its
	// (position, kind, period) slot is already taken.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")
	// ErrLedgerMismatch is returned by Verify when balance and entries disagree.
	ErrLedgerMismatch = errors.New("ledger mismatch")
	ErrZeroAmount     = errors.New("amount must be non-zero")
)

// AccountStore is the account access the mutator needs.
type AccountStore interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	AddFunds(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
	DeductFunds(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
}

// EntryStore is the append-only ledger.
type EntryStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	ExistsForPeriodTx(ctx context.Context, tx pgx.Tx, positionID uuid.UUID, kind models.EntryKind, period string) (bool, error)
	BalanceAndSum(ctx context.Context, accountID uuid.UUID) (balance, sum decimal.Decimal, err error)
}

// KeySource issues idempotency keys.
type KeySource interface {
	NewKey() string
}

// Mutation is one signed balance movement. Amount is positive for credits
// and negative for debits.
type Mutation struct {
	AccountID  uuid.UUID
	Amount     decimal.Decimal
	Kind       models.EntryKind
	PositionID *uuid.UUID
	Period     string
	Memo       string
}

type Service interface {
	// Apply adjusts the balance and appends the matching entry inside tx.
	Apply(ctx context.Context, tx pgx.Tx, m Mutation) (decimal.Decimal, error)
	// Recorded reports whether the (position, kind, period) slot is taken.
	Recorded(ctx context.Context, tx pgx.Tx, positionID uuid.UUID, kind models.EntryKind, period string) (bool, error)
	// Verify checks that the account balance equals the sum of its entries.
	Verify(ctx context.Context, accountID uuid.UUID) error
}

type service struct {
	accounts AccountStore
	entries  EntryStore
	keys     KeySource
}

func NewService(accounts AccountStore, entries EntryStore, keys KeySource) Service {
	if keys == nil {
		keys = idgen.New()
	}
	return &service{accounts: accounts, entries: entries, keys: keys}
}

var _ Service = (*service)(nil)

func (s *service) Apply(ctx context.Context, tx pgx.Tx, m Mutation) (decimal.Decimal, error) {
	if m.Amount.IsZero() {
		return decimal.Zero, ErrZeroAmount
	}
	acc, err := s.accounts.GetByIDForUpdate(ctx, tx, m.AccountID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock account %s: %w", m.AccountID, err)
	}

	var newBalance decimal.Decimal
	if m.Amount.IsNegative() {
		debit := m.Amount.Neg()
		if acc.Balance.LessThan(debit) {
			return decimal.Zero, ErrInsufficientFunds
		}
		newBalance, err = s.accounts.DeductFunds(ctx, tx, m.AccountID, debit)
		if errors.Is(err, repository.ErrInsufficientBalance) {
			return decimal.Zero, ErrInsufficientFunds
		}
	} else {
		newBalance, err = s.accounts.AddFunds(ctx, tx, m.AccountID, m.Amount)
	}
	if err != nil {
		return decimal.Zero, err
	}

	entry := &models.LedgerEntry{
		ID:             uuid.New(),
		AccountID:      m.AccountID,
		PositionID:     m.PositionID,
		Kind:           m.Kind,
		Amount:         m.Amount,
		BalanceAfter:   newBalance,
		Period:         m.Period,
		IdempotencyKey: s.keys.NewKey(),
		Memo:           m.Memo,
	}
	if err := s.entries.CreateTx(ctx, tx, entry); err != nil {
		if repository.IsUniqueViolation(err) || errors.Is(err, ErrDuplicateEntry) {
			return decimal.Zero, ErrDuplicateEntry
		}
		return decimal.Zero, err
	}
	return newBalance, nil
}

func (s *service) Recorded(ctx context.Context, tx pgx.Tx, positionID uuid.UUID, kind models.EntryKind, period string) (bool, error) {
	return s.entries.ExistsForPeriodTx(ctx, tx, positionID, kind, period)
}

func (s *service) Verify(ctx context.Context, accountID uuid.UUID) error {
	balance, sum, err := s.entries.BalanceAndSum(ctx, accountID)
	if err != nil {
		return err
	}
	if !balance.Equal(sum) {
		return fmt.Errorf("%w: account %s balance %s, entries sum %s", ErrLedgerMismatch, accountID, balance, sum)
	}
	return nil
}
