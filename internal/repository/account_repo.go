package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/yieldsim/backend/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

const accountColumns = `id, email, display_name, password_hash, balance::text, disabled, created_at, updated_at`

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	var balance string
	if err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.PasswordHash, &balance, &a.Disabled, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	b, err := parseDecimal("balance", balance)
	if err != nil {
		return nil, err
	}
	a.Balance = b
	return &a, nil
}

// Create inserts an account with a zero balance. Funds only arrive through
// ledger entries.
func (r *AccountRepo) Create(ctx context.Context, a *models.Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Balance = decimal.Zero
	return r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, a.ID, a.Email, a.DisplayName, a.PasswordHash).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
}

// GetByIDForUpdate locks the account row for update. Call within a transaction.
func (r *AccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

// AddFunds adds amount to the account and returns the new balance.
func (r *AccountRepo) AddFunds(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	var s string
	err := tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance + $1::numeric, updated_at = now()
		WHERE id = $2
		RETURNING balance::text
	`, amount.String(), id).Scan(&s)
	if err != nil {
		return decimal.Zero, notFound(err)
	}
	return parseDecimal("balance", s)
}

// DeductFunds atomically deducts amount if balance >= amount.
func (r *AccountRepo) DeductFunds(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	var s string
	err := tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance - $1::numeric, updated_at = now()
		WHERE id = $2 AND balance >= $1::numeric
		RETURNING balance::text
	`, amount.String(), id).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrInsufficientBalance
	}
	if err != nil {
		return decimal.Zero, err
	}
	return parseDecimal("balance", s)
}
