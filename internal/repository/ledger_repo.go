package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/yieldsim/backend/internal/models"
)

type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// CreateTx appends an entry inside the given transaction. A duplicate
// idempotency key or (position, kind, period) fails with a unique violation.
func (r *LedgerRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	var period *string
	if e.Period != "" {
		period = &e.Period
	}
	return tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, account_id, position_id, entry_kind, amount, balance_after, period, idempotency_key, memo)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9)
		RETURNING created_at
	`, e.ID, e.AccountID, e.PositionID, string(e.Kind), e.Amount.String(), e.BalanceAfter.String(), period, e.IdempotencyKey, e.Memo).Scan(&e.CreatedAt)
}

// ExistsForPeriodTx reports whether an entry of kind already exists for the
// position and period.
func (r *LedgerRepo) ExistsForPeriodTx(ctx context.Context, tx pgx.Tx, positionID uuid.UUID, kind models.EntryKind, period string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries WHERE position_id = $1 AND entry_kind = $2 AND period = $3
		)
	`, positionID, string(kind), period).Scan(&exists)
	return exists, err
}

func (r *LedgerRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, position_id, entry_kind, amount::text, balance_after::text, COALESCE(period, ''), idempotency_key, memo, created_at
		FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC, idempotency_key DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var kind, amount, after string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.PositionID, &kind, &amount, &after, &e.Period, &e.IdempotencyKey, &e.Memo, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = models.EntryKind(kind)
		if e.Amount, err = parseDecimal("amount", amount); err != nil {
			return nil, err
		}
		if e.BalanceAfter, err = parseDecimal("balance_after", after); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

// BalanceAndSum reads the stored balance and the signed entry sum in one
// statement so both come from the same snapshot.
func (r *LedgerRepo) BalanceAndSum(ctx context.Context, accountID uuid.UUID) (balance, sum decimal.Decimal, err error) {
	var b, s string
	err = r.pool.QueryRow(ctx, `
		SELECT a.balance::text, COALESCE(SUM(e.amount), 0)::text
		FROM accounts a
		LEFT JOIN ledger_entries e ON e.account_id = a.id
		WHERE a.id = $1
		GROUP BY a.balance
	`, accountID).Scan(&b, &s)
	if err != nil {
		return decimal.Zero, decimal.Zero, notFound(err)
	}
	if balance, err = parseDecimal("balance", b); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if sum, err = parseDecimal("sum", s); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return balance, sum, nil
}
