package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yieldsim/backend/internal/models"
)

type TransferRepo struct {
	pool *pgxpool.Pool
}

func NewTransferRepo(pool *pgxpool.Pool) *TransferRepo {
	return &TransferRepo{pool: pool}
}

const transferSelect = `
	SELECT id, account_id, kind, amount::text, status, reference, reason, decided_by, created_at, decided_at
	FROM transfers`

func scanTransfer(row rowScanner) (*models.Transfer, error) {
	var t models.Transfer
	var kind, amount string
	if err := row.Scan(&t.ID, &t.AccountID, &kind, &amount, &t.Status, &t.Reference, &t.Reason, &t.DecidedBy, &t.CreatedAt, &t.DecidedAt); err != nil {
		return nil, notFound(err)
	}
	t.Kind = models.TransferKind(kind)
	var err error
	if t.Amount, err = parseDecimal("amount", amount); err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTransfers(rows pgx.Rows) ([]*models.Transfer, error) {
	defer rows.Close()
	var list []*models.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// CreateTx inserts a pending transfer.
func (r *TransferRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transfer) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Status = models.TransferPending
	return tx.QueryRow(ctx, `
		INSERT INTO transfers (id, account_id, kind, amount, status, reference)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
		RETURNING created_at
	`, t.ID, t.AccountID, string(t.Kind), t.Amount.String(), t.Status, t.Reference).Scan(&t.CreatedAt)
}

func (r *TransferRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Transfer, error) {
	return scanTransfer(tx.QueryRow(ctx, transferSelect+` WHERE id = $1 FOR UPDATE`, id))
}

// DecideTx moves a pending transfer to status. It reports false when the
// transfer was already decided.
func (r *TransferRepo) DecideTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status, reason, decidedBy string, at time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE transfers SET status = $2, reason = $3, decided_by = $4, decided_at = $5
		WHERE id = $1 AND status = 'pending'
	`, id, status, reason, decidedBy, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *TransferRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transfer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, transferSelect+` WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	return collectTransfers(rows)
}

// ListByStatus returns transfers in status, oldest first.
func (r *TransferRepo) ListByStatus(ctx context.Context, status string, limit int) ([]*models.Transfer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, transferSelect+` WHERE status = $1 ORDER BY created_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	return collectTransfers(rows)
}
