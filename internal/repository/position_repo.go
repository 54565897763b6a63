package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/yieldsim/backend/internal/models"
)

type PositionRepo struct {
	pool *pgxpool.Pool
}

func NewPositionRepo(pool *pgxpool.Pool) *PositionRepo {
	return &PositionRepo{pool: pool}
}

// positionSelect joins the read-only context needed to price a position.
const positionSelect = `
	SELECT p.id, p.account_id, p.kind, p.plan_id, p.trader_id,
	       p.principal::text, p.daily_profit::text, p.copy_ratio::text, p.final_amount::text, p.cumulative_earned::text,
	       p.start_at, p.end_at, p.active, p.status, p.closed_at, p.created_at,
	       COALESCE(pl.name, ''), COALESCE(t.name, ''), t.monthly_return::text, COALESCE(t.active, FALSE)
	FROM positions p
	LEFT JOIN plans pl ON pl.id = p.plan_id
	LEFT JOIN traders t ON t.id = p.trader_id`

func scanPosition(row rowScanner) (*models.Position, error) {
	var p models.Position
	var kind, principal, daily, ratio, final, earned string
	var monthly *string
	if err := row.Scan(
		&p.ID, &p.AccountID, &kind, &p.PlanID, &p.TraderID,
		&principal, &daily, &ratio, &final, &earned,
		&p.StartAt, &p.EndAt, &p.Active, &p.Status, &p.ClosedAt, &p.CreatedAt,
		&p.PlanName, &p.TraderName, &monthly, &p.TraderActive,
	); err != nil {
		return nil, notFound(err)
	}
	p.Kind = models.Kind(kind)

	var err error
	if p.Principal, err = parseDecimal("principal", principal); err != nil {
		return nil, err
	}
	if p.DailyProfit, err = parseDecimal("daily_profit", daily); err != nil {
		return nil, err
	}
	if p.CopyRatio, err = parseDecimal("copy_ratio", ratio); err != nil {
		return nil, err
	}
	if p.FinalAmount, err = parseDecimal("final_amount", final); err != nil {
		return nil, err
	}
	if p.CumulativeEarned, err = parseDecimal("cumulative_earned", earned); err != nil {
		return nil, err
	}
	if p.MonthlyReturn, err = parseOptDecimal("monthly_return", monthly); err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPositions(rows pgx.Rows) ([]models.Position, error) {
	defer rows.Close()
	var list []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

// CreateTx inserts a new active position inside the caller's transaction.
func (r *PositionRepo) CreateTx(ctx context.Context, tx pgx.Tx, p *models.Position) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Active = true
	p.Status = models.StatusActive
	return tx.QueryRow(ctx, `
		INSERT INTO positions (id, account_id, kind, plan_id, trader_id, principal, daily_profit, copy_ratio, final_amount, start_at, end_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10, $11)
		RETURNING created_at
	`, p.ID, p.AccountID, string(p.Kind), p.PlanID, p.TraderID,
		p.Principal.String(), p.DailyProfit.String(), p.CopyRatio.String(), p.FinalAmount.String(),
		p.StartAt, p.EndAt).Scan(&p.CreatedAt)
}

// ListActive returns every active position of kind with its pricing context.
func (r *PositionRepo) ListActive(ctx context.Context, kind models.Kind) ([]models.Position, error) {
	rows, err := r.pool.Query(ctx, positionSelect+` WHERE p.kind = $1 AND p.active ORDER BY p.created_at`, string(kind))
	if err != nil {
		return nil, err
	}
	return collectPositions(rows)
}

func (r *PositionRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]models.Position, error) {
	rows, err := r.pool.Query(ctx, positionSelect+` WHERE p.account_id = $1 ORDER BY p.created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	return collectPositions(rows)
}

// GetForUpdate re-reads the position and locks its row. Call within a transaction.
func (r *PositionRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Position, error) {
	return scanPosition(tx.QueryRow(ctx, positionSelect+` WHERE p.id = $1 FOR UPDATE OF p`, id))
}

// AddEarnedTx increments cumulative_earned on an active position and
// returns the new total.
func (r *PositionRepo) AddEarnedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	var s string
	err := tx.QueryRow(ctx, `
		UPDATE positions SET cumulative_earned = cumulative_earned + $1::numeric
		WHERE id = $2 AND active
		RETURNING cumulative_earned::text
	`, amount.String(), id).Scan(&s)
	if err != nil {
		return decimal.Zero, notFound(err)
	}
	return parseDecimal("cumulative_earned", s)
}

// CloseTx flips an active position to the terminal status. It reports false
// when the position was already inactive.
func (r *PositionRepo) CloseTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, closedAt time.Time) (bool, error) {
	var got uuid.UUID
	err := tx.QueryRow(ctx, `
		UPDATE positions SET active = FALSE, status = $2, closed_at = $3
		WHERE id = $1 AND active
		RETURNING id
	`, id, status, closedAt).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LockTx serializes work on one position across concurrent transactions,
// including ticks that have not yet read the row.
func (r *PositionRepo) LockTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	return AdvisoryLock(ctx, tx, "position:"+id.String())
}
