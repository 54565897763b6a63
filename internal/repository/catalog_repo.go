package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yieldsim/backend/internal/models"
)

// CatalogRepo reads plans and followed traders.
type CatalogRepo struct {
	pool *pgxpool.Pool
}

func NewCatalogRepo(pool *pgxpool.Pool) *CatalogRepo {
	return &CatalogRepo{pool: pool}
}

const planColumns = `id, kind, name, min_amount::text, max_amount::text, rate::text, duration_days, active, created_at`

func scanPlan(row rowScanner) (*models.Plan, error) {
	var p models.Plan
	var kind, minA, maxA, rate string
	if err := row.Scan(&p.ID, &kind, &p.Name, &minA, &maxA, &rate, &p.DurationDays, &p.Active, &p.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	p.Kind = models.Kind(kind)
	var err error
	if p.MinAmount, err = parseDecimal("min_amount", minA); err != nil {
		return nil, err
	}
	if p.MaxAmount, err = parseDecimal("max_amount", maxA); err != nil {
		return nil, err
	}
	if p.Rate, err = parseDecimal("rate", rate); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *CatalogRepo) ListPlans(ctx context.Context) ([]*models.Plan, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+planColumns+` FROM plans WHERE active ORDER BY kind, min_amount`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func (r *CatalogRepo) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	return scanPlan(r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
}

const traderColumns = `id, name, monthly_return::text, min_copy_amount::text, max_copy_amount::text, followers_count, active, created_at`

func scanTrader(row rowScanner) (*models.Trader, error) {
	var t models.Trader
	var monthly, minA, maxA string
	if err := row.Scan(&t.ID, &t.Name, &monthly, &minA, &maxA, &t.FollowersCount, &t.Active, &t.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	var err error
	if t.MonthlyReturn, err = parseDecimal("monthly_return", monthly); err != nil {
		return nil, err
	}
	if t.MinCopyAmount, err = parseDecimal("min_copy_amount", minA); err != nil {
		return nil, err
	}
	if t.MaxCopyAmount, err = parseDecimal("max_copy_amount", maxA); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *CatalogRepo) ListTraders(ctx context.Context) ([]*models.Trader, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+traderColumns+` FROM traders WHERE active ORDER BY monthly_return DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Trader
	for rows.Next() {
		t, err := scanTrader(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (r *CatalogRepo) GetTrader(ctx context.Context, id uuid.UUID) (*models.Trader, error) {
	return scanTrader(r.pool.QueryRow(ctx, `SELECT `+traderColumns+` FROM traders WHERE id = $1`, id))
}

// AdjustFollowersTx moves followers_count by delta, never below zero.
func (r *CatalogRepo) AdjustFollowersTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int) error {
	tag, err := tx.Exec(ctx, `
		UPDATE traders SET followers_count = GREATEST(followers_count + $1, 0) WHERE id = $2
	`, delta, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
