package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/yieldsim/backend/internal/ledger"
	"github.com/yieldsim/backend/internal/models"
	"github.com/yieldsim/backend/internal/repository"
)

var (
	ErrNotFound         = errors.New("position not found")
	ErrNotStoppable     = errors.New("position kind cannot be stopped")
	ErrAlreadyClosed    = errors.New("position already closed")
	ErrAmountOutOfRange = errors.New("amount outside allowed range")
	ErrInvalidRequest   = errors.New("invalid position request")
	ErrUnavailable      = errors.New("product unavailable")
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PositionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, p *models.Position) error
	LockTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Position, error)
	CloseTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, closedAt time.Time) (bool, error)
}

type CatalogStore interface {
	GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error)
	GetTrader(ctx context.Context, id uuid.UUID) (*models.Trader, error)
	AdjustFollowersTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int) error
}

type Notifier interface {
	Notify(ctx context.Context, tx pgx.Tx, n models.Notification) error
}

// TraderInvalidator drops cached trader data after follower counts change.
type TraderInvalidator interface {
	InvalidateTrader(ctx context.Context, id uuid.UUID)
}

// Settlement describes the outcome of closing a position.
type Settlement struct {
	PositionID uuid.UUID       `json:"position_id"`
	Kind       models.Kind     `json:"kind"`
	Status     string          `json:"status"`
	Legs       []Leg           `json:"legs"`
	Total      decimal.Decimal `json:"total"`
	Balance    decimal.Decimal `json:"balance"`
	Noop       bool            `json:"noop"`
	TraderID   *uuid.UUID      `json:"-"`
}

type Deps struct {
	DB        TxBeginner
	Positions PositionStore
	Catalog   CatalogStore
	Ledger    ledger.Service
	Notifier  Notifier
	Policies  Policies
	Traders   TraderInvalidator
	Log       *slog.Logger
	Now       func() time.Time
}

// Manager opens positions and moves them to their terminal state.
type Manager struct {
	db        TxBeginner
	positions PositionStore
	catalog   CatalogStore
	ledger    ledger.Service
	notifier  Notifier
	policies  Policies
	traders   TraderInvalidator
	log       *slog.Logger
	now       func() time.Time
}

func NewManager(d Deps) *Manager {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Policies == nil {
		d.Policies = DefaultPolicies()
	}
	return &Manager{
		db:        d.DB,
		positions: d.Positions,
		catalog:   d.Catalog,
		ledger:    d.Ledger,
		notifier:  d.Notifier,
		policies:  d.Policies,
		traders:   d.Traders,
		log:       d.Log,
		now:       d.Now,
	}
}

// Policies exposes the policy table the manager settles with.
func (m *Manager) Policies() Policies { return m.policies }

// OpenRequest commits principal to a new position. PlanID is required for
// plan-backed kinds, TraderID and CopyRatio for copy trades.
type OpenRequest struct {
	AccountID uuid.UUID
	Kind      models.Kind
	PlanID    *uuid.UUID
	TraderID  *uuid.UUID
	Amount    decimal.Decimal
	CopyRatio decimal.Decimal
}

// Open validates the request against the catalog, debits the principal and
// creates the active position in one transaction.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*models.Position, error) {
	policy, err := m.policies.For(req.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	now := m.now().UTC()
	pos := &models.Position{
		ID:        uuid.New(),
		AccountID: req.AccountID,
		Kind:      req.Kind,
		Principal: req.Amount,
		CopyRatio: decimal.NewFromInt(1),
		StartAt:   now,
	}

	if req.Kind == models.KindCopyTrade {
		if err := m.prepareCopy(ctx, req, pos); err != nil {
			return nil, err
		}
	} else {
		if err := m.preparePlan(ctx, req, policy, pos, now); err != nil {
			return nil, err
		}
	}

	tx, err := m.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := m.positions.CreateTx(ctx, tx, pos); err != nil {
		return nil, fmt.Errorf("create position: %w", err)
	}
	if _, err := m.ledger.Apply(ctx, tx, ledger.Mutation{
		AccountID:  req.AccountID,
		Amount:     req.Amount.Neg(),
		Kind:       models.EntryPrincipalDebit,
		PositionID: &pos.ID,
		Memo:       string(req.Kind),
	}); err != nil {
		return nil, err
	}
	if pos.TraderID != nil {
		if err := m.catalog.AdjustFollowersTx(ctx, tx, *pos.TraderID, 1); err != nil {
			return nil, fmt.Errorf("follow trader: %w", err)
		}
	}
	if n, ok := policy.Render(EventOpened, pos, pos.Principal); ok {
		if err := m.notifier.Notify(ctx, tx, n); err != nil {
			m.log.Warn("open notification dropped", "position_id", pos.ID, "error", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if pos.TraderID != nil && m.traders != nil {
		m.traders.InvalidateTrader(ctx, *pos.TraderID)
	}
	m.log.Info("position opened", "position_id", pos.ID, "account_id", pos.AccountID, "kind", pos.Kind, "principal", pos.Principal.String())
	return pos, nil
}

func (m *Manager) prepareCopy(ctx context.Context, req OpenRequest, pos *models.Position) error {
	if req.TraderID == nil {
		return fmt.Errorf("%w: trader_id is required", ErrInvalidRequest)
	}
	trader, err := m.catalog.GetTrader(ctx, *req.TraderID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: trader %s", ErrUnavailable, req.TraderID)
	}
	if err != nil {
		return err
	}
	if !trader.Active {
		return fmt.Errorf("%w: trader %s is inactive", ErrUnavailable, trader.ID)
	}
	if req.Amount.LessThan(trader.MinCopyAmount) || req.Amount.GreaterThan(trader.MaxCopyAmount) {
		return fmt.Errorf("%w: between %s and %s", ErrAmountOutOfRange, trader.MinCopyAmount, trader.MaxCopyAmount)
	}
	ratio := req.CopyRatio
	if ratio.IsZero() {
		ratio = decimal.NewFromInt(1)
	}
	if !ratio.IsPositive() || ratio.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: copy_ratio must be in (0, 1]", ErrInvalidRequest)
	}
	pos.TraderID = &trader.ID
	pos.TraderName = trader.Name
	pos.CopyRatio = ratio
	return nil
}

func (m *Manager) preparePlan(ctx context.Context, req OpenRequest, policy *Policy, pos *models.Position, now time.Time) error {
	if req.PlanID == nil {
		return fmt.Errorf("%w: plan_id is required", ErrInvalidRequest)
	}
	plan, err := m.catalog.GetPlan(ctx, *req.PlanID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: plan %s", ErrUnavailable, req.PlanID)
	}
	if err != nil {
		return err
	}
	if plan.Kind != req.Kind {
		return fmt.Errorf("%w: plan %s is a %s plan", ErrInvalidRequest, plan.ID, plan.Kind)
	}
	if !plan.Active {
		return fmt.Errorf("%w: plan %s is inactive", ErrUnavailable, plan.ID)
	}
	if req.Amount.LessThan(plan.MinAmount) || req.Amount.GreaterThan(plan.MaxAmount) {
		return fmt.Errorf("%w: between %s and %s", ErrAmountOutOfRange, plan.MinAmount, plan.MaxAmount)
	}
	pos.PlanID = &plan.ID
	pos.PlanName = plan.Name
	pos.DailyProfit = policy.DailyProfit(req.Amount, plan.Rate)
	if policy.Payout == PayoutFinalAmount {
		pos.FinalAmount = req.Amount.Mul(plan.Rate).Round(8)
	}
	if plan.DurationDays > 0 {
		end := now.AddDate(0, 0, plan.DurationDays)
		pos.EndAt = &end
	}
	return nil
}

// Stop closes a position at the owner's request. A position whose term has
// already elapsed is settled as expired, without any early-exit penalty.
func (m *Manager) Stop(ctx context.Context, accountID, positionID uuid.UUID) (*Settlement, error) {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := m.positions.LockTx(ctx, tx, positionID); err != nil {
		return nil, err
	}
	pos, err := m.positions.GetForUpdate(ctx, tx, positionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if pos.AccountID != accountID {
		return nil, ErrNotFound
	}
	policy, err := m.policies.For(pos.Kind)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	// A matured position settles as expired whether or not the tick got to it.
	status := models.StatusStopped
	if pos.Active && pos.Expired(now) {
		status = models.StatusExpired
	} else if !policy.Stoppable {
		return nil, ErrNotStoppable
	}

	s, err := m.close(ctx, tx, pos, status, now)
	if err != nil {
		return nil, err
	}
	if s.Noop {
		return nil, ErrAlreadyClosed
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	m.Settled(ctx, s)
	return s, nil
}

// Expire closes a position whose term has elapsed. It runs inside the
// caller's transaction and expects the position row to be locked already.
// Expiring an inactive position is a no-op.
func (m *Manager) Expire(ctx context.Context, tx pgx.Tx, pos *models.Position, now time.Time) (*Settlement, error) {
	return m.close(ctx, tx, pos, models.StatusExpired, now)
}

// Settled runs post-commit bookkeeping for a settlement.
func (m *Manager) Settled(ctx context.Context, s *Settlement) {
	if s == nil || s.Noop {
		return
	}
	if s.TraderID != nil && m.traders != nil {
		m.traders.InvalidateTrader(ctx, *s.TraderID)
	}
	m.log.Info("position closed", "position_id", s.PositionID, "kind", s.Kind, "status", s.Status, "total", s.Total.String())
}

func (m *Manager) close(ctx context.Context, tx pgx.Tx, pos *models.Position, status string, now time.Time) (*Settlement, error) {
	policy, err := m.policies.For(pos.Kind)
	if err != nil {
		return nil, err
	}
	s := &Settlement{PositionID: pos.ID, Kind: pos.Kind, Status: status, Total: decimal.Zero}

	changed, err := m.positions.CloseTx(ctx, tx, pos.ID, status, now)
	if err != nil {
		return nil, fmt.Errorf("close position: %w", err)
	}
	if !changed {
		s.Noop = true
		return s, nil
	}

	for _, leg := range policy.Legs(pos, status) {
		bal, err := m.ledger.Apply(ctx, tx, ledger.Mutation{
			AccountID:  pos.AccountID,
			Amount:     leg.Amount,
			Kind:       leg.Kind,
			PositionID: &pos.ID,
			Period:     models.PeriodClose,
			Memo:       status,
		})
		if err != nil {
			return nil, fmt.Errorf("settle %s: %w", leg.Kind, err)
		}
		s.Legs = append(s.Legs, leg)
		s.Total = s.Total.Add(leg.Amount)
		s.Balance = bal
	}

	if pos.Kind == models.KindCopyTrade && pos.TraderID != nil {
		err := m.catalog.AdjustFollowersTx(ctx, tx, *pos.TraderID, -1)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("unfollow trader: %w", err)
		}
		s.TraderID = pos.TraderID
	}

	event := EventExpired
	if status == models.StatusStopped {
		event = EventStopped
	}
	if n, ok := policy.Render(event, pos, s.Total); ok {
		if err := m.notifier.Notify(ctx, tx, n); err != nil {
			m.log.Warn("close notification dropped", "position_id", pos.ID, "error", err)
		}
	}
	return s, nil
}
