package memstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/yieldsim/backend/internal/models"
	"github.com/yieldsim/backend/internal/repository"
)

// Accounts mirrors repository.AccountRepo.
type Accounts struct{ s *Store }

// Ledger mirrors repository.LedgerRepo.
type Ledger struct{ s *Store }

// Positions mirrors repository.PositionRepo.
type Positions struct{ s *Store }

// Notifications mirrors repository.NotificationRepo.
type Notifications struct{ s *Store }

// Catalog mirrors repository.CatalogRepo.
type Catalog struct{ s *Store }

// Transfers mirrors repository.TransferRepo.
type Transfers struct{ s *Store }

func (s *Store) Accounts() *Accounts           { return &Accounts{s} }
func (s *Store) Ledger() *Ledger               { return &Ledger{s} }
func (s *Store) Positions() *Positions         { return &Positions{s} }
func (s *Store) Notifications() *Notifications { return &Notifications{s} }
func (s *Store) Catalog() *Catalog             { return &Catalog{s} }
func (s *Store) Transfers() *Transfers         { return &Transfers{s} }

// --- accounts ---

func (r *Accounts) Create(ctx context.Context, a *models.Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Balance = decimal.Zero
	a.CreatedAt = r.s.Now()
	a.UpdatedAt = a.CreatedAt
	return r.s.write(func(st *state) error {
		for _, other := range st.accounts {
			if strings.EqualFold(other.Email, a.Email) {
				return uniqueViolation("accounts_email_key")
			}
		}
		st.accounts[a.ID] = *a
		return nil
	})
}

func (r *Accounts) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var (
		a  models.Account
		ok bool
	)
	r.s.read(func(st *state) { a, ok = st.accounts[id] })
	if !ok {
		return nil, notFoundErr("account", id)
	}
	return &a, nil
}

func (r *Accounts) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	var found *models.Account
	r.s.read(func(st *state) {
		for _, a := range st.accounts {
			if strings.EqualFold(a.Email, email) {
				cp := a
				found = &cp
				return
			}
		}
	})
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (r *Accounts) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	st := r.s.stateFor(tx)
	a, ok := st.accounts[id]
	if !ok {
		return nil, notFoundErr("account", id)
	}
	return &a, nil
}

func (r *Accounts) AddFunds(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	st := r.s.stateFor(tx)
	if err := r.s.takeFault("accounts.add", id); err != nil {
		return decimal.Zero, err
	}
	a, ok := st.accounts[id]
	if !ok {
		return decimal.Zero, notFoundErr("account", id)
	}
	a.Balance = a.Balance.Add(amount)
	a.UpdatedAt = r.s.Now()
	st.accounts[id] = a
	return a.Balance, nil
}

func (r *Accounts) DeductFunds(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	st := r.s.stateFor(tx)
	a, ok := st.accounts[id]
	if !ok || a.Balance.LessThan(amount) {
		return decimal.Zero, repository.ErrInsufficientBalance
	}
	a.Balance = a.Balance.Sub(amount)
	a.UpdatedAt = r.s.Now()
	st.accounts[id] = a
	return a.Balance, nil
}

// --- ledger ---

func (r *Ledger) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	st := r.s.stateFor(tx)
	failID := e.AccountID
	if e.PositionID != nil {
		failID = *e.PositionID
	}
	if err := r.s.takeFault("ledger.create", failID); err != nil {
		return err
	}
	for _, other := range st.entries {
		if other.IdempotencyKey == e.IdempotencyKey {
			return uniqueViolation("ledger_entries_idempotency_key_key")
		}
		if e.PositionID != nil && e.Period != "" && other.PositionID != nil &&
			*other.PositionID == *e.PositionID && other.Kind == e.Kind && other.Period == e.Period {
			return uniqueViolation("ledger_entries_position_period_uq")
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = r.s.Now()
	st.entries = append(st.entries, *e)
	return nil
}

func (r *Ledger) ExistsForPeriodTx(ctx context.Context, tx pgx.Tx, positionID uuid.UUID, kind models.EntryKind, period string) (bool, error) {
	st := r.s.stateFor(tx)
	for _, e := range st.entries {
		if e.PositionID != nil && *e.PositionID == positionID && e.Kind == kind && e.Period == period {
			return true, nil
		}
	}
	return false, nil
}

func (r *Ledger) BalanceAndSum(ctx context.Context, accountID uuid.UUID) (balance, sum decimal.Decimal, err error) {
	var ok bool
	r.s.read(func(st *state) {
		var a models.Account
		a, ok = st.accounts[accountID]
		balance = a.Balance
		for _, e := range st.entries {
			if e.AccountID == accountID {
				sum = sum.Add(e.Amount)
			}
		}
	})
	if !ok {
		return decimal.Zero, decimal.Zero, notFoundErr("account", accountID)
	}
	return balance, sum, nil
}

func (r *Ledger) ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	var out []*models.LedgerEntry
	r.s.read(func(st *state) {
		for i := len(st.entries) - 1; i >= 0; i-- {
			if st.entries[i].AccountID == accountID {
				cp := st.entries[i]
				out = append(out, &cp)
			}
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- positions ---

func (r *Positions) CreateTx(ctx context.Context, tx pgx.Tx, p *models.Position) error {
	st := r.s.stateFor(tx)
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Active = true
	p.Status = models.StatusActive
	p.CreatedAt = r.s.Now()
	st.positions[p.ID] = *p
	return nil
}

func (r *Positions) ListActive(ctx context.Context, kind models.Kind) ([]models.Position, error) {
	if err := r.s.takeFault("positions.list", uuid.Nil); err != nil {
		return nil, err
	}
	var out []models.Position
	r.s.read(func(st *state) {
		for _, p := range st.positions {
			if p.Kind == kind && p.Active {
				out = append(out, r.s.withContext(st, p))
			}
		}
	})
	sortPositions(out)
	return out, nil
}

func (r *Positions) ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]models.Position, error) {
	var out []models.Position
	r.s.read(func(st *state) {
		for _, p := range st.positions {
			if p.AccountID == accountID {
				out = append(out, r.s.withContext(st, p))
			}
		}
	})
	sortPositions(out)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LockTx is a no-op: transactions are already serialized.
func (r *Positions) LockTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	r.s.stateFor(tx)
	return r.s.takeFault("positions.lock", id)
}

func (r *Positions) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Position, error) {
	st := r.s.stateFor(tx)
	p, ok := st.positions[id]
	if !ok {
		return nil, notFoundErr("position", id)
	}
	p = r.s.withContext(st, p)
	return &p, nil
}

func (r *Positions) AddEarnedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	st := r.s.stateFor(tx)
	if err := r.s.takeFault("positions.add_earned", id); err != nil {
		return decimal.Zero, err
	}
	p, ok := st.positions[id]
	if !ok || !p.Active {
		return decimal.Zero, notFoundErr("active position", id)
	}
	p.CumulativeEarned = p.CumulativeEarned.Add(amount)
	st.positions[id] = p
	return p.CumulativeEarned, nil
}

func (r *Positions) CloseTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, closedAt time.Time) (bool, error) {
	st := r.s.stateFor(tx)
	p, ok := st.positions[id]
	if !ok || !p.Active {
		return false, nil
	}
	p.Active = false
	p.Status = status
	p.ClosedAt = &closedAt
	st.positions[id] = p
	return true, nil
}

// --- notifications ---

func (r *Notifications) CreateTx(ctx context.Context, tx pgx.Tx, n *models.Notification) error {
	st := r.s.stateFor(tx)
	if err := r.s.takeFault("notifications.create", n.AccountID); err != nil {
		return err
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = r.s.Now()
	st.notifications = append(st.notifications, *n)
	return nil
}

func (r *Notifications) ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Notification, error) {
	var out []*models.Notification
	r.s.read(func(st *state) {
		for i := len(st.notifications) - 1; i >= 0; i-- {
			if st.notifications[i].AccountID == accountID {
				cp := st.notifications[i]
				out = append(out, &cp)
			}
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Notifications) MarkRead(ctx context.Context, accountID, id uuid.UUID) error {
	return r.s.write(func(st *state) error {
		for i := range st.notifications {
			n := &st.notifications[i]
			if n.ID == id && n.AccountID == accountID {
				n.IsRead = true
				return nil
			}
		}
		return repository.ErrNotFound
	})
}

// --- catalog ---

func (r *Catalog) ListPlans(ctx context.Context) ([]*models.Plan, error) {
	var out []*models.Plan
	r.s.read(func(st *state) {
		for _, p := range st.plans {
			if p.Active {
				cp := p
				out = append(out, &cp)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].MinAmount.LessThan(out[j].MinAmount)
	})
	return out, nil
}

func (r *Catalog) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	var (
		p  models.Plan
		ok bool
	)
	r.s.read(func(st *state) { p, ok = st.plans[id] })
	if !ok {
		return nil, notFoundErr("plan", id)
	}
	return &p, nil
}

func (r *Catalog) ListTraders(ctx context.Context) ([]*models.Trader, error) {
	var out []*models.Trader
	r.s.read(func(st *state) {
		for _, t := range st.traders {
			if t.Active {
				cp := t
				out = append(out, &cp)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].MonthlyReturn.GreaterThan(out[j].MonthlyReturn) })
	return out, nil
}

func (r *Catalog) GetTrader(ctx context.Context, id uuid.UUID) (*models.Trader, error) {
	var (
		t  models.Trader
		ok bool
	)
	r.s.read(func(st *state) { t, ok = st.traders[id] })
	if !ok {
		return nil, notFoundErr("trader", id)
	}
	return &t, nil
}

func (r *Catalog) AdjustFollowersTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int) error {
	st := r.s.stateFor(tx)
	t, ok := st.traders[id]
	if !ok {
		return notFoundErr("trader", id)
	}
	t.FollowersCount += delta
	if t.FollowersCount < 0 {
		t.FollowersCount = 0
	}
	st.traders[id] = t
	return nil
}

// --- transfers ---

func (r *Transfers) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transfer) error {
	st := r.s.stateFor(tx)
	if err := r.s.takeFault("transfers.create", t.AccountID); err != nil {
		return err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Status = models.TransferPending
	t.CreatedAt = r.s.Now()
	st.transfers[t.ID] = *t
	return nil
}

func (r *Transfers) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Transfer, error) {
	st := r.s.stateFor(tx)
	t, ok := st.transfers[id]
	if !ok {
		return nil, notFoundErr("transfer", id)
	}
	return &t, nil
}

func (r *Transfers) DecideTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status, reason, decidedBy string, at time.Time) (bool, error) {
	st := r.s.stateFor(tx)
	t, ok := st.transfers[id]
	if !ok || t.Status != models.TransferPending {
		return false, nil
	}
	t.Status = status
	t.Reason = reason
	t.DecidedBy = decidedBy
	t.DecidedAt = &at
	st.transfers[id] = t
	return true, nil
}

func (r *Transfers) ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transfer, error) {
	out := r.list(func(t models.Transfer) bool { return t.AccountID == accountID })
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Transfers) ListByStatus(ctx context.Context, status string, limit int) ([]*models.Transfer, error) {
	out := r.list(func(t models.Transfer) bool { return t.Status == status })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// list returns matching transfers oldest first.
func (r *Transfers) list(match func(models.Transfer) bool) []*models.Transfer {
	var out []*models.Transfer
	r.s.read(func(st *state) {
		for _, t := range st.transfers {
			if match(t) {
				cp := t
				out = append(out, &cp)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
