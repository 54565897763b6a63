// Package memstore is an in-memory stand-in for the Postgres repositories,
// used by tests and local experiments. A top-level transaction works on a
// private copy of the data and holds an exclusive lock until it commits or
// rolls back, so concurrent transactions are fully serialized. Nested
// transactions behave like savepoints.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/yieldsim/backend/internal/models"
	"github.com/yieldsim/backend/internal/repository"
)

type state struct {
	accounts      map[uuid.UUID]models.Account
	positions     map[uuid.UUID]models.Position
	plans         map[uuid.UUID]models.Plan
	traders       map[uuid.UUID]models.Trader
	transfers     map[uuid.UUID]models.Transfer
	entries       []models.LedgerEntry
	notifications []models.Notification
}

func newState() *state {
	return &state{
		accounts:  make(map[uuid.UUID]models.Account),
		positions: make(map[uuid.UUID]models.Position),
		plans:     make(map[uuid.UUID]models.Plan),
		traders:   make(map[uuid.UUID]models.Trader),
		transfers: make(map[uuid.UUID]models.Transfer),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.positions {
		c.positions[k] = v
	}
	for k, v := range s.plans {
		c.plans[k] = v
	}
	for k, v := range s.traders {
		c.traders[k] = v
	}
	for k, v := range s.transfers {
		c.transfers[k] = v
	}
	c.entries = append([]models.LedgerEntry(nil), s.entries...)
	c.notifications = append([]models.Notification(nil), s.notifications...)
	return c
}

type fault struct {
	err       error
	remaining int // < 0 means every call
}

type Store struct {
	txMu sync.Mutex // held by the open top-level transaction
	mu   sync.Mutex // guards committed and faults

	committed *state
	faults    map[string]*fault
	begins    int
	Now       func() time.Time
}

func New() *Store {
	return &Store{committed: newState(), faults: make(map[string]*fault), Now: time.Now}
}

// Tx implements pgx.Tx over a private copy of the store. Only transaction
// control methods are supported; SQL methods panic.
type Tx struct {
	pgx.Tx
	store  *Store
	parent *Tx
	st     *state
	done   bool
}

// Begin starts a top-level transaction, blocking while another is open.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := s.takeFault("begin", uuid.Nil); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	s.mu.Lock()
	st := s.committed.clone()
	s.begins++
	s.mu.Unlock()
	return &Tx{store: s, st: st}, nil
}

// Begin opens a savepoint.
func (t *Tx) Begin(ctx context.Context) (pgx.Tx, error) {
	if t.done {
		return nil, pgx.ErrTxClosed
	}
	return &Tx{store: t.store, parent: t, st: t.st.clone()}, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	if t.parent == nil {
		if err := t.store.takeFault("commit", uuid.Nil); err != nil {
			t.done = true
			t.store.txMu.Unlock()
			return err
		}
	}
	t.done = true
	if t.parent != nil {
		t.parent.st = t.st
		return nil
	}
	t.store.mu.Lock()
	t.store.committed = t.st
	t.store.mu.Unlock()
	t.store.txMu.Unlock()
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	if t.parent == nil {
		t.store.txMu.Unlock()
	}
	return nil
}

func (s *Store) stateFor(tx pgx.Tx) *state {
	t, ok := tx.(*Tx)
	if !ok || t == nil || t.store != s {
		panic("memstore: operation requires a transaction from this store")
	}
	if t.done {
		panic("memstore: transaction already closed")
	}
	return t.st
}

// read runs fn against committed data.
func (s *Store) read(fn func(st *state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.committed)
}

// write mutates committed data outside any transaction.
func (s *Store) write(fn func(st *state) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.committed)
}

// Fail makes the next n calls of op fail with err; n < 0 fails every call.
// Ops: begin, commit, accounts.add, ledger.create, positions.list,
// positions.lock, positions.add_earned, notifications.create,
// transfers.create.
func (s *Store) Fail(op string, n int, err error) {
	s.FailFor(op, uuid.Nil, n, err)
}

// FailFor is Fail limited to calls about one entity id (position or account).
func (s *Store) FailFor(op string, id uuid.UUID, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[faultKey(op, id)] = &fault{err: err, remaining: n}
}

func faultKey(op string, id uuid.UUID) string {
	if id == uuid.Nil {
		return op
	}
	return op + ":" + id.String()
}

func (s *Store) takeFault(op string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range []string{faultKey(op, id), op} {
		f, ok := s.faults[key]
		if !ok || f.remaining == 0 {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
		}
		return f.err
	}
	return nil
}

// Begins reports how many top-level transactions were started.
func (s *Store) Begins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint, Message: "duplicate key value violates unique constraint"}
}

func notFoundErr(what string, id uuid.UUID) error {
	return fmt.Errorf("%s %s: %w", what, id, repository.ErrNotFound)
}

// --- seeding and inspection helpers ---

// PutAccount stores a with a zero balance.
func (s *Store) PutAccount(a models.Account) models.Account {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Balance = decimal.Zero
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.Now()
	}
	_ = s.write(func(st *state) error {
		st.accounts[a.ID] = a
		return nil
	})
	return a
}

// Fund credits the account with a deposit entry so the ledger stays balanced.
func (s *Store) Fund(accountID uuid.UUID, amount decimal.Decimal) {
	_ = s.write(func(st *state) error {
		a := st.accounts[accountID]
		a.Balance = a.Balance.Add(amount)
		st.accounts[accountID] = a
		st.entries = append(st.entries, models.LedgerEntry{
			ID:             uuid.New(),
			AccountID:      accountID,
			Kind:           models.EntryDeposit,
			Amount:         amount,
			BalanceAfter:   a.Balance,
			IdempotencyKey: uuid.NewString(),
			CreatedAt:      s.Now(),
		})
		return nil
	})
}

func (s *Store) PutPlan(p models.Plan) models.Plan {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_ = s.write(func(st *state) error {
		st.plans[p.ID] = p
		return nil
	})
	return p
}

func (s *Store) PutTrader(t models.Trader) models.Trader {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_ = s.write(func(st *state) error {
		st.traders[t.ID] = t
		return nil
	})
	return t
}

func (s *Store) DeleteTrader(id uuid.UUID) {
	_ = s.write(func(st *state) error {
		delete(st.traders, id)
		return nil
	})
}

// PutPosition stores p as given; it does not touch balances.
func (s *Store) PutPosition(p models.Position) models.Position {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = models.StatusActive
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.Now()
	}
	_ = s.write(func(st *state) error {
		st.positions[p.ID] = p
		return nil
	})
	return p
}

func (s *Store) Account(id uuid.UUID) models.Account {
	var a models.Account
	s.read(func(st *state) { a = st.accounts[id] })
	return a
}

func (s *Store) Position(id uuid.UUID) models.Position {
	var p models.Position
	s.read(func(st *state) { p = st.positions[id] })
	return p
}

func (s *Store) Trader(id uuid.UUID) models.Trader {
	var t models.Trader
	s.read(func(st *state) { t = st.traders[id] })
	return t
}

func (s *Store) Transfer(id uuid.UUID) models.Transfer {
	var t models.Transfer
	s.read(func(st *state) { t = st.transfers[id] })
	return t
}

// Entries returns every committed ledger entry in append order.
func (s *Store) Entries() []models.LedgerEntry {
	var out []models.LedgerEntry
	s.read(func(st *state) { out = append(out, st.entries...) })
	return out
}

// SentNotifications returns every committed notification in insert order.
func (s *Store) SentNotifications() []models.Notification {
	var out []models.Notification
	s.read(func(st *state) { out = append(out, st.notifications...) })
	return out
}

func (s *Store) withContext(st *state, p models.Position) models.Position {
	p.PlanName, p.TraderName, p.MonthlyReturn, p.TraderActive = "", "", nil, false
	if p.PlanID != nil {
		if pl, ok := st.plans[*p.PlanID]; ok {
			p.PlanName = pl.Name
		}
	}
	if p.TraderID != nil {
		if t, ok := st.traders[*p.TraderID]; ok {
			r := t.MonthlyReturn
			p.TraderName = t.Name
			p.MonthlyReturn = &r
			p.TraderActive = t.Active
		}
	}
	return p
}

func sortPositions(list []models.Position) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID.String() < list[j].ID.String()
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
