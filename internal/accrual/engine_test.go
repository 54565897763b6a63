package accrual_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yieldsim/backend/internal/accrual"
	"github.com/yieldsim/backend/internal/events"
	"github.com/yieldsim/backend/internal/ledger"
	"github.com/yieldsim/backend/internal/lifecycle"
	"github.com/yieldsim/backend/internal/memstore"
	"github.com/yieldsim/backend/internal/models"
	"github.com/yieldsim/backend/internal/notify"
	"github.com/yieldsim/backend/internal/positions"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func noWait(int) time.Duration { return 0 }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) ofType(t string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	store     *memstore.Store
	ledger    ledger.Service
	publisher *recordingPublisher
	account   uuid.UUID

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     memstore.New(),
		publisher: &recordingPublisher{},
		now:       time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC),
	}
	f.store.Now = f.clock
	f.ledger = ledger.NewService(f.store.Accounts(), f.store.Ledger(), nil)
	f.account = f.store.PutAccount(models.Account{Email: "investor@example.com"}).ID
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) engine(opts ...func(*accrual.Deps)) *accrual.Engine {
	n := notify.New(f.store.Notifications(), nil, notify.WithAttempts(1), notify.WithBackoff(noWait))
	mgr := lifecycle.NewManager(lifecycle.Deps{
		DB:        f.store,
		Positions: f.store.Positions(),
		Catalog:   f.store.Catalog(),
		Ledger:    f.ledger,
		Notifier:  n,
		Now:       f.clock,
	})
	d := accrual.Deps{
		DB:          f.store,
		Scanner:     positions.NewScanner(f.store.Positions()),
		Positions:   f.store.Positions(),
		Ledger:      f.ledger,
		Notifier:    n,
		Lifecycle:   mgr,
		Publisher:   f.publisher,
		Now:         f.clock,
		MaxAttempts: 3,
		BackoffBase: time.Microsecond,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return accrual.NewEngine(d)
}

func (f *fixture) bot(principal, daily string) models.Position {
	return f.store.PutPosition(models.Position{
		AccountID:   f.account,
		Kind:        models.KindTradingBot,
		Principal:   dec(principal),
		DailyProfit: dec(daily),
		CopyRatio:   dec("1"),
		StartAt:     f.clock(),
		Active:      true,
	})
}

func (f *fixture) profitEntries(positionID uuid.UUID) []models.LedgerEntry {
	var out []models.LedgerEntry
	for _, e := range f.store.Entries() {
		if e.Kind == models.EntryProfitCredit && e.PositionID != nil && *e.PositionID == positionID {
			out = append(out, e)
		}
	}
	return out
}

func TestTickCreditsTradingBot(t *testing.T) {
	f := newFixture(t)
	pos := f.bot("1000", "25")

	report, err := f.engine().RunTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "2026-03-01", report.Period)
	assert.Equal(t, 1, report.PositionsProcessed)
	assert.Equal(t, 1, report.PositionsCredited)
	assert.Equal(t, 1, report.Attempts)
	assert.Empty(t, report.Errors)

	assert.True(t, dec("25").Equal(f.store.Account(f.account).Balance))
	assert.True(t, dec("25").Equal(f.store.Position(pos.ID).CumulativeEarned))

	entries := f.profitEntries(pos.ID)
	require.Len(t, entries, 1)
	assert.True(t, dec("25").Equal(entries[0].Amount))
	assert.Equal(t, "2026-03-01", entries[0].Period)
	assert.NotEmpty(t, entries[0].IdempotencyKey)

	notes := f.store.SentNotifications()
	require.Len(t, notes, 1)
	assert.Equal(t, f.account, notes[0].AccountID)
	assert.Contains(t, notes[0].Message, "25.00 USDT")

	credited := f.publisher.ofType(events.TypeProfitCredited)
	require.Len(t, credited, 1)
	payload := credited[0].Payload.(accrual.CreditedEvent)
	assert.Equal(t, pos.ID, payload.PositionID)
	assert.True(t, dec("25").Equal(payload.Balance))
	assert.Len(t, f.publisher.ofType(events.TypeTickCompleted), 1)
}

func TestTickCreditsCopyTrade(t *testing.T) {
	f := newFixture(t)
	trader := f.store.PutTrader(models.Trader{Name: "Alice", MonthlyReturn: dec("24"), Active: true})
	pos := f.store.PutPosition(models.Position{
		AccountID: f.account,
		Kind:      models.KindCopyTrade,
		TraderID:  &trader.ID,
		Principal: dec("2000"),
		CopyRatio: dec("0.5"),
		StartAt:   f.clock(),
		Active:    true,
	})

	report, err := f.engine().RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.PositionsCredited)

	assert.True(t, dec("8").Equal(f.store.Account(f.account).Balance))
	entries := f.profitEntries(pos.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, "8.00", entries[0].Amount.StringFixed(2))
}

func TestTickExpiresTermPosition(t *testing.T) {
	f := newFixture(t)
	start := f.clock().AddDate(0, 0, -8)
	end := start.AddDate(0, 0, 7)
	pos := f.store.PutPosition(models.Position{
		AccountID:   f.account,
		Kind:        models.KindROI,
		Principal:   dec("1000"),
		DailyProfit: dec("10"),
		StartAt:     start,
		EndAt:       &end,
		Active:      true,
	})

	report, err := f.engine().RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.PositionsExpired)
	assert.Equal(t, 0, report.PositionsCredited)

	closed := f.store.Position(pos.ID)
	assert.False(t, closed.Active)
	assert.Equal(t, models.StatusExpired, closed.Status)
	require.NotNil(t, closed.ClosedAt)
	assert.Empty(t, f.profitEntries(pos.ID))
	assert.True(t, dec("1000").Equal(f.store.Account(f.account).Balance))
	assert.Len(t, f.publisher.ofType(events.TypePositionClosed), 1)

	report, err = f.engine().RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.PositionsProcessed)
	assert.True(t, dec("1000").Equal(f.store.Account(f.account).Balance))
}

func TestTickSkipsZeroProfit(t *testing.T) {
	f := newFixture(t)
	f.bot("1000", "0")
	f.store.PutPosition(models.Position{
		AccountID:   f.account,
		Kind:        models.KindFrozen,
		Principal:   dec("500"),
		FinalAmount: dec("600"),
		StartAt:     f.clock(),
		Active:      true,
	})
	before := len(f.store.Entries())

	report, err := f.engine().RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.PositionsProcessed)
	assert.Equal(t, 2, report.PositionsSkipped)
	assert.Len(t, f.store.Entries(), before)
	assert.True(t, f.store.Account(f.account).Balance.IsZero())
	assert.Empty(t, f.store.SentNotifications())
}

func TestRepeatedTickCreditsOncePerPeriod(t *testing.T) {
	f := newFixture(t)
	pos := f.bot("1000", "25")
	e := f.engine()

	_, err := e.RunTick(context.Background())
	require.NoError(t, err)
	report, err := e.RunTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.PositionsCredited)
	assert.Equal(t, 1, report.PositionsSkipped)
	assert.Len(t, f.profitEntries(pos.ID), 1)
	assert.True(t, dec("25").Equal(f.store.Account(f.account).Balance))
}

func TestConcurrentTicksDoNotDoubleCredit(t *testing.T) {
	f := newFixture(t)
	const n = 10
	for i := 0; i < n; i++ {
		f.bot("1000", "25")
	}
	e := f.engine(func(d *accrual.Deps) { d.Workers = 4 })

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		credited int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := e.RunTick(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			credited += report.PositionsCredited
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, n, credited)
	assert.True(t, dec("250").Equal(f.store.Account(f.account).Balance))
	require.NoError(t, f.ledger.Verify(context.Background(), f.account))
}

func TestTickConservesBalance(t *testing.T) {
	f := newFixture(t)
	f.store.Fund(f.account, dec("100"))
	f.bot("1000", "25")
	f.bot("400", "3.125")
	trader := f.store.PutTrader(models.Trader{Name: "Bob", MonthlyReturn: dec("9"), Active: true})
	f.store.PutPosition(models.Position{
		AccountID: f.account, Kind: models.KindCopyTrade, TraderID: &trader.ID,
		Principal: dec("300"), CopyRatio: dec("1"), StartAt: f.clock(), Active: true,
	})

	before := f.store.Account(f.account).Balance
	entriesBefore := len(f.store.Entries())

	_, err := f.engine().RunTick(context.Background())
	require.NoError(t, err)

	sum := decimal.Zero
	for _, e := range f.store.Entries()[entriesBefore:] {
		sum = sum.Add(e.Amount)
	}
	delta := f.store.Account(f.account).Balance.Sub(before)
	assert.True(t, sum.Equal(delta), "entries %s, balance delta %s", sum, delta)
	assert.True(t, dec("29.025").Equal(delta))
	require.NoError(t, f.ledger.Verify(context.Background(), f.account))
}

func TestCumulativeEarnedGrowsByCreditedAmount(t *testing.T) {
	f := newFixture(t)
	pos := f.bot("1000", "25")
	e := f.engine()

	prev := decimal.Zero
	for day := 0; day < 3; day++ {
		_, err := e.RunTick(context.Background())
		require.NoError(t, err)
		earned := f.store.Position(pos.ID).CumulativeEarned
		assert.True(t, earned.Sub(prev).Equal(dec("25")), "day %d: %s -> %s", day, prev, earned)
		prev = earned
		f.advance(24 * time.Hour)
	}
	assert.Len(t, f.profitEntries(pos.ID), 3)
}

func TestMissingTraderIsReportedAndTickContinues(t *testing.T) {
	f := newFixture(t)
	trader := f.store.PutTrader(models.Trader{Name: "Gone", MonthlyReturn: dec("10"), Active: true})
	orphan := f.store.PutPosition(models.Position{
		AccountID: f.account, Kind: models.KindCopyTrade, TraderID: &trader.ID,
		Principal: dec("100"), CopyRatio: dec("1"), StartAt: f.clock(), Active: true,
	})
	f.store.DeleteTrader(trader.ID)
	bot := f.bot("1000", "25")

	report, err := f.engine().RunTick(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Errors, 1)
	assert.Equal(t, orphan.ID, report.Errors[0].PositionID)
	assert.Equal(t, accrual.ErrorKindDataIntegrity, report.Errors[0].ErrorKind)
	assert.Equal(t, models.KindCopyTrade, report.Errors[0].Kind)
	assert.Equal(t, 1, report.PositionsCredited)
	assert.Len(t, f.profitEntries(bot.ID), 1)
}

func TestNegativeProfitIsDataIntegrity(t *testing.T) {
	f := newFixture(t)
	pos := f.bot("1000", "-5")

	report, err := f.engine().RunTick(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, accrual.ErrorKindDataIntegrity, report.Errors[0].ErrorKind)
	assert.Empty(t, f.profitEntries(pos.ID))
	assert.True(t, f.store.Account(f.account).Balance.IsZero())
}

func TestFailedPositionRollsBackOnlyItself(t *testing.T) {
	f := newFixture(t)
	broken := f.bot("1000", "25")
	healthy := f.bot("1000", "10")
	f.store.FailFor("positions.add_earned", broken.ID, -1, errors.New("check constraint violated"))

	report, err := f.engine().RunTick(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Errors, 1)
	assert.Equal(t, broken.ID, report.Errors[0].PositionID)
	assert.Equal(t, accrual.ErrorKindInternal, report.Errors[0].ErrorKind)
	assert.Equal(t, 1, report.PositionsCredited)

	assert.Empty(t, f.profitEntries(broken.ID))
	assert.True(t, f.store.Position(broken.ID).CumulativeEarned.IsZero())
	assert.Len(t, f.profitEntries(healthy.ID), 1)
	assert.True(t, dec("10").Equal(f.store.Account(f.account).Balance))
	require.NoError(t, f.ledger.Verify(context.Background(), f.account))
}

func TestTransientScanFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	f.bot("1000", "25")
	f.store.Fail("positions.list", 1, &pgconn.PgError{Code: "08006", Message: "connection failure"})

	report, err := f.engine().RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempts)
	assert.Equal(t, 1, report.PositionsCredited)
}

func TestTransientPositionFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	pos := f.bot("1000", "25")
	f.store.FailFor("positions.lock", pos.ID, 1, &pgconn.PgError{Code: "40P01", Message: "deadlock detected"})

	report, err := f.engine().RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempts)
	assert.Equal(t, 1, report.PositionsCredited)
	assert.Empty(t, report.Errors)
	assert.Len(t, f.profitEntries(pos.ID), 1)
}

func TestExhaustedRetriesFailTheTick(t *testing.T) {
	f := newFixture(t)
	f.bot("1000", "25")
	f.store.Fail("positions.list", -1, &pgconn.PgError{Code: "57P01", Message: "terminating connection"})

	report, err := f.engine().RunTick(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, report.Attempts)
	assert.Equal(t, 0, report.PositionsProcessed)
	assert.True(t, f.store.Account(f.account).Balance.IsZero())
}

func TestNonTransientScanFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.store.Fail("positions.list", -1, errors.New("relation \"positions\" does not exist"))

	report, err := f.engine().RunTick(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, report.Attempts)
}

func TestNotificationFailureDoesNotBlockCredit(t *testing.T) {
	f := newFixture(t)
	pos := f.bot("1000", "25")
	f.store.Fail("notifications.create", -1, errors.New("notifications table locked"))

	report, err := f.engine().RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.PositionsCredited)
	assert.Len(t, f.profitEntries(pos.ID), 1)
	assert.Empty(t, f.store.SentNotifications())
}

func TestTickReportJSONNeverHasNullErrors(t *testing.T) {
	f := newFixture(t)
	report, err := f.engine().RunTick(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, report.Errors)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}
