package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yieldsim/backend/internal/ledger"
	"github.com/yieldsim/backend/internal/memstore"
	"github.com/yieldsim/backend/internal/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixedKeys struct{ keys []string }

func (f *fixedKeys) NewKey() string {
	k := f.keys[0]
	f.keys = f.keys[1:]
	return k
}

func setup(t *testing.T, balance string) (*memstore.Store, ledger.Service, uuid.UUID) {
	t.Helper()
	store := memstore.New()
	acc := store.PutAccount(models.Account{Email: "a@example.com"})
	if balance != "0" {
		store.Fund(acc.ID, d(balance))
	}
	svc := ledger.NewService(store.Accounts(), store.Ledger(), nil)
	return store, svc, acc.ID
}

func apply(t *testing.T, store *memstore.Store, svc ledger.Service, m ledger.Mutation) (decimal.Decimal, error) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	bal, err := svc.Apply(ctx, tx, m)
	if err != nil {
		return bal, err
	}
	require.NoError(t, tx.Commit(ctx))
	return bal, nil
}

func TestApplyCredit(t *testing.T) {
	store, svc, id := setup(t, "100")
	pos := uuid.New()

	bal, err := apply(t, store, svc, ledger.Mutation{
		AccountID: id, Amount: d("25"), Kind: models.EntryProfitCredit, PositionID: &pos, Period: "2026-10-16",
	})
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("125")), "balance %s", bal)
	assert.True(t, store.Account(id).Balance.Equal(d("125")))

	entries := store.Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, models.EntryProfitCredit, last.Kind)
	assert.True(t, last.Amount.Equal(d("25")))
	assert.True(t, last.BalanceAfter.Equal(d("125")))
	assert.NotEmpty(t, last.IdempotencyKey)
	assert.Equal(t, "2026-10-16", last.Period)
}

func TestApplyDebit(t *testing.T) {
	store, svc, id := setup(t, "100")

	bal, err := apply(t, store, svc, ledger.Mutation{AccountID: id, Amount: d("-40"), Kind: models.EntryPrincipalDebit})
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("60")))
}

func TestApplyInsufficientFunds(t *testing.T) {
	store, svc, id := setup(t, "10")

	_, err := apply(t, store, svc, ledger.Mutation{AccountID: id, Amount: d("-10.00000001"), Kind: models.EntryWithdrawal})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.True(t, store.Account(id).Balance.Equal(d("10")), "balance must be unchanged")
	assert.Len(t, store.Entries(), 1, "only the funding deposit")
}

func TestApplyZeroAmount(t *testing.T) {
	store, svc, id := setup(t, "10")
	_, err := apply(t, store, svc, ledger.Mutation{AccountID: id, Amount: decimal.Zero, Kind: models.EntryDeposit})
	assert.ErrorIs(t, err, ledger.ErrZeroAmount)
}

func TestApplyDuplicatePeriod(t *testing.T) {
	store, svc, id := setup(t, "0")
	pos := uuid.New()
	m := ledger.Mutation{AccountID: id, Amount: d("5"), Kind: models.EntryProfitCredit, PositionID: &pos, Period: "2026-10-16"}

	_, err := apply(t, store, svc, m)
	require.NoError(t, err)
	_, err = apply(t, store, svc, m)
	assert.ErrorIs(t, err, ledger.ErrDuplicateEntry)

	assert.True(t, store.Account(id).Balance.Equal(d("5")), "second credit rolled back")
}

func TestApplyDuplicateIdempotencyKey(t *testing.T) {
	store := memstore.New()
	acc := store.PutAccount(models.Account{Email: "k@example.com"})
	svc := ledger.NewService(store.Accounts(), store.Ledger(), &fixedKeys{keys: []string{"K1", "K1"}})

	_, err := apply(t, store, svc, ledger.Mutation{AccountID: acc.ID, Amount: d("1"), Kind: models.EntryDeposit})
	require.NoError(t, err)
	_, err = apply(t, store, svc, ledger.Mutation{AccountID: acc.ID, Amount: d("1"), Kind: models.EntryDeposit})
	assert.ErrorIs(t, err, ledger.ErrDuplicateEntry)
}

func TestApplyUnknownAccount(t *testing.T) {
	store, svc, _ := setup(t, "0")
	_, err := apply(t, store, svc, ledger.Mutation{AccountID: uuid.New(), Amount: d("1"), Kind: models.EntryDeposit})
	assert.Error(t, err)
}

func TestRecorded(t *testing.T) {
	store, svc, id := setup(t, "0")
	pos := uuid.New()
	_, err := apply(t, store, svc, ledger.Mutation{AccountID: id, Amount: d("3"), Kind: models.EntryProfitCredit, PositionID: &pos, Period: "p1"})
	require.NoError(t, err)

	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	ok, err := svc.Recorded(ctx, tx, pos, models.EntryProfitCredit, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.Recorded(ctx, tx, pos, models.EntryProfitCredit, "p2")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestLedgerIntegrity runs a mixed sequence of mutations and checks that the
// stored balance always equals the signed sum of the account's entries.
func TestLedgerIntegrity(t *testing.T) {
	store, svc, id := setup(t, "1000")
	pos := uuid.New()

	steps := []ledger.Mutation{
		{AccountID: id, Amount: d("-500"), Kind: models.EntryPrincipalDebit, PositionID: &pos},
		{AccountID: id, Amount: d("12.5"), Kind: models.EntryProfitCredit, PositionID: &pos, Period: "d1"},
		{AccountID: id, Amount: d("12.5"), Kind: models.EntryProfitCredit, PositionID: &pos, Period: "d2"},
		{AccountID: id, Amount: d("-2000"), Kind: models.EntryWithdrawal},
		{AccountID: id, Amount: d("500"), Kind: models.EntryPrincipalRefund, PositionID: &pos, Period: models.PeriodClose},
	}
	for i, m := range steps {
		_, err := apply(t, store, svc, m)
		if err != nil && !errors.Is(err, ledger.ErrInsufficientFunds) {
			t.Fatalf("step %d: %v", i, err)
		}
		require.NoError(t, svc.Verify(context.Background(), id), "after step %d", i)
	}
	assert.True(t, store.Account(id).Balance.Equal(d("1025")))
}

func TestVerifyDetectsMismatch(t *testing.T) {
	store, svc, id := setup(t, "50")
	require.NoError(t, svc.Verify(context.Background(), id))

	// Move money without an entry.
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = store.Accounts().AddFunds(ctx, tx, id, d("1"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	err = svc.Verify(ctx, id)
	assert.ErrorIs(t, err, ledger.ErrLedgerMismatch)
}
