package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yieldsim/backend/internal/memstore"
	"github.com/yieldsim/backend/internal/models"
	"github.com/yieldsim/backend/internal/repository"
)

func setupCache(t *testing.T) (*CachedCatalog, *memstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := memstore.New()
	return NewCachedCatalog(store.Catalog(), rdb, time.Minute, nil), store, mr
}

func TestGetTraderReadsThrough(t *testing.T) {
	c, store, mr := setupCache(t)
	ctx := context.Background()
	trader := store.PutTrader(models.Trader{Name: "Alice", MonthlyReturn: decimal.NewFromInt(24), Active: true})

	got, err := c.GetTrader(ctx, trader.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)
	assert.True(t, mr.Exists(traderKey(trader.ID)))
	ttl := mr.TTL(traderKey(trader.ID))
	assert.Equal(t, time.Minute, ttl)

	// A stale primary is not visible until invalidation.
	trader.Name = "Alice Renamed"
	store.PutTrader(trader)
	got, err = c.GetTrader(ctx, trader.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)

	c.InvalidateTrader(ctx, trader.ID)
	got, err = c.GetTrader(ctx, trader.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice Renamed", got.Name)
}

func TestGetTraderMissing(t *testing.T) {
	c, _, mr := setupCache(t)
	_, err := c.GetTrader(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Empty(t, mr.Keys())
}

func TestListTradersCachedAndInvalidated(t *testing.T) {
	c, store, mr := setupCache(t)
	ctx := context.Background()
	a := store.PutTrader(models.Trader{Name: "A", Active: true})

	list, err := c.ListTraders(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, mr.Exists(tradersKey))

	store.PutTrader(models.Trader{Name: "B", Active: true})
	list, err = c.ListTraders(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	c.InvalidateTrader(ctx, a.ID)
	assert.False(t, mr.Exists(tradersKey))
	list, err = c.ListTraders(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCorruptEntryFallsBackToPrimary(t *testing.T) {
	c, store, mr := setupCache(t)
	trader := store.PutTrader(models.Trader{Name: "Carol", Active: true})
	require.NoError(t, mr.Set(traderKey(trader.ID), "{not json"))

	got, err := c.GetTrader(context.Background(), trader.ID)
	require.NoError(t, err)
	assert.Equal(t, "Carol", got.Name)
}
