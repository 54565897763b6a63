// Package cache puts a Redis read-through cache in front of the catalog.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/yieldsim/backend/internal/models"
)

// Catalog is the primary plan and trader store.
type Catalog interface {
	ListPlans(ctx context.Context) ([]*models.Plan, error)
	GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error)
	ListTraders(ctx context.Context) ([]*models.Trader, error)
	GetTrader(ctx context.Context, id uuid.UUID) (*models.Trader, error)
	AdjustFollowersTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int) error
}

// CachedCatalog caches traders in Redis. Plans pass straight through.
// Follower changes happen inside the caller's transaction, so the caller
// invalidates after commit with InvalidateTrader.
type CachedCatalog struct {
	primary Catalog
	rdb     *redis.Client
	ttl     time.Duration
	log     *slog.Logger
}

func NewCachedCatalog(primary Catalog, rdb *redis.Client, ttl time.Duration, log *slog.Logger) *CachedCatalog {
	if log == nil {
		log = slog.Default()
	}
	return &CachedCatalog{primary: primary, rdb: rdb, ttl: ttl, log: log}
}

// --- Read-through ---

func (c *CachedCatalog) GetTrader(ctx context.Context, id uuid.UUID) (*models.Trader, error) {
	data, err := c.rdb.Get(ctx, traderKey(id)).Bytes()
	if err == nil {
		var t models.Trader
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	t, err := c.primary.GetTrader(ctx, id)
	if err != nil {
		return nil, err
	}
	c.set(ctx, traderKey(id), t)
	return t, nil
}

func (c *CachedCatalog) ListTraders(ctx context.Context) ([]*models.Trader, error) {
	data, err := c.rdb.Get(ctx, tradersKey).Bytes()
	if err == nil {
		var list []*models.Trader
		if json.Unmarshal(data, &list) == nil {
			return list, nil
		}
	}

	list, err := c.primary.ListTraders(ctx)
	if err != nil {
		return nil, err
	}
	c.set(ctx, tradersKey, list)
	return list, nil
}

// --- Passthrough ---

func (c *CachedCatalog) ListPlans(ctx context.Context) ([]*models.Plan, error) {
	return c.primary.ListPlans(ctx)
}

func (c *CachedCatalog) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	return c.primary.GetPlan(ctx, id)
}

func (c *CachedCatalog) AdjustFollowersTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int) error {
	return c.primary.AdjustFollowersTx(ctx, tx, id, delta)
}

// InvalidateTrader drops the cached trader and the cached trader list.
func (c *CachedCatalog) InvalidateTrader(ctx context.Context, id uuid.UUID) {
	if err := c.rdb.Del(ctx, traderKey(id), tradersKey).Err(); err != nil {
		c.log.Warn("trader cache invalidation failed", "trader_id", id, "error", err)
	}
}

func (c *CachedCatalog) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn("cache write failed", "key", key, "error", err)
	}
}

const tradersKey = "traders:all"

func traderKey(id uuid.UUID) string { return fmt.Sprintf("trader:%s", id) }
