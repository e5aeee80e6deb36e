package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const stockCacheVersionKey = "ledger:stock:version"

// StockCache is a read-through Redis cache over aggregate stock lookups.
// Invalidation bumps a global version so every ledger mutation drops the
// whole cached set at once; entries also carry a short TTL as a backstop.
type StockCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStockCache constructs the cache. A nil client disables caching.
func NewStockCache(client *redis.Client, ttl time.Duration) *StockCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &StockCache{client: client, ttl: ttl}
}

func (c *StockCache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, stockCacheVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, stockCacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

func (c *StockCache) key(ctx context.Context, productID, warehouseID uuid.UUID) (string, error) {
	ver, err := c.version(ctx)
	if err != nil {
		return "", err
	}
	scope := "all"
	if warehouseID != uuid.Nil {
		scope = warehouseID.String()
	}
	return fmt.Sprintf("ledger:stock:%s:%s:%d", productID, scope, ver), nil
}

// Fetch loads a cached quantity or populates it via the loader. Cache
// failures fall through to the loader; stock reads never fail on Redis.
func (c *StockCache) Fetch(ctx context.Context, productID, warehouseID uuid.UUID, loader func(context.Context) (decimal.Decimal, error)) (decimal.Decimal, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key, err := c.key(ctx, productID, warehouseID)
	if err != nil {
		return loader(ctx)
	}
	if raw, err := c.client.Get(ctx, key).Result(); err == nil {
		if qty, perr := decimal.NewFromString(raw); perr == nil {
			return qty, nil
		}
	}
	qty, err := loader(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	_ = c.client.Set(ctx, key, qty.String(), c.ttl).Err()
	return qty, nil
}

// Invalidate drops all cached quantities by bumping the version.
func (c *StockCache) Invalidate(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, stockCacheVersionKey).Err()
}
