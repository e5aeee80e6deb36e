package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *StockCache {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStockCache(client, time.Minute)
}

func TestStockCacheFetchPopulatesOnce(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	product := uuid.New()
	calls := 0
	loader := func(context.Context) (decimal.Decimal, error) {
		calls++
		return dec("42.5"), nil
	}

	qty, err := cache.Fetch(ctx, product, uuid.Nil, loader)
	require.NoError(t, err)
	require.True(t, qty.Equal(dec("42.5")))
	require.Equal(t, 1, calls)

	qty, err = cache.Fetch(ctx, product, uuid.Nil, loader)
	require.NoError(t, err)
	require.True(t, qty.Equal(dec("42.5")))
	require.Equal(t, 1, calls)
}

func TestStockCacheInvalidateBumpsVersion(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	product := uuid.New()
	value := dec("10")
	loader := func(context.Context) (decimal.Decimal, error) {
		return value, nil
	}

	qty, err := cache.Fetch(ctx, product, uuid.Nil, loader)
	require.NoError(t, err)
	require.True(t, qty.Equal(dec("10")))

	value = dec("25")
	require.NoError(t, cache.Invalidate(ctx))

	qty, err = cache.Fetch(ctx, product, uuid.Nil, loader)
	require.NoError(t, err)
	require.True(t, qty.Equal(dec("25")))
}

func TestStockCacheScopesWarehouses(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	product := uuid.New()
	warehouse := uuid.New()

	qty, err := cache.Fetch(ctx, product, uuid.Nil, func(context.Context) (decimal.Decimal, error) {
		return dec("100"), nil
	})
	require.NoError(t, err)
	require.True(t, qty.Equal(dec("100")))

	qty, err = cache.Fetch(ctx, product, warehouse, func(context.Context) (decimal.Decimal, error) {
		return dec("40"), nil
	})
	require.NoError(t, err)
	require.True(t, qty.Equal(dec("40")))
}

func TestStockCacheNilClientFallsThrough(t *testing.T) {
	var cache *StockCache
	qty, err := cache.Fetch(context.Background(), uuid.New(), uuid.Nil, func(context.Context) (decimal.Decimal, error) {
		return dec("7"), nil
	})
	require.NoError(t, err)
	require.True(t, qty.Equal(dec("7")))
}
