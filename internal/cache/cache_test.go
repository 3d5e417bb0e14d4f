package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailpos/backend/internal/domain"
)

func newRedisCache(t *testing.T) (*RedisProductCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisProductCache(client)
	require.NoError(t, c.Ping(context.Background()))
	return c, mr
}

func TestNoopCacheNeverHits(t *testing.T) {
	var c ProductCache = NoopProductCache{}
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, domain.Product{ID: "prd-mie"}, time.Minute))
	_, ok, err := c.Get(ctx, "prd-mie")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, c.Delete(ctx, "prd-mie"))
}

func TestRedisProductCacheRoundTrip(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()

	product := domain.Product{
		ID: "prd-cache-it", Name: "Beras", SellingPriceCents: 10000, CurrentStock: 4,
		PriceTiers: []domain.PriceTier{{ID: "t1", ProductID: "prd-cache-it", MinQuantity: 10, PriceCents: 8000, Active: true}},
	}
	require.NoError(t, c.Set(ctx, product, time.Minute))

	got, ok, err := c.Get(ctx, product.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, product, *got)

	require.NoError(t, c.Delete(ctx, product.ID))
	_, ok, err = c.Get(ctx, product.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisProductCacheExpires(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, domain.Product{ID: "prd-mie", CurrentStock: 3}, 30*time.Second))
	assert.Equal(t, 30*time.Second, mr.TTL(productKey("prd-mie")))

	mr.FastForward(29 * time.Second)
	_, ok, err := c.Get(ctx, "prd-mie")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = c.Get(ctx, "prd-mie")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisProductCacheGetCorruptEntry(t *testing.T) {
	c, mr := newRedisCache(t)
	require.NoError(t, mr.Set(productKey("prd-mie"), "not json"))

	_, _, err := c.Get(context.Background(), "prd-mie")
	assert.Error(t, err)
}
