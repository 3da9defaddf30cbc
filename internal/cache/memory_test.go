package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminhq/market-collector/internal/models"
)

func testBatch(exchange string, fetchedAt time.Time) *models.CandleBatch {
	return &models.CandleBatch{
		Symbol:    "BTC/USDT",
		Timeframe: "1h",
		Exchange:  exchange,
		Candles: []models.Candle{{
			OpenTime: fetchedAt.Add(-time.Hour),
			Open:     "50000",
			High:     "51000",
			Low:      "49500",
			Close:    "50500",
			Volume:   "10",
		}},
		FetchedAt: fetchedAt,
	}
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := NewMemoryCache(15 * time.Minute)
	c.now = func() time.Time { return now }

	batch := testBatch("binance", now.Add(-5*time.Minute))
	require.NoError(t, c.Put(ctx, batch))

	lookup, err := c.Get(ctx, Key{Symbol: "BTC/USDT", Timeframe: "1h", Exchange: "binance"})
	require.NoError(t, err)
	require.NotNil(t, lookup)

	assert.Equal(t, batch.Symbol, lookup.Batch.Symbol)
	assert.Equal(t, batch.Candles, lookup.Batch.Candles)
	assert.Equal(t, 5*time.Minute, lookup.Age)
	assert.False(t, lookup.Stale)
}

func TestMemoryCacheMiss(t *testing.T) {
	c := NewMemoryCache(15 * time.Minute)

	lookup, err := c.Get(context.Background(), Key{Symbol: "ETH/USDT", Timeframe: "1h", Exchange: "binance"})
	require.NoError(t, err)
	assert.Nil(t, lookup)
}

func TestMemoryCacheStaleness(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := NewMemoryCache(15 * time.Minute)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Put(ctx, testBatch("binance", now.Add(-16*time.Minute))))

	lookup, err := c.Get(ctx, Key{Symbol: "BTC/USDT", Timeframe: "1h", Exchange: "binance"})
	require.NoError(t, err)
	require.NotNil(t, lookup)

	// Stale entries are still returned, flagged.
	assert.True(t, lookup.Stale)
	assert.Equal(t, 16*time.Minute, lookup.Age)
}

func TestMemoryCacheOverwrite(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := NewMemoryCache(15 * time.Minute)
	c.now = func() time.Time { return now }

	old := testBatch("binance", now.Add(-20*time.Minute))
	require.NoError(t, c.Put(ctx, old))

	fresh := testBatch("binance", now.Add(-time.Minute))
	fresh.Candles[0].Close = "60000"
	require.NoError(t, c.Put(ctx, fresh))

	lookup, err := c.Get(ctx, Key{Symbol: "BTC/USDT", Timeframe: "1h", Exchange: "binance"})
	require.NoError(t, err)
	require.NotNil(t, lookup)

	assert.Equal(t, "60000", lookup.Batch.Candles[0].Close)
	assert.False(t, lookup.Stale)
}

func TestMemoryCacheKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := NewMemoryCache(15 * time.Minute)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Put(ctx, testBatch("binance", now)))
	require.NoError(t, c.Put(ctx, testBatch("coinbase", now)))

	binance, err := c.Get(ctx, Key{Symbol: "BTC/USDT", Timeframe: "1h", Exchange: "binance"})
	require.NoError(t, err)
	require.NotNil(t, binance)
	assert.Equal(t, "binance", binance.Batch.Exchange)

	coinbase, err := c.Get(ctx, Key{Symbol: "BTC/USDT", Timeframe: "1h", Exchange: "coinbase"})
	require.NoError(t, err)
	require.NotNil(t, coinbase)
	assert.Equal(t, "coinbase", coinbase.Batch.Exchange)
}

func TestMemoryCacheCallerCannotMutateEntry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := NewMemoryCache(15 * time.Minute)
	c.now = func() time.Time { return now }

	batch := testBatch("binance", now)
	require.NoError(t, c.Put(ctx, batch))

	// Mutating the original after Put must not affect the cached copy.
	batch.Symbol = "DOGE/USDT"

	lookup, err := c.Get(ctx, Key{Symbol: "BTC/USDT", Timeframe: "1h", Exchange: "binance"})
	require.NoError(t, err)
	require.NotNil(t, lookup)
	assert.Equal(t, "BTC/USDT", lookup.Batch.Symbol)
}

func TestKeyString(t *testing.T) {
	key := Key{Symbol: "BTC/USDT", Timeframe: "1h", Exchange: "binance"}
	assert.Equal(t, "BTC/USDT:1h:binance", key.String())

	// Characters that collide with the separator are escaped.
	odd := Key{Symbol: "BTC USDT:perp", Timeframe: "1h", Exchange: "binance"}
	assert.Equal(t, "BTC_USDT_perp:1h:binance", odd.String())
}
