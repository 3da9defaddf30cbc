package sink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminhq/market-collector/internal/models"
)

func testBatch(fetchedAt time.Time) *models.CandleBatch {
	base := fetchedAt.Add(-2 * time.Hour)
	return &models.CandleBatch{
		Symbol:    "BTC/USDT",
		Timeframe: "1h",
		Exchange:  "binance",
		Candles: []models.Candle{
			{OpenTime: base, Open: "50000", High: "51000", Low: "49500", Close: "50500", Volume: "10"},
			{OpenTime: base.Add(time.Hour), Open: "50500", High: "52000", Low: "50400", Close: "51800", Volume: "8.5"},
		},
		FetchedAt: fetchedAt,
	}
}

func newTestSink(t *testing.T) *DuckDBSink {
	t.Helper()
	s, err := NewDuckDBSink(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDuckDBSinkDeliver(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

	require.NoError(t, s.Deliver(ctx, testBatch(now)))

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM candles").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	var open, closePrice float64
	err = s.db.QueryRowContext(ctx,
		"SELECT open, close FROM candles WHERE symbol = ? ORDER BY open_time LIMIT 1",
		"BTC/USDT").Scan(&open, &closePrice)
	require.NoError(t, err)
	assert.InDelta(t, 50000, open, 0.001)
	assert.InDelta(t, 50500, closePrice, 0.001)
}

func TestDuckDBSinkReplacesExistingRows(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

	require.NoError(t, s.Deliver(ctx, testBatch(now)))

	// Re-delivering the same window overwrites instead of duplicating.
	updated := testBatch(now.Add(time.Minute))
	updated.Candles[1].Close = "52000"
	require.NoError(t, s.Deliver(ctx, updated))

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM candles").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	var closePrice float64
	err = s.db.QueryRowContext(ctx,
		"SELECT close FROM candles ORDER BY open_time DESC LIMIT 1").Scan(&closePrice)
	require.NoError(t, err)
	assert.InDelta(t, 52000, closePrice, 0.001)
}

func TestDuckDBSinkEmptyBatchIsNoop(t *testing.T) {
	s := newTestSink(t)
	batch := testBatch(time.Now().UTC())
	batch.Candles = nil

	assert.NoError(t, s.Deliver(context.Background(), batch))
}

func TestDuckDBSinkRejectsInvalidNumbers(t *testing.T) {
	s := newTestSink(t)
	batch := testBatch(time.Now().UTC())
	batch.Candles[0].Volume = "not a number"

	err := s.Deliver(context.Background(), batch)
	require.Error(t, err)

	// The failed batch leaves no partial rows behind.
	var count int
	require.NoError(t, s.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM candles").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestLogSinkDeliver(t *testing.T) {
	s := NewLogSink(nil)
	assert.NoError(t, s.Deliver(context.Background(), testBatch(time.Now().UTC())))
	assert.NoError(t, s.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.Deliver(ctx, testBatch(time.Now().UTC())))
}
