package validator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminhq/market-collector/internal/exchange"
)

func rawRow(openTime int64) exchange.RawCandle {
	return exchange.RawCandle{
		OpenTime: openTime,
		Open:     "50000.00",
		High:     "51000.00",
		Low:      "49500.00",
		Close:    "50500.00",
		Volume:   "12.5",
	}
}

func TestNormalize(t *testing.T) {
	n := NewNormalizer(nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("converts rows to UTC candles", func(t *testing.T) {
		rows := []exchange.RawCandle{
			rawRow(base.UnixMilli()),
			rawRow(base.Add(time.Hour).UnixMilli()),
			rawRow(base.Add(2 * time.Hour).UnixMilli()),
		}

		candles, err := n.Normalize(rows)
		require.NoError(t, err)
		require.Len(t, candles, 3)

		assert.Equal(t, base, candles[0].OpenTime)
		assert.Equal(t, time.UTC, candles[0].OpenTime.Location())
		assert.Equal(t, "50000.00", candles[0].Open)
		assert.Equal(t, "12.5", candles[2].Volume)
	})

	t.Run("rejects empty input", func(t *testing.T) {
		_, err := n.Normalize(nil)
		assert.Error(t, err)
	})

	t.Run("rejects non-positive open time", func(t *testing.T) {
		_, err := n.Normalize([]exchange.RawCandle{rawRow(0)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "open time")
	})

	t.Run("rejects whole batch on one bad row", func(t *testing.T) {
		bad := rawRow(base.Add(time.Hour).UnixMilli())
		bad.High = "NaN"
		rows := []exchange.RawCandle{rawRow(base.UnixMilli()), bad}

		_, err := n.Normalize(rows)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "row 1")
	})

	t.Run("rejects negative price", func(t *testing.T) {
		bad := rawRow(base.UnixMilli())
		bad.Low = "-49500.00"

		_, err := n.Normalize([]exchange.RawCandle{bad})
		assert.Error(t, err)
	})

	t.Run("rejects duplicate open times", func(t *testing.T) {
		rows := []exchange.RawCandle{
			rawRow(base.UnixMilli()),
			rawRow(base.UnixMilli()),
		}

		_, err := n.Normalize(rows)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not increase")
	})

	t.Run("rejects out of order open times", func(t *testing.T) {
		rows := []exchange.RawCandle{
			rawRow(base.Add(time.Hour).UnixMilli()),
			rawRow(base.UnixMilli()),
		}

		_, err := n.Normalize(rows)
		assert.Error(t, err)
	})
}
