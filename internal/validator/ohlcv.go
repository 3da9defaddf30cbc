// Package validator turns raw exchange rows into validated candles. A batch
// that fails any check is rejected whole; the collector treats a rejected
// batch the same as an empty result and fails over.
package validator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/aminhq/market-collector/internal/exchange"
	"github.com/aminhq/market-collector/internal/models"
)

// Normalizer converts and validates raw OHLCV rows.
type Normalizer struct {
	logger *slog.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger}
}

// Normalize converts raw rows into candles. Open times are parsed from epoch
// milliseconds into UTC time.Time and must be strictly increasing; every
// numeric field must parse as a finite decimal with positive prices and
// non-negative volume. The first failing row rejects the whole batch.
func (n *Normalizer) Normalize(rows []exchange.RawCandle) ([]models.Candle, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows to normalize")
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		if row.OpenTime <= 0 {
			return nil, fmt.Errorf("row %d: open time must be positive, got %d", i, row.OpenTime)
		}

		candle := models.Candle{
			OpenTime: time.UnixMilli(row.OpenTime).UTC(),
			Open:     row.Open,
			High:     row.High,
			Low:      row.Low,
			Close:    row.Close,
			Volume:   row.Volume,
		}

		if err := candle.Validate(); err != nil {
			n.logger.Debug("rejecting batch on invalid row", "index", i, "error", err)
			return nil, fmt.Errorf("row %d: %w", i, err)
		}

		if i > 0 && !candle.OpenTime.After(candles[i-1].OpenTime) {
			return nil, fmt.Errorf("row %d: open time %s does not increase over previous row %s",
				i, candle.OpenTime.Format(time.RFC3339), candles[i-1].OpenTime.Format(time.RFC3339))
		}

		candles = append(candles, candle)
	}

	return candles, nil
}
