package models

import (
	"fmt"
	"time"
)

// CandleBatch is the unit the orchestrator produces: the candles fetched from
// one exchange for one (symbol, timeframe) request. A batch is never mutated
// after creation; caches and sinks receive it as-is.
type CandleBatch struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Exchange  string    `json:"exchange"`
	Candles   []Candle  `json:"candles"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Validate checks the batch metadata, validates every candle, and verifies
// that open times are strictly increasing across the sequence.
func (b *CandleBatch) Validate() error {
	if b.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if b.Timeframe == "" {
		return &ValidationError{Field: "timeframe", Message: "timeframe cannot be empty"}
	}
	if b.Exchange == "" {
		return &ValidationError{Field: "exchange", Message: "exchange cannot be empty"}
	}
	if b.FetchedAt.IsZero() {
		return &ValidationError{Field: "fetched_at", Message: "fetched_at cannot be zero"}
	}

	for i := range b.Candles {
		if err := b.Candles[i].Validate(); err != nil {
			return &ValidationError{
				Field:   "candles",
				Message: fmt.Sprintf("candle at index %d is invalid: %v", i, err),
			}
		}
		if i > 0 && !b.Candles[i].OpenTime.After(b.Candles[i-1].OpenTime) {
			return &ValidationError{
				Field: "candles",
				Message: fmt.Sprintf("open times must be strictly increasing: index %d (%s) does not follow index %d (%s)",
					i, b.Candles[i].OpenTime.Format(time.RFC3339), i-1, b.Candles[i-1].OpenTime.Format(time.RFC3339)),
			}
		}
	}

	return nil
}

// Age returns how long ago the batch was fetched, relative to now.
func (b *CandleBatch) Age(now time.Time) time.Duration {
	return now.Sub(b.FetchedAt)
}

// String returns a short human-readable summary of the batch.
func (b *CandleBatch) String() string {
	return fmt.Sprintf("CandleBatch{Symbol: %s, Timeframe: %s, Exchange: %s, Candles: %d, FetchedAt: %s}",
		b.Symbol, b.Timeframe, b.Exchange, len(b.Candles), b.FetchedAt.Format(time.RFC3339))
}
