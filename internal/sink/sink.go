// Package sink delivers collected candle batches to their destination. The
// collector treats delivery as best-effort: a failing sink is logged and
// retried, never allowed to fail a collection cycle.
package sink

import (
	"context"
	"log/slog"

	"github.com/aminhq/market-collector/internal/models"
)

// Sink accepts normalized candle batches.
type Sink interface {
	// Deliver hands one batch to the destination.
	Deliver(ctx context.Context, batch *models.CandleBatch) error

	// Close releases any resources held by the sink.
	Close() error
}

// LogSink writes batch summaries to the structured log. It is the default
// sink for development runs.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Deliver implements Sink.
func (s *LogSink) Deliver(ctx context.Context, batch *models.CandleBatch) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	attrs := []any{
		"symbol", batch.Symbol,
		"timeframe", batch.Timeframe,
		"exchange", batch.Exchange,
		"candles", len(batch.Candles),
		"fetched_at", batch.FetchedAt,
	}
	if n := len(batch.Candles); n > 0 {
		attrs = append(attrs, "last_close", batch.Candles[n-1].Close)
	}

	s.logger.Info("collected batch", attrs...)
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }
