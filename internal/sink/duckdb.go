package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/aminhq/market-collector/internal/models"
)

// DuckDBSink persists batches to a DuckDB database. Batches overwrite prior
// rows for the same (exchange, symbol, timeframe, open_time), so re-fetched
// windows converge on the latest data.
type DuckDBSink struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewDuckDBSink opens (or creates) the database at dbPath and prepares the
// schema. Use ":memory:" for an in-memory database.
func NewDuckDBSink(dbPath string, logger *slog.Logger) (*DuckDBSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb database: %w", err)
	}

	// Single writer pattern as recommended for DuckDB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &DuckDBSink{db: db, dbPath: dbPath, logger: logger}
	if err := s.initialize(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("duckdb sink ready", "db_path", dbPath)
	return s, nil
}

// initialize creates the candles table and its indexes.
func (s *DuckDBSink) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS candles (
		exchange VARCHAR NOT NULL,
		symbol VARCHAR NOT NULL,
		timeframe VARCHAR NOT NULL,
		open_time TIMESTAMPTZ NOT NULL,
		open DOUBLE NOT NULL,
		high DOUBLE NOT NULL,
		low DOUBLE NOT NULL,
		close DOUBLE NOT NULL,
		volume DOUBLE NOT NULL,
		fetched_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT candles_pk PRIMARY KEY (exchange, symbol, timeframe, open_time),
		CONSTRAINT candles_prices_positive CHECK (open > 0 AND high > 0 AND low > 0 AND close > 0),
		CONSTRAINT candles_volume_non_negative CHECK (volume >= 0)
	)`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create candles table: %w", err)
	}

	index := "CREATE INDEX IF NOT EXISTS idx_candles_symbol_timeframe ON candles (symbol, timeframe)"
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// Deliver implements Sink. All rows of a batch commit in one transaction.
func (s *DuckDBSink) Deliver(ctx context.Context, batch *models.CandleBatch) error {
	if len(batch.Candles) == 0 {
		return nil
	}

	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles
			(exchange, symbol, timeframe, open_time, open, high, low, close, volume, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range batch.Candles {
		candle := &batch.Candles[i]
		open, high, low, close, volume, err := candleFloats(candle)
		if err != nil {
			return fmt.Errorf("candle at index %d has invalid numeric field: %w", i, err)
		}

		if _, err := stmt.ExecContext(ctx,
			batch.Exchange, batch.Symbol, batch.Timeframe, candle.OpenTime,
			open, high, low, close, volume, batch.FetchedAt,
		); err != nil {
			return fmt.Errorf("failed to insert candle at index %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	s.logger.Debug("persisted batch",
		"symbol", batch.Symbol,
		"timeframe", batch.Timeframe,
		"exchange", batch.Exchange,
		"candles", len(batch.Candles),
		"duration", time.Since(start),
	)
	return nil
}

// Close implements Sink.
func (s *DuckDBSink) Close() error {
	return s.db.Close()
}

// candleFloats parses the candle's decimal strings for storage as DOUBLE.
func candleFloats(c *models.Candle) (open, high, low, close, volume float64, err error) {
	fields := []struct {
		value string
		out   *float64
	}{
		{c.Open, &open},
		{c.High, &high},
		{c.Low, &low},
		{c.Close, &close},
		{c.Volume, &volume},
	}
	for _, f := range fields {
		d, perr := decimal.NewFromString(f.value)
		if perr != nil {
			return 0, 0, 0, 0, 0, perr
		}
		*f.out = d.InexactFloat64()
	}
	return open, high, low, close, volume, nil
}
