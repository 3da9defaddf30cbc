// Package exchange defines the client interface the collector uses to talk to
// cryptocurrency exchanges, the typed failures those clients surface, and the
// HTTP adapters for the supported exchanges.
//
// A client wraps one exchange connection. Connection setup (market metadata
// load or ping) happens once at construction; a client that fails to
// construct is excluded from collection for the lifetime of the process.
package exchange

import (
	"context"
	"time"
)

// RawCandle is one OHLCV row as returned by an exchange, before
// normalization. OpenTime is in milliseconds since the Unix epoch; price and
// volume fields are decimal strings in the exchange's native precision.
type RawCandle struct {
	OpenTime int64
	Open     string
	High     string
	Low      string
	Close    string
	Volume   string
}

// Client is the capability the collector needs from an exchange: fetch
// candles, and advertise how closely requests may be spaced.
type Client interface {
	// Name returns the exchange identifier (e.g. "binance").
	Name() string

	// MinRequestInterval returns the minimum spacing between two requests
	// to this exchange, derived from its advertised rate limit.
	MinRequestInterval() time.Duration

	// FetchCandles retrieves up to limit OHLCV rows for the symbol and
	// timeframe, oldest first. Failures are typed: *AuthError for
	// credential problems, *NetworkError for transport problems and
	// timeouts, *EmptyResultError when the exchange returns zero rows.
	//
	// Implementations must bound the call by the context deadline and
	// must not retry internally; failover is the caller's job.
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]RawCandle, error)
}
