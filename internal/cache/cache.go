// Package cache provides the short-term store for the most recent successful
// fetch per (symbol, timeframe, exchange). Entries are overwritten on every
// successful fetch, never deleted; readers learn whether an entry's age
// exceeds the configured maximum so stale data can be served deliberately
// when every exchange is down.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aminhq/market-collector/internal/models"
)

// Key identifies one cache entry.
type Key struct {
	Symbol    string
	Timeframe string
	Exchange  string
}

// String renders the key in the form used for external stores.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", safe(k.Symbol), safe(k.Timeframe), safe(k.Exchange))
}

// Lookup is the result of a cache read. Age is measured from the batch's
// FetchedAt; Stale reports whether Age exceeds the cache's configured
// maximum. Stale entries are still returned: "old data" is distinct from
// "no data".
type Lookup struct {
	Batch *models.CandleBatch
	Age   time.Duration
	Stale bool
}

// Cache holds the latest batch per key.
type Cache interface {
	// Get returns the entry for the key, or (nil, nil) when absent.
	Get(ctx context.Context, key Key) (*Lookup, error)

	// Put stores the batch under its (symbol, timeframe, exchange) key,
	// replacing any prior entry.
	Put(ctx context.Context, batch *models.CandleBatch) error
}

// safe escapes characters that are problematic in store keys.
func safe(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}
