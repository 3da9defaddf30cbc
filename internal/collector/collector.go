// Package collector orchestrates candle collection across a prioritized list
// of exchanges. A collection attempt walks the exchanges in priority order,
// honoring each exchange's rate gate, and fails over on transient errors.
// Exchanges that fail authentication are disabled for the rest of the process
// run. When every exchange fails, the collector degrades to the most recent
// cached batch, flagged stale when it exceeds the configured age.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aminhq/market-collector/internal/cache"
	"github.com/aminhq/market-collector/internal/exchange"
	"github.com/aminhq/market-collector/internal/models"
	"github.com/aminhq/market-collector/internal/ratelimit"
	"github.com/aminhq/market-collector/internal/validator"
)

// Config holds the orchestration knobs.
type Config struct {
	// RequestTimeout bounds a single exchange fetch. A fetch that exceeds
	// it counts as a network failure and triggers failover.
	RequestTimeout time.Duration

	// RateLimitPolicy selects blocking or skipping when a gate is closed.
	RateLimitPolicy ratelimit.Policy

	// ReuseWindow, when positive, lets Collect answer from cache without
	// touching any exchange if a batch younger than the window exists.
	// Zero disables the fast path.
	ReuseWindow time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the orchestration defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:  10 * time.Second,
		RateLimitPolicy: ratelimit.PolicyBlock,
	}
}

// Result is the outcome of a successful collection. Stale marks batches served
// from cache past their freshness threshold; Age is how old the batch was at
// serve time (zero for freshly fetched batches).
type Result struct {
	Batch    *models.CandleBatch
	Exchange string
	Stale    bool
	Age      time.Duration
}

// AllExchangesFailedError reports a collection attempt where every exchange
// failed and no cached batch existed. Attempts records the last error per
// exchange tried.
type AllExchangesFailedError struct {
	Symbol    string
	Timeframe string
	Attempts  map[string]error
}

// Error implements the error interface.
func (e *AllExchangesFailedError) Error() string {
	names := make([]string, 0, len(e.Attempts))
	for name := range e.Attempts {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Attempts[name]))
	}
	return fmt.Sprintf("all exchanges failed for %s %s [%s]",
		e.Symbol, e.Timeframe, strings.Join(parts, "; "))
}

// IsAllExchangesFailed reports whether err is an exhausted-failover failure.
func IsAllExchangesFailed(err error) bool {
	var ae *AllExchangesFailedError
	return errors.As(err, &ae)
}

// Collector walks exchanges in priority order to collect candle batches.
// Safe for concurrent use; collections for the same (symbol, timeframe) are
// serialized so they never overlap.
type Collector struct {
	clients    []exchange.Client
	limiter    *ratelimit.Limiter
	cache      cache.Cache
	normalizer *validator.Normalizer
	config     Config
	logger     *slog.Logger
	metrics    *metricsCollector

	// unavailable holds exchanges disabled by an authentication failure.
	// Entries persist until process restart.
	unavailableMu sync.RWMutex
	unavailable   map[string]bool

	// inFlight serializes collections per (symbol, timeframe).
	inFlightMu sync.Mutex
	inFlight   map[string]*sync.Mutex

	now func() time.Time
}

// New creates a Collector over the given clients. The slice order is the
// failover priority: index zero is tried first. Every client is registered
// with the rate limiter using its advertised minimum interval.
func New(clients []exchange.Client, c cache.Cache, config Config) (*Collector, error) {
	if len(clients) == 0 {
		return nil, errors.New("at least one exchange client is required")
	}
	if c == nil {
		return nil, errors.New("cache is required")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	limiter := ratelimit.New()
	for _, client := range clients {
		limiter.Register(client.Name(), client.MinRequestInterval())
	}

	return &Collector{
		clients:     clients,
		limiter:     limiter,
		cache:       c,
		normalizer:  validator.NewNormalizer(config.Logger),
		config:      config,
		logger:      config.Logger,
		metrics:     newMetricsCollector(),
		unavailable: make(map[string]bool),
		inFlight:    make(map[string]*sync.Mutex),
		now:         time.Now,
	}, nil
}

// Collect fetches up to limit candles for the symbol and timeframe, trying
// exchanges in priority order. On total failure it falls back to the most
// recent cached batch, in the same priority order, before giving up with
// *AllExchangesFailedError.
func (c *Collector) Collect(ctx context.Context, symbol, timeframe string, limit int) (*Result, error) {
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if timeframe == "" {
		return nil, errors.New("timeframe is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	unlock := c.lockKey(symbol, timeframe)
	defer unlock()

	if result := c.tryReuse(ctx, symbol, timeframe); result != nil {
		return result, nil
	}

	attempts := make(map[string]error)

	for _, client := range c.clients {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		name := client.Name()
		if c.isUnavailable(name) {
			c.logger.Debug("skipping unavailable exchange",
				"exchange", name, "symbol", symbol, "timeframe", timeframe)
			continue
		}

		if err := c.passGate(ctx, name, attempts); err != nil {
			if errors.Is(err, errGateSkipped) {
				continue
			}
			return nil, err
		}

		result, err := c.fetchOnce(ctx, client, symbol, timeframe, limit)
		if err == nil {
			return result, nil
		}
		attempts[name] = err

		switch {
		case exchange.IsAuthFailure(err):
			c.disableExchange(name, err)
		case exchange.IsNetworkFailure(err) || exchange.IsEmptyResult(err):
			c.metrics.recordFailover()
			c.logger.Warn("exchange attempt failed, failing over",
				"exchange", name, "symbol", symbol, "timeframe", timeframe, "error", err)
		default:
			// Context cancellation aborts the whole attempt.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.metrics.recordFailover()
			c.logger.Warn("exchange attempt failed with unclassified error",
				"exchange", name, "symbol", symbol, "timeframe", timeframe, "error", err)
		}
	}

	if result := c.staleFallback(ctx, symbol, timeframe); result != nil {
		return result, nil
	}

	c.metrics.recordError()
	return nil, &AllExchangesFailedError{Symbol: symbol, Timeframe: timeframe, Attempts: attempts}
}

// errGateSkipped signals that a closed gate was skipped under PolicySkip.
var errGateSkipped = errors.New("rate limit gate skipped")

// passGate applies the rate limit policy for one exchange. A nil return means
// the request is released; errGateSkipped means move on to the next exchange.
func (c *Collector) passGate(ctx context.Context, name string, attempts map[string]error) error {
	wait := c.limiter.Allow(name)
	if wait == 0 {
		return nil
	}

	if c.config.RateLimitPolicy == ratelimit.PolicySkip {
		c.metrics.recordRateLimitSkip()
		attempts[name] = fmt.Errorf("rate limited, next request allowed in %s", wait)
		c.logger.Debug("rate limit gate closed, skipping exchange",
			"exchange", name, "wait", wait)
		return errGateSkipped
	}

	c.metrics.recordRateLimitWait()
	c.logger.Debug("rate limit gate closed, waiting",
		"exchange", name, "wait", wait)
	if err := c.limiter.Wait(ctx, name); err != nil {
		return fmt.Errorf("rate limit wait aborted for %s: %w", name, err)
	}
	return nil
}

// fetchOnce performs a single bounded fetch against one exchange, normalizes
// the rows, caches the batch, and builds the result. No internal retry: a
// failed exchange is not re-tried within the same collection attempt.
func (c *Collector) fetchOnce(ctx context.Context, client exchange.Client, symbol, timeframe string, limit int) (*Result, error) {
	name := client.Name()

	fetchCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	rows, err := client.FetchCandles(fetchCtx, symbol, timeframe, limit)
	cancel()
	if err != nil {
		return nil, exchange.ClassifyTransportError(name, err)
	}

	candles, err := c.normalizer.Normalize(rows)
	if err != nil {
		// A batch that fails validation is as useless as an empty one.
		c.logger.Warn("normalization rejected batch",
			"exchange", name, "symbol", symbol, "timeframe", timeframe, "error", err)
		return nil, &exchange.EmptyResultError{Exchange: name, Symbol: symbol, Timeframe: timeframe}
	}

	batch := &models.CandleBatch{
		Symbol:    symbol,
		Timeframe: timeframe,
		Exchange:  name,
		Candles:   candles,
		FetchedAt: c.now().UTC(),
	}

	if err := c.cache.Put(ctx, batch); err != nil {
		// Cache writes are best-effort; the batch is still good.
		c.logger.Warn("cache write failed",
			"exchange", name, "symbol", symbol, "timeframe", timeframe, "error", err)
	}

	c.metrics.recordBatch(len(batch.Candles))
	c.logger.Info("collected batch",
		"exchange", name, "symbol", symbol, "timeframe", timeframe, "candles", len(batch.Candles))

	return &Result{Batch: batch, Exchange: name}, nil
}

// tryReuse answers from cache when a batch younger than the reuse window
// exists, checking exchanges in priority order. Returns nil when the fast
// path does not apply.
func (c *Collector) tryReuse(ctx context.Context, symbol, timeframe string) *Result {
	if c.config.ReuseWindow <= 0 {
		return nil
	}

	for _, client := range c.clients {
		key := cache.Key{Symbol: symbol, Timeframe: timeframe, Exchange: client.Name()}
		lookup, err := c.cache.Get(ctx, key)
		if err != nil || lookup == nil {
			continue
		}
		if lookup.Age <= c.config.ReuseWindow {
			c.metrics.recordCacheReuse()
			c.logger.Debug("reusing recent cached batch",
				"exchange", client.Name(), "symbol", symbol, "timeframe", timeframe, "age", lookup.Age)
			return &Result{
				Batch:    lookup.Batch,
				Exchange: client.Name(),
				Stale:    lookup.Stale,
				Age:      lookup.Age,
			}
		}
	}
	return nil
}

// staleFallback serves the most recent cached batch after every exchange has
// failed, walking the priority order. Disabled exchanges are included: their
// old data is still better than none.
func (c *Collector) staleFallback(ctx context.Context, symbol, timeframe string) *Result {
	for _, client := range c.clients {
		key := cache.Key{Symbol: symbol, Timeframe: timeframe, Exchange: client.Name()}
		lookup, err := c.cache.Get(ctx, key)
		if err != nil {
			c.logger.Warn("cache read failed during fallback",
				"exchange", client.Name(), "symbol", symbol, "timeframe", timeframe, "error", err)
			continue
		}
		if lookup == nil {
			continue
		}

		c.metrics.recordStaleServe()
		c.logger.Warn("all exchanges failed, serving cached batch",
			"exchange", client.Name(), "symbol", symbol, "timeframe", timeframe,
			"age", lookup.Age, "stale", lookup.Stale)
		return &Result{
			Batch:    lookup.Batch,
			Exchange: client.Name(),
			Stale:    true,
			Age:      lookup.Age,
		}
	}
	return nil
}

// disableExchange marks an exchange unavailable for the rest of the run.
func (c *Collector) disableExchange(name string, err error) {
	c.unavailableMu.Lock()
	already := c.unavailable[name]
	c.unavailable[name] = true
	c.unavailableMu.Unlock()

	if !already {
		c.metrics.recordAuthDisabled()
		c.logger.Error("authentication failed, disabling exchange until restart",
			"exchange", name, "error", err)
	}
}

// isUnavailable reports whether an exchange has been disabled.
func (c *Collector) isUnavailable(name string) bool {
	c.unavailableMu.RLock()
	defer c.unavailableMu.RUnlock()
	return c.unavailable[name]
}

// UnavailableExchanges returns the names of exchanges disabled by auth
// failures, sorted.
func (c *Collector) UnavailableExchanges() []string {
	c.unavailableMu.RLock()
	defer c.unavailableMu.RUnlock()

	names := make([]string, 0, len(c.unavailable))
	for name := range c.unavailable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Metrics returns a snapshot of collection statistics.
func (c *Collector) Metrics() Metrics {
	return c.metrics.snapshot()
}

// lockKey acquires the per-(symbol, timeframe) mutex and returns its unlock.
func (c *Collector) lockKey(symbol, timeframe string) func() {
	key := symbol + "|" + timeframe

	c.inFlightMu.Lock()
	mu, ok := c.inFlight[key]
	if !ok {
		mu = &sync.Mutex{}
		c.inFlight[key] = mu
	}
	c.inFlightMu.Unlock()

	mu.Lock()
	return mu.Unlock
}
