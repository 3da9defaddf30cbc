package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	binanceBaseURL = "https://api.binance.com"

	binancePingEndpoint   = "/api/v3/ping"
	binanceKlinesEndpoint = "/api/v3/klines"

	// Binance allows 1200 request weight per minute; klines cost 1-2.
	binanceMinRequestInterval = 200 * time.Millisecond

	binanceMaxLimit = 1000
)

// BinanceClient implements Client for the Binance spot REST API.
type BinanceClient struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	minInterval time.Duration
	logger      *slog.Logger
}

// BinanceOption customizes a BinanceClient during construction.
type BinanceOption func(*BinanceClient)

// WithBinanceBaseURL overrides the API base URL. Used by tests.
func WithBinanceBaseURL(baseURL string) BinanceOption {
	return func(c *BinanceClient) { c.baseURL = baseURL }
}

// WithBinanceMinInterval overrides the advertised minimum request interval.
func WithBinanceMinInterval(d time.Duration) BinanceOption {
	return func(c *BinanceClient) {
		if d > 0 {
			c.minInterval = d
		}
	}
}

// NewBinanceClient constructs a Binance client and verifies connectivity
// once. Transient setup failures are retried with exponential backoff;
// credential failures are permanent and returned immediately. A non-nil
// error means the exchange is unavailable for this process run.
func NewBinanceClient(ctx context.Context, apiKey string, timeout time.Duration, logger *slog.Logger, opts ...BinanceOption) (*BinanceClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &BinanceClient{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:     binanceBaseURL,
		apiKey:      apiKey,
		minInterval: binanceMinRequestInterval,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.checkConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("binance connection setup failed: %w", err)
	}

	logger.Info("connected to binance", "min_request_interval", c.minInterval)
	return c, nil
}

// Name implements Client.
func (c *BinanceClient) Name() string { return "binance" }

// MinRequestInterval implements Client.
func (c *BinanceClient) MinRequestInterval() time.Duration { return c.minInterval }

// FetchCandles implements Client. Rows are returned oldest first, as served
// by the klines endpoint.
func (c *BinanceClient) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]RawCandle, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol cannot be empty")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than 0")
	}
	if limit > binanceMaxLimit {
		limit = binanceMaxLimit
	}

	params := url.Values{}
	params.Set("symbol", binanceSymbol(symbol))
	params.Set("interval", timeframe)
	params.Set("limit", fmt.Sprintf("%d", limit))

	body, err := c.get(ctx, binanceKlinesEndpoint+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	// Klines come back as arrays of mixed types:
	// [openTime, open, high, low, close, volume, closeTime, ...]
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &NetworkError{Exchange: c.Name(), Err: fmt.Errorf("malformed klines response: %w", err)}
	}

	if len(rows) == 0 {
		return nil, &EmptyResultError{Exchange: c.Name(), Symbol: symbol, Timeframe: timeframe}
	}

	candles := make([]RawCandle, 0, len(rows))
	for i, row := range rows {
		candle, err := parseBinanceKline(row)
		if err != nil {
			return nil, &NetworkError{Exchange: c.Name(), Err: fmt.Errorf("malformed kline at index %d: %w", i, err)}
		}
		candles = append(candles, candle)
	}

	c.logger.Debug("fetched binance klines", "symbol", symbol, "timeframe", timeframe, "count", len(candles))
	return candles, nil
}

// checkConnectivity pings the API once at construction, retrying transient
// failures. Auth failures abort the retry loop.
func (c *BinanceClient) checkConnectivity(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 15 * time.Second

	return backoff.Retry(func() error {
		_, err := c.get(ctx, binancePingEndpoint)
		if err != nil && IsAuthFailure(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// get performs a GET request and classifies transport and status failures.
func (c *BinanceClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, &NetworkError{Exchange: c.Name(), Err: err}
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ClassifyTransportError(c.Name(), err)
	}
	defer resp.Body.Close()

	if err := ClassifyStatusCode(c.Name(), resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Exchange: c.Name(), Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	return body, nil
}

// parseBinanceKline converts one kline row into a RawCandle.
func parseBinanceKline(row []json.RawMessage) (RawCandle, error) {
	if len(row) < 6 {
		return RawCandle{}, fmt.Errorf("expected at least 6 fields, got %d", len(row))
	}

	var candle RawCandle
	if err := json.Unmarshal(row[0], &candle.OpenTime); err != nil {
		return RawCandle{}, fmt.Errorf("invalid open time: %w", err)
	}

	fields := []*string{&candle.Open, &candle.High, &candle.Low, &candle.Close, &candle.Volume}
	for i, field := range fields {
		if err := json.Unmarshal(row[i+1], field); err != nil {
			return RawCandle{}, fmt.Errorf("invalid field at index %d: %w", i+1, err)
		}
	}

	return candle, nil
}

// binanceSymbol converts "BTC/USDT" into Binance's "BTCUSDT" format.
func binanceSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}
