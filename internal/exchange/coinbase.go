package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	coinbaseBaseURL = "https://api.coinbase.com"

	coinbaseProductsEndpoint = "/api/v3/brokerage/products"
	coinbaseCandlesEndpoint  = "/api/v3/brokerage/products/%s/candles"

	// Coinbase Advanced Trade allows 10 public requests per second.
	coinbaseMinRequestInterval = 100 * time.Millisecond

	coinbaseMaxLimit = 300
)

// CoinbaseClient implements Client for the Coinbase Advanced Trade API.
type CoinbaseClient struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	minInterval time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// CoinbaseOption customizes a CoinbaseClient during construction.
type CoinbaseOption func(*CoinbaseClient)

// WithCoinbaseBaseURL overrides the API base URL. Used by tests.
func WithCoinbaseBaseURL(baseURL string) CoinbaseOption {
	return func(c *CoinbaseClient) { c.baseURL = baseURL }
}

// WithCoinbaseMinInterval overrides the advertised minimum request interval.
func WithCoinbaseMinInterval(d time.Duration) CoinbaseOption {
	return func(c *CoinbaseClient) {
		if d > 0 {
			c.minInterval = d
		}
	}
}

// NewCoinbaseClient constructs a Coinbase client and verifies connectivity
// once via the products endpoint. Transient setup failures are retried with
// exponential backoff; credential failures are permanent.
func NewCoinbaseClient(ctx context.Context, apiKey string, timeout time.Duration, logger *slog.Logger, opts ...CoinbaseOption) (*CoinbaseClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &CoinbaseClient{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:     coinbaseBaseURL,
		apiKey:      apiKey,
		minInterval: coinbaseMinRequestInterval,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.checkConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("coinbase connection setup failed: %w", err)
	}

	logger.Info("connected to coinbase", "min_request_interval", c.minInterval)
	return c, nil
}

// Name implements Client.
func (c *CoinbaseClient) Name() string { return "coinbase" }

// MinRequestInterval implements Client.
func (c *CoinbaseClient) MinRequestInterval() time.Duration { return c.minInterval }

// coinbaseCandle mirrors one entry of the candles response.
type coinbaseCandle struct {
	Start  string `json:"start"`
	Low    string `json:"low"`
	High   string `json:"high"`
	Open   string `json:"open"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// FetchCandles implements Client. Coinbase serves candles newest first; rows
// are re-sorted oldest first before returning.
func (c *CoinbaseClient) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]RawCandle, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol cannot be empty")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than 0")
	}
	if limit > coinbaseMaxLimit {
		limit = coinbaseMaxLimit
	}

	granularity, interval, err := coinbaseGranularity(timeframe)
	if err != nil {
		return nil, err
	}

	end := c.now().Truncate(interval)
	start := end.Add(-time.Duration(limit) * interval)

	params := url.Values{}
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))
	params.Set("granularity", granularity)

	path := fmt.Sprintf(coinbaseCandlesEndpoint, coinbaseProduct(symbol))
	body, err := c.get(ctx, path+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var response struct {
		Candles []coinbaseCandle `json:"candles"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, &NetworkError{Exchange: c.Name(), Err: fmt.Errorf("malformed candles response: %w", err)}
	}

	if len(response.Candles) == 0 {
		return nil, &EmptyResultError{Exchange: c.Name(), Symbol: symbol, Timeframe: timeframe}
	}

	candles := make([]RawCandle, 0, len(response.Candles))
	for i, row := range response.Candles {
		startSec, err := strconv.ParseInt(row.Start, 10, 64)
		if err != nil {
			return nil, &NetworkError{Exchange: c.Name(), Err: fmt.Errorf("invalid candle start at index %d: %w", i, err)}
		}
		candles = append(candles, RawCandle{
			OpenTime: startSec * 1000,
			Open:     row.Open,
			High:     row.High,
			Low:      row.Low,
			Close:    row.Close,
			Volume:   row.Volume,
		})
	}

	sort.Slice(candles, func(i, j int) bool {
		return candles[i].OpenTime < candles[j].OpenTime
	})

	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}

	c.logger.Debug("fetched coinbase candles", "symbol", symbol, "timeframe", timeframe, "count", len(candles))
	return candles, nil
}

// checkConnectivity verifies the products endpoint is reachable.
func (c *CoinbaseClient) checkConnectivity(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 15 * time.Second

	return backoff.Retry(func() error {
		_, err := c.get(ctx, coinbaseProductsEndpoint+"?limit=1")
		if err != nil && IsAuthFailure(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// get performs a GET request and classifies transport and status failures.
func (c *CoinbaseClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, &NetworkError{Exchange: c.Name(), Err: err}
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
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

// coinbaseGranularity maps a timeframe onto Coinbase's granularity enum and
// the interval duration used to compute the request window.
func coinbaseGranularity(timeframe string) (string, time.Duration, error) {
	switch timeframe {
	case "1m":
		return "ONE_MINUTE", time.Minute, nil
	case "5m":
		return "FIVE_MINUTE", 5 * time.Minute, nil
	case "15m":
		return "FIFTEEN_MINUTE", 15 * time.Minute, nil
	case "30m":
		return "THIRTY_MINUTE", 30 * time.Minute, nil
	case "1h":
		return "ONE_HOUR", time.Hour, nil
	case "2h":
		return "TWO_HOUR", 2 * time.Hour, nil
	case "6h":
		return "SIX_HOUR", 6 * time.Hour, nil
	case "1d":
		return "ONE_DAY", 24 * time.Hour, nil
	default:
		return "", 0, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}
}

// coinbaseProduct converts "BTC/USDT" into Coinbase's "BTC-USDT" format.
func coinbaseProduct(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", "-"))
}
