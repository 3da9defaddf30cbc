// Package config loads and validates the collector configuration. Values are
// layered: defaults, then the JSON configuration file, then environment
// variables, with later sources overriding earlier ones.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig is the complete application configuration.
type AppConfig struct {
	// Exchanges in priority order: the first entry is tried first on
	// every collection attempt, later entries are failover targets.
	Exchanges []ExchangeConfig `json:"exchanges"`

	// Symbols to collect, e.g. "BTC/USDT".
	Symbols []string `json:"symbols" env:"SYMBOLS"`

	// Timeframe for all collection jobs, e.g. "1h".
	Timeframe string `json:"timeframe" env:"TIMEFRAME"`

	// CandleLimit is how many candles each poll requests.
	CandleLimit int `json:"candle_limit" env:"CANDLE_LIMIT"`

	// PollingInterval is the spacing between collection cycles.
	PollingInterval Duration `json:"polling_interval" env:"POLLING_INTERVAL"`

	// RequestTimeout bounds a single exchange fetch.
	RequestTimeout Duration `json:"request_timeout" env:"REQUEST_TIMEOUT"`

	// CacheMaxAge is the staleness threshold for cached batches.
	CacheMaxAge Duration `json:"cache_max_age" env:"CACHE_MAX_AGE"`

	// ReuseWindow lets collection answer from cache without touching any
	// exchange when a batch younger than the window exists. Zero disables
	// the fast path.
	ReuseWindow Duration `json:"reuse_window" env:"REUSE_WINDOW"`

	// RateLimitPolicy is "block" (wait out a closed gate) or "skip"
	// (move to the next exchange).
	RateLimitPolicy string `json:"rate_limit_policy" env:"RATE_LIMIT_POLICY"`

	// MaxConcurrentJobs bounds parallel collection jobs.
	MaxConcurrentJobs int `json:"max_concurrent_jobs" env:"MAX_CONCURRENT_JOBS"`

	Cache   CacheConfig   `json:"cache"`
	Sink    SinkConfig    `json:"sink"`
	Logging LoggingConfig `json:"logging"`
}

// ExchangeConfig configures one exchange connection.
type ExchangeConfig struct {
	// Name selects the adapter: "binance" or "coinbase".
	Name string `json:"name"`

	// APIKey and APISecret are the exchange credentials. Exchanges
	// without credentials are excluded at startup.
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`

	// MinRequestInterval overrides the adapter's advertised spacing
	// between requests. Zero keeps the adapter default.
	MinRequestInterval Duration `json:"min_request_interval"`
}

// CacheConfig configures the short-term batch cache.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string `json:"type" env:"CACHE_TYPE"`

	// RedisAddr is the Redis host:port, used when Type is "redis".
	RedisAddr string `json:"redis_addr" env:"CACHE_REDIS_ADDR"`

	// RedisPassword is the Redis auth password, if any.
	RedisPassword string `json:"redis_password" env:"CACHE_REDIS_PASSWORD"`

	// Retention bounds how long entries live in Redis. Zero uses the
	// cache's default.
	Retention Duration `json:"retention" env:"CACHE_RETENTION"`
}

// SinkConfig configures where collected batches are delivered.
type SinkConfig struct {
	// Type is "log" or "duckdb".
	Type string `json:"type" env:"SINK_TYPE"`

	// DatabasePath is the DuckDB file path, used when Type is "duckdb".
	DatabasePath string `json:"database_path" env:"SINK_DATABASE_PATH"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`
	MaxSize    int    `json:"max_size" env:"LOG_MAX_SIZE"`
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAge     int    `json:"max_age" env:"LOG_MAX_AGE"`
	Compress   bool   `json:"compress" env:"LOG_COMPRESS"`
}

// Duration is a time.Duration that marshals as a string like "5m" or "30s".
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Symbols:           []string{"BTC/USDT", "ETH/USDT"},
		Timeframe:         "1h",
		CandleLimit:       100,
		PollingInterval:   Duration(time.Minute),
		RequestTimeout:    Duration(10 * time.Second),
		CacheMaxAge:       Duration(15 * time.Minute),
		ReuseWindow:       0,
		RateLimitPolicy:   "block",
		MaxConcurrentJobs: 5,
		Cache: CacheConfig{
			Type:      "memory",
			Retention: Duration(24 * time.Hour),
		},
		Sink: SinkConfig{
			Type: "log",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// Load builds the configuration from defaults, the optional JSON file at
// path, and environment variables, then validates the result.
func Load(path string) (*AppConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFromFile overlays the JSON file at path onto cfg.
func loadFromFile(cfg *AppConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// loadFromEnv overlays environment variables onto cfg. Unset variables leave
// the current value in place.
func loadFromEnv(cfg *AppConfig) {
	if v := os.Getenv("SYMBOLS"); v != "" {
		parts := strings.Split(v, ",")
		symbols := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				symbols = append(symbols, p)
			}
		}
		if len(symbols) > 0 {
			cfg.Symbols = symbols
		}
	}
	setString(&cfg.Timeframe, "TIMEFRAME")
	setInt(&cfg.CandleLimit, "CANDLE_LIMIT")
	setDuration(&cfg.PollingInterval, "POLLING_INTERVAL")
	setDuration(&cfg.RequestTimeout, "REQUEST_TIMEOUT")
	setDuration(&cfg.CacheMaxAge, "CACHE_MAX_AGE")
	setDuration(&cfg.ReuseWindow, "REUSE_WINDOW")
	setString(&cfg.RateLimitPolicy, "RATE_LIMIT_POLICY")
	setInt(&cfg.MaxConcurrentJobs, "MAX_CONCURRENT_JOBS")

	setString(&cfg.Cache.Type, "CACHE_TYPE")
	setString(&cfg.Cache.RedisAddr, "CACHE_REDIS_ADDR")
	setString(&cfg.Cache.RedisPassword, "CACHE_REDIS_PASSWORD")
	setDuration(&cfg.Cache.Retention, "CACHE_RETENTION")

	setString(&cfg.Sink.Type, "SINK_TYPE")
	setString(&cfg.Sink.DatabasePath, "SINK_DATABASE_PATH")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.Output, "LOG_OUTPUT")
	setString(&cfg.Logging.FilePath, "LOG_FILE_PATH")
	setInt(&cfg.Logging.MaxSize, "LOG_MAX_SIZE")
	setInt(&cfg.Logging.MaxBackups, "LOG_MAX_BACKUPS")
	setInt(&cfg.Logging.MaxAge, "LOG_MAX_AGE")
	setBool(&cfg.Logging.Compress, "LOG_COMPRESS")

	// Per-exchange credentials: BINANCE_API_KEY, COINBASE_API_SECRET, etc.
	for i := range cfg.Exchanges {
		prefix := strings.ToUpper(cfg.Exchanges[i].Name)
		setString(&cfg.Exchanges[i].APIKey, prefix+"_API_KEY")
		setString(&cfg.Exchanges[i].APISecret, prefix+"_API_SECRET")
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// Validate checks the configuration and aggregates every problem found.
func (c *AppConfig) Validate() error {
	var problems []string

	if len(c.Exchanges) == 0 {
		problems = append(problems, "at least one exchange must be configured")
	}
	seen := make(map[string]bool)
	for i, ex := range c.Exchanges {
		switch ex.Name {
		case "binance", "coinbase":
		case "":
			problems = append(problems, fmt.Sprintf("exchanges[%d]: name is required", i))
		default:
			problems = append(problems, fmt.Sprintf("exchanges[%d]: unknown exchange %q", i, ex.Name))
		}
		if ex.Name != "" && seen[ex.Name] {
			problems = append(problems, fmt.Sprintf("exchanges[%d]: duplicate exchange %q", i, ex.Name))
		}
		seen[ex.Name] = true
	}

	if len(c.Symbols) == 0 {
		problems = append(problems, "at least one symbol is required")
	}
	for i, symbol := range c.Symbols {
		if !strings.Contains(symbol, "/") {
			problems = append(problems, fmt.Sprintf("symbols[%d]: %q must be in BASE/QUOTE form", i, symbol))
		}
	}

	if c.Timeframe == "" {
		problems = append(problems, "timeframe is required")
	}
	if c.CandleLimit <= 0 {
		problems = append(problems, "candle_limit must be positive")
	}
	if c.PollingInterval <= 0 {
		problems = append(problems, "polling_interval must be positive")
	}
	if c.RequestTimeout <= 0 {
		problems = append(problems, "request_timeout must be positive")
	}
	if c.CacheMaxAge <= 0 {
		problems = append(problems, "cache_max_age must be positive")
	}
	if c.ReuseWindow < 0 {
		problems = append(problems, "reuse_window must not be negative")
	}
	if c.MaxConcurrentJobs <= 0 {
		problems = append(problems, "max_concurrent_jobs must be positive")
	}

	switch c.RateLimitPolicy {
	case "", "block", "skip":
	default:
		problems = append(problems, fmt.Sprintf("rate_limit_policy %q must be \"block\" or \"skip\"", c.RateLimitPolicy))
	}

	switch c.Cache.Type {
	case "", "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			problems = append(problems, "cache.redis_addr is required when cache.type is \"redis\"")
		}
	default:
		problems = append(problems, fmt.Sprintf("cache.type %q must be \"memory\" or \"redis\"", c.Cache.Type))
	}

	switch c.Sink.Type {
	case "", "log":
	case "duckdb":
		if c.Sink.DatabasePath == "" {
			problems = append(problems, "sink.database_path is required when sink.type is \"duckdb\"")
		}
	default:
		problems = append(problems, fmt.Sprintf("sink.type %q must be \"log\" or \"duckdb\"", c.Sink.Type))
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is not a valid level", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q must be \"json\" or \"text\"", c.Logging.Format))
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		problems = append(problems, "logging.file_path is required when logging.output is \"file\"")
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
