package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "1h", cfg.Timeframe)
	assert.Equal(t, 100, cfg.CandleLimit)
	assert.Equal(t, time.Minute, cfg.PollingInterval.Std())
	assert.Equal(t, "block", cfg.RateLimitPolicy)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, "log", cfg.Sink.Type)
	assert.Equal(t, time.Duration(0), cfg.ReuseWindow.Std())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"exchanges": [
			{"name": "binance", "api_key": "bk"},
			{"name": "coinbase", "api_key": "ck", "min_request_interval": "250ms"}
		],
		"symbols": ["BTC/USDT"],
		"timeframe": "5m",
		"candle_limit": 50,
		"polling_interval": "30s",
		"cache_max_age": "10m",
		"rate_limit_policy": "skip",
		"cache": {"type": "redis", "redis_addr": "localhost:6379"},
		"sink": {"type": "duckdb", "database_path": "/tmp/candles.db"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// Exchange order in the file is the failover priority.
	require.Len(t, cfg.Exchanges, 2)
	assert.Equal(t, "binance", cfg.Exchanges[0].Name)
	assert.Equal(t, "coinbase", cfg.Exchanges[1].Name)
	assert.Equal(t, 250*time.Millisecond, cfg.Exchanges[1].MinRequestInterval.Std())

	assert.Equal(t, "5m", cfg.Timeframe)
	assert.Equal(t, 50, cfg.CandleLimit)
	assert.Equal(t, 30*time.Second, cfg.PollingInterval.Std())
	assert.Equal(t, 10*time.Minute, cfg.CacheMaxAge.Std())
	assert.Equal(t, "skip", cfg.RateLimitPolicy)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, "duckdb", cfg.Sink.Type)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"exchanges": [{"name": "binance", "api_key": "from-file"}],
		"symbols": ["BTC/USDT"],
		"timeframe": "1h"
	}`)

	t.Setenv("TIMEFRAME", "15m")
	t.Setenv("SYMBOLS", "ETH/USDT, SOL/USDT")
	t.Setenv("BINANCE_API_KEY", "from-env")
	t.Setenv("POLLING_INTERVAL", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "15m", cfg.Timeframe)
	assert.Equal(t, []string{"ETH/USDT", "SOL/USDT"}, cfg.Symbols)
	assert.Equal(t, "from-env", cfg.Exchanges[0].APIKey)
	assert.Equal(t, 2*time.Minute, cfg.PollingInterval.Std())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfigFile(t, "{not json")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateAggregatesProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchanges = nil
	cfg.Symbols = []string{"BTCUSDT"}
	cfg.Timeframe = ""
	cfg.CandleLimit = -1

	err := cfg.Validate()
	require.Error(t, err)

	// Every problem is reported at once.
	assert.Contains(t, err.Error(), "exchange")
	assert.Contains(t, err.Error(), "BASE/QUOTE")
	assert.Contains(t, err.Error(), "timeframe")
	assert.Contains(t, err.Error(), "candle_limit")
}

func TestValidateExchangeNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchanges = []ExchangeConfig{
		{Name: "binance", APIKey: "k"},
		{Name: "kraken", APIKey: "k"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kraken")
}

func TestValidateDuplicateExchanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchanges = []ExchangeConfig{
		{Name: "binance", APIKey: "a"},
		{Name: "binance", APIKey: "b"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateConditionalRequirements(t *testing.T) {
	t.Run("redis cache needs an address", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Exchanges = []ExchangeConfig{{Name: "binance", APIKey: "k"}}
		cfg.Cache.Type = "redis"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis_addr")
	})

	t.Run("duckdb sink needs a path", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Exchanges = []ExchangeConfig{{Name: "binance", APIKey: "k"}}
		cfg.Sink.Type = "duckdb"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database_path")
	})

	t.Run("file logging needs a path", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Exchanges = []ExchangeConfig{{Name: "binance", APIKey: "k"}}
		cfg.Logging.Output = "file"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "file_path")
	})
}

func TestValidateRateLimitPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchanges = []ExchangeConfig{{Name: "binance", APIKey: "k"}}
	cfg.RateLimitPolicy = "bogus"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit_policy")
}

func TestDurationJSON(t *testing.T) {
	var d Duration

	require.NoError(t, d.UnmarshalJSON([]byte(`"90s"`)))
	assert.Equal(t, 90*time.Second, d.Std())

	// Bare numbers are nanoseconds.
	require.NoError(t, d.UnmarshalJSON([]byte(`1000000000`)))
	assert.Equal(t, time.Second, d.Std())

	assert.Error(t, d.UnmarshalJSON([]byte(`"not a duration"`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))

	out, err := Duration(time.Minute).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m0s"`, string(out))
}
