// Command collectd runs the market data collection daemon. It polls the
// configured exchanges for OHLCV candles on a fixed interval, failing over
// between exchanges and caching results, and delivers fresh batches to the
// configured sink until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aminhq/market-collector/internal/cache"
	"github.com/aminhq/market-collector/internal/collector"
	"github.com/aminhq/market-collector/internal/config"
	"github.com/aminhq/market-collector/internal/exchange"
	"github.com/aminhq/market-collector/internal/logger"
	"github.com/aminhq/market-collector/internal/ratelimit"
	"github.com/aminhq/market-collector/internal/sink"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to JSON configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("collectd starting",
		"exchanges", len(cfg.Exchanges),
		"symbols", cfg.Symbols,
		"timeframe", cfg.Timeframe,
		"polling_interval", cfg.PollingInterval.Std(),
	)

	clients := buildClients(ctx, cfg, log.Component("exchange"))
	if len(clients) == 0 {
		log.Error("no usable exchanges, exiting")
		return 1
	}

	batchCache, err := buildCache(cfg)
	if err != nil {
		log.Error("cache setup failed", "error", err)
		return 1
	}

	batchSink, err := buildSink(cfg, log.Component("sink"))
	if err != nil {
		log.Error("sink setup failed", "error", err)
		return 1
	}
	defer batchSink.Close()

	policy, err := ratelimit.ParsePolicy(cfg.RateLimitPolicy)
	if err != nil {
		log.Error("invalid rate limit policy", "error", err)
		return 1
	}

	coll, err := collector.New(clients, batchCache, collector.Config{
		RequestTimeout:  cfg.RequestTimeout.Std(),
		RateLimitPolicy: policy,
		ReuseWindow:     cfg.ReuseWindow.Std(),
		Logger:          log.Component("collector"),
	})
	if err != nil {
		log.Error("collector setup failed", "error", err)
		return 1
	}

	sched, err := collector.NewScheduler(coll, batchSink, collector.SchedulerConfig{
		Symbols:             cfg.Symbols,
		Timeframe:           cfg.Timeframe,
		CandleLimit:         cfg.CandleLimit,
		PollingInterval:     cfg.PollingInterval.Std(),
		MaxConcurrentJobs:   cfg.MaxConcurrentJobs,
		SinkRetryMaxElapsed: 30 * time.Second,
	}, log.Component("scheduler"))
	if err != nil {
		log.Error("scheduler setup failed", "error", err)
		return 1
	}

	if err := sched.Start(ctx); err != nil {
		log.Error("scheduler start failed", "error", err)
		return 1
	}

	<-ctx.Done()
	log.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		log.Error("scheduler stop failed", "error", err)
		return 1
	}

	metrics := coll.Metrics()
	log.Info("collectd stopped",
		"batches_collected", metrics.BatchesCollected,
		"candles_collected", metrics.CandlesCollected,
		"failovers", metrics.Failovers,
		"stale_serves", metrics.StaleServes,
		"errors", metrics.Errors,
	)
	return 0
}

// buildClients constructs a client per configured exchange, in priority
// order. Exchanges without credentials or failing connection setup are
// logged and excluded for this run.
func buildClients(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) []exchange.Client {
	clients := make([]exchange.Client, 0, len(cfg.Exchanges))
	timeout := cfg.RequestTimeout.Std()

	for _, ec := range cfg.Exchanges {
		if ec.APIKey == "" {
			log.Warn("exchange has no credentials, excluding", "exchange", ec.Name)
			continue
		}

		var (
			client exchange.Client
			err    error
		)
		switch ec.Name {
		case "binance":
			client, err = exchange.NewBinanceClient(ctx, ec.APIKey, timeout, log,
				exchange.WithBinanceMinInterval(ec.MinRequestInterval.Std()))
		case "coinbase":
			client, err = exchange.NewCoinbaseClient(ctx, ec.APIKey, timeout, log,
				exchange.WithCoinbaseMinInterval(ec.MinRequestInterval.Std()))
		default:
			log.Warn("unknown exchange, excluding", "exchange", ec.Name)
			continue
		}
		if err != nil {
			log.Error("exchange connection failed, excluding for this run",
				"exchange", ec.Name, "error", err)
			continue
		}

		log.Info("exchange connected",
			"exchange", client.Name(),
			"min_request_interval", client.MinRequestInterval())
		clients = append(clients, client)
	}
	return clients
}

// buildCache selects the cache backend.
func buildCache(cfg *config.AppConfig) (cache.Cache, error) {
	switch cfg.Cache.Type {
	case "", "memory":
		return cache.NewMemoryCache(cfg.CacheMaxAge.Std()), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
		})
		return cache.NewRedisCache(rdb, cfg.CacheMaxAge.Std(), cfg.Cache.Retention.Std(), ""), nil
	default:
		return nil, fmt.Errorf("unknown cache type %q", cfg.Cache.Type)
	}
}

// buildSink selects the delivery sink.
func buildSink(cfg *config.AppConfig, log *slog.Logger) (sink.Sink, error) {
	switch cfg.Sink.Type {
	case "", "log":
		return sink.NewLogSink(log), nil
	case "duckdb":
		return sink.NewDuckDBSink(cfg.Sink.DatabasePath, log)
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Sink.Type)
	}
}
