package collector

import (
	"sync/atomic"
	"time"
)

// Metrics is a snapshot of collection statistics since process start.
type Metrics struct {
	BatchesCollected int64
	CandlesCollected int64
	Failovers        int64
	AuthDisabled     int64
	StaleServes      int64
	RateLimitWaits   int64
	RateLimitSkips   int64
	CacheReuses      int64
	Errors           int64
	SinkFailures     int64
	Uptime           time.Duration
}

// metricsCollector tracks collection statistics with atomic counters.
type metricsCollector struct {
	batchesCollected int64
	candlesCollected int64
	failovers        int64
	authDisabled     int64
	staleServes      int64
	rateLimitWaits   int64
	rateLimitSkips   int64
	cacheReuses      int64
	errorCount       int64
	sinkFailures     int64

	startTime time.Time
}

func newMetricsCollector() *metricsCollector {
	return &metricsCollector{startTime: time.Now()}
}

func (m *metricsCollector) recordBatch(candles int) {
	atomic.AddInt64(&m.batchesCollected, 1)
	atomic.AddInt64(&m.candlesCollected, int64(candles))
}

func (m *metricsCollector) recordFailover()      { atomic.AddInt64(&m.failovers, 1) }
func (m *metricsCollector) recordAuthDisabled()  { atomic.AddInt64(&m.authDisabled, 1) }
func (m *metricsCollector) recordStaleServe()    { atomic.AddInt64(&m.staleServes, 1) }
func (m *metricsCollector) recordRateLimitWait() { atomic.AddInt64(&m.rateLimitWaits, 1) }
func (m *metricsCollector) recordRateLimitSkip() { atomic.AddInt64(&m.rateLimitSkips, 1) }
func (m *metricsCollector) recordCacheReuse()    { atomic.AddInt64(&m.cacheReuses, 1) }
func (m *metricsCollector) recordError()         { atomic.AddInt64(&m.errorCount, 1) }
func (m *metricsCollector) recordSinkFailure()   { atomic.AddInt64(&m.sinkFailures, 1) }

// snapshot returns the current counter values.
func (m *metricsCollector) snapshot() Metrics {
	return Metrics{
		BatchesCollected: atomic.LoadInt64(&m.batchesCollected),
		CandlesCollected: atomic.LoadInt64(&m.candlesCollected),
		Failovers:        atomic.LoadInt64(&m.failovers),
		AuthDisabled:     atomic.LoadInt64(&m.authDisabled),
		StaleServes:      atomic.LoadInt64(&m.staleServes),
		RateLimitWaits:   atomic.LoadInt64(&m.rateLimitWaits),
		RateLimitSkips:   atomic.LoadInt64(&m.rateLimitSkips),
		CacheReuses:      atomic.LoadInt64(&m.cacheReuses),
		Errors:           atomic.LoadInt64(&m.errorCount),
		SinkFailures:     atomic.LoadInt64(&m.sinkFailures),
		Uptime:           time.Since(m.startTime),
	}
}
