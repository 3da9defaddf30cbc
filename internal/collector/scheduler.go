package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/aminhq/market-collector/internal/sink"
)

// SchedulerConfig configures the polling scheduler.
type SchedulerConfig struct {
	// Symbols to poll every cycle.
	Symbols []string

	// Timeframe for every job, e.g. "1h".
	Timeframe string

	// CandleLimit is how many candles each poll requests.
	CandleLimit int

	// PollingInterval is the spacing between cycles for each job.
	PollingInterval time.Duration

	// MaxConcurrentJobs bounds how many jobs run at once.
	MaxConcurrentJobs int

	// SinkRetryMaxElapsed bounds delivery retries for one batch. Zero
	// means a single attempt without retry.
	SinkRetryMaxElapsed time.Duration
}

// DefaultSchedulerConfig returns a configuration with sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Symbols:             []string{"BTC/USDT", "ETH/USDT"},
		Timeframe:           "1h",
		CandleLimit:         100,
		PollingInterval:     time.Minute,
		MaxConcurrentJobs:   5,
		SinkRetryMaxElapsed: 30 * time.Second,
	}
}

// SchedulerStats reports scheduler activity.
type SchedulerStats struct {
	TotalJobs     int
	RunningJobs   int64
	CompletedJobs int64
	FailedJobs    int64
	SkippedCycles int64
	LastRunTime   time.Time
}

// pollJob is one recurring (symbol, timeframe) collection task.
type pollJob struct {
	id        string
	symbol    string
	timeframe string

	// running guards against a cycle starting while the previous one for
	// the same job is still in flight.
	running int32
}

// Scheduler polls the collector for each configured symbol on a fixed
// interval and hands fresh batches to the sink. Stale batches served from
// cache are not delivered: the sink already has newer or equal data.
type Scheduler struct {
	config    SchedulerConfig
	collector *Collector
	sink      sink.Sink
	logger    *slog.Logger

	jobs      []*pollJob
	semaphore chan struct{}

	isRunning   int32
	shutdownCh  chan struct{}
	wg          sync.WaitGroup
	statsMu     sync.Mutex
	lastRunTime time.Time

	runningJobs   int64
	completedJobs int64
	failedJobs    int64
	skippedCycles int64
}

// NewScheduler creates a Scheduler. The sink may be nil, in which case
// batches are collected (and cached) but not delivered anywhere.
func NewScheduler(c *Collector, s sink.Sink, config SchedulerConfig, logger *slog.Logger) (*Scheduler, error) {
	if c == nil {
		return nil, errors.New("collector is required")
	}
	if len(config.Symbols) == 0 {
		return nil, errors.New("at least one symbol is required")
	}
	if config.Timeframe == "" {
		return nil, errors.New("timeframe is required")
	}
	if config.CandleLimit <= 0 {
		config.CandleLimit = DefaultSchedulerConfig().CandleLimit
	}
	if config.PollingInterval <= 0 {
		config.PollingInterval = DefaultSchedulerConfig().PollingInterval
	}
	if config.MaxConcurrentJobs <= 0 {
		config.MaxConcurrentJobs = DefaultSchedulerConfig().MaxConcurrentJobs
	}
	if logger == nil {
		logger = slog.Default()
	}

	jobs := make([]*pollJob, 0, len(config.Symbols))
	for _, symbol := range config.Symbols {
		jobs = append(jobs, &pollJob{
			id:        uuid.New().String(),
			symbol:    symbol,
			timeframe: config.Timeframe,
		})
	}

	return &Scheduler{
		config:     config,
		collector:  c,
		sink:       s,
		logger:     logger,
		jobs:       jobs,
		semaphore:  make(chan struct{}, config.MaxConcurrentJobs),
		shutdownCh: make(chan struct{}),
	}, nil
}

// Start begins polling. It returns immediately; polling runs in background
// goroutines until Stop is called or the context is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.isRunning, 0, 1) {
		return errors.New("scheduler is already running")
	}

	s.logger.Info("scheduler starting",
		"jobs", len(s.jobs),
		"timeframe", s.config.Timeframe,
		"polling_interval", s.config.PollingInterval,
		"max_concurrent_jobs", s.config.MaxConcurrentJobs,
	)

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop halts polling and waits for in-flight jobs to finish, bounded by the
// context deadline. Safe to call after the run context was canceled.
func (s *Scheduler) Stop(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&s.isRunning, 1, 0) {
		close(s.shutdownCh)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop timed out: %w", ctx.Err())
	}
}

// IsRunning reports whether the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	return atomic.LoadInt32(&s.isRunning) == 1
}

// Stats returns a snapshot of scheduler activity.
func (s *Scheduler) Stats() SchedulerStats {
	s.statsMu.Lock()
	lastRun := s.lastRunTime
	s.statsMu.Unlock()

	return SchedulerStats{
		TotalJobs:     len(s.jobs),
		RunningJobs:   atomic.LoadInt64(&s.runningJobs),
		CompletedJobs: atomic.LoadInt64(&s.completedJobs),
		FailedJobs:    atomic.LoadInt64(&s.failedJobs),
		SkippedCycles: atomic.LoadInt64(&s.skippedCycles),
		LastRunTime:   lastRun,
	}
}

// run owns the ticker loop. The first cycle fires immediately so a fresh
// process does not wait a full interval before collecting anything.
func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollingInterval)
	defer ticker.Stop()

	s.dispatchCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler context canceled")
			atomic.StoreInt32(&s.isRunning, 0)
			return
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			s.dispatchCycle(ctx)
		}
	}
}

// dispatchCycle launches one poll per job, skipping jobs whose previous
// cycle is still running.
func (s *Scheduler) dispatchCycle(ctx context.Context) {
	s.statsMu.Lock()
	s.lastRunTime = time.Now()
	s.statsMu.Unlock()

	for _, job := range s.jobs {
		if !atomic.CompareAndSwapInt32(&job.running, 0, 1) {
			atomic.AddInt64(&s.skippedCycles, 1)
			s.logger.Warn("previous cycle still running, skipping",
				"job_id", job.id, "symbol", job.symbol, "timeframe", job.timeframe)
			continue
		}

		s.wg.Add(1)
		go func(job *pollJob) {
			defer s.wg.Done()
			defer atomic.StoreInt32(&job.running, 0)

			select {
			case s.semaphore <- struct{}{}:
				defer func() { <-s.semaphore }()
			case <-ctx.Done():
				return
			case <-s.shutdownCh:
				return
			}

			s.executeJob(ctx, job)
		}(job)
	}
}

// executeJob runs one collection cycle for a job and delivers the batch.
func (s *Scheduler) executeJob(ctx context.Context, job *pollJob) {
	atomic.AddInt64(&s.runningJobs, 1)
	defer atomic.AddInt64(&s.runningJobs, -1)

	start := time.Now()
	result, err := s.collector.Collect(ctx, job.symbol, job.timeframe, s.config.CandleLimit)
	if err != nil {
		atomic.AddInt64(&s.failedJobs, 1)
		s.logger.Error("collection cycle failed",
			"job_id", job.id, "symbol", job.symbol, "timeframe", job.timeframe,
			"duration", time.Since(start), "error", err)
		return
	}

	if result.Stale {
		// Cached data was already delivered when it was fresh.
		atomic.AddInt64(&s.completedJobs, 1)
		s.logger.Warn("collection cycle served cached data",
			"job_id", job.id, "symbol", job.symbol, "timeframe", job.timeframe,
			"exchange", result.Exchange, "age", result.Age)
		return
	}

	if s.sink != nil {
		if err := s.deliver(ctx, result); err != nil {
			s.collector.metrics.recordSinkFailure()
			s.logger.Error("batch delivery failed",
				"job_id", job.id, "symbol", job.symbol, "timeframe", job.timeframe,
				"exchange", result.Exchange, "error", err)
		}
	}

	atomic.AddInt64(&s.completedJobs, 1)
	s.logger.Debug("collection cycle complete",
		"job_id", job.id, "symbol", job.symbol, "timeframe", job.timeframe,
		"exchange", result.Exchange, "candles", len(result.Batch.Candles),
		"duration", time.Since(start))
}

// deliver hands a batch to the sink, retrying transient failures with
// exponential backoff.
func (s *Scheduler) deliver(ctx context.Context, result *Result) error {
	if s.config.SinkRetryMaxElapsed <= 0 {
		return s.sink.Deliver(ctx, result.Batch)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = s.config.SinkRetryMaxElapsed

	return backoff.Retry(func() error {
		return s.sink.Deliver(ctx, result.Batch)
	}, backoff.WithContext(policy, ctx))
}
