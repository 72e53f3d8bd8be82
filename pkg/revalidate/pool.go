// Package revalidate runs background cache revalidation jobs on a bounded
// worker pool.
//
// Jobs are detached from the request that submitted them: each runs on the
// pool's own context with a per-job timeout, normally the revalidation lock
// TTL, so a job never outlives the lock that guards it by much. Submission
// never blocks; a full queue rejects the job and the caller decides what to
// do (the gateway releases the lock and serves a plain hit).
package revalidate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcache_revalidation_jobs_total",
		Help: "Revalidation jobs by result (submitted, rejected, succeeded, failed)",
	}, []string{"result"})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qcache_revalidation_duration_seconds",
		Help:    "Duration of revalidation jobs",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qcache_revalidation_queue_depth",
		Help: "Revalidation jobs waiting for a worker",
	})
)

// ErrPoolClosed is returned by Shutdown when called twice.
var ErrPoolClosed = errors.New("revalidation pool closed")

// Config holds worker pool configuration.
type Config struct {
	// Workers is the number of jobs that run concurrently.
	Workers int `yaml:"workers"`

	// QueueSize is the number of jobs that may wait for a worker.
	QueueSize int `yaml:"queue_size"`

	// Timeout bounds a single job.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 256,
		Timeout:   5 * time.Minute,
	}
}

// Job is one unit of background work.
type Job struct {
	// ID identifies the job in logs. A random one is assigned when empty.
	ID string

	// CacheKey is the entry being revalidated.
	CacheKey string

	// Run performs the work. ctx carries the job timeout.
	Run func(ctx context.Context) error
}

// Pool is a fixed set of workers consuming a bounded job queue.
type Pool struct {
	cfg    Config
	logger zerolog.Logger

	queue chan Job
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool starts the workers.
func NewPool(cfg Config, logger zerolog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Submit enqueues a job without blocking. It returns false when the queue
// is full or the pool is closed.
func (p *Pool) Submit(job Job) bool {
	if job.Run == nil {
		return false
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		jobsTotal.WithLabelValues("rejected").Inc()
		return false
	}

	select {
	case p.queue <- job:
		jobsTotal.WithLabelValues("submitted").Inc()
		queueDepth.Inc()
		return true
	default:
		jobsTotal.WithLabelValues("rejected").Inc()
		p.logger.Warn().
			Str("cache_key", job.CacheKey).
			Int("queue_size", p.cfg.QueueSize).
			Msg("Revalidation queue full, job rejected")
		return false
	}
}

// Pending returns the number of queued jobs not yet picked up.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Close stops accepting jobs and waits for queued and running jobs to finish.
func (p *Pool) Close() {
	_ = p.Shutdown(context.Background())
}

// Shutdown stops accepting jobs and waits for the queue to drain. If ctx
// ends first, running jobs are cancelled and ctx's error is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("revalidation pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) worker(workerID int) {
	defer p.wg.Done()
	processed := 0

	for job := range p.queue {
		queueDepth.Dec()
		p.run(workerID, job)
		processed++
	}

	if processed > 0 {
		p.logger.Debug().
			Int("worker_id", workerID).
			Int("jobs_processed", processed).
			Msg("Revalidation worker stopped")
	}
}

func (p *Pool) run(workerID int, job Job) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	err := safeRun(ctx, job.Run)
	elapsed := time.Since(start)
	jobDuration.Observe(elapsed.Seconds())

	if err != nil {
		jobsTotal.WithLabelValues("failed").Inc()
		p.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Str("cache_key", job.CacheKey).
			Int("worker_id", workerID).
			Dur("duration", elapsed).
			Msg("Revalidation job failed")
		return
	}

	jobsTotal.WithLabelValues("succeeded").Inc()
	p.logger.Debug().
		Str("job_id", job.ID).
		Str("cache_key", job.CacheKey).
		Int("worker_id", workerID).
		Dur("duration", elapsed).
		Msg("Revalidation job finished")
}

// safeRun converts a panic in fn into an error.
func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("revalidation job panicked: %v", r)
		}
	}()
	return fn(ctx)
}
