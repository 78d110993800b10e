// Package workerpool implements §4.6 of the exception clustering core: a
// bounded pool of workers consuming a single FIFO queue of batches, driving
// each record through dedup → extract → cluster and firing fire-and-forget
// downstream signals.
//
// Shape is grounded in the teacher's pkg/workerpool/worker_pool.go
// (fixed-size worker slice, buffered task channel, WaitGroup-coordinated
// shutdown) combined with internal/dispatcher/dispatcher.go's habit of
// wiring a queue directly to the dedup and rate-limit managers. Unlike the
// teacher's pool, there is no per-worker task channel/round-robin dispatch:
// spec.md §4.6 calls for "a single FIFO queue ... consuming", so workers
// here pull straight off one buffered channel, which is simpler and
// preserves strict FIFO order without an assignment step.
package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"excluster/internal/cluster"
	"excluster/internal/dedup"
	"excluster/internal/extract"
	"excluster/internal/metrics"
	"excluster/pkg/errors"
	"excluster/pkg/types"
)

// Notifier receives the fire-and-forget downstream signals named in §4.6
// step 4. The real notification/indexing collaborators live outside the
// core (spec.md §1); callers that don't need them can use NoopNotifier.
// Calls must not block the worker for more than a short timeout.
type Notifier interface {
	NotifyClusterCreated(ctx context.Context, cluster types.ExceptionCluster)
	NotifyClusterHit(ctx context.Context, clusterID string, rec types.ExceptionRecord)
}

// NoopNotifier discards every signal.
type NoopNotifier struct{}

func (NoopNotifier) NotifyClusterCreated(ctx context.Context, cluster types.ExceptionCluster)    {}
func (NoopNotifier) NotifyClusterHit(ctx context.Context, clusterID string, rec types.ExceptionRecord) {}

// Batch is one unit of work: a set of NormalizedLogs from a single source,
// processed by one worker, in submission order (§4.4 Ordering, §4.6).
type Batch struct {
	TaskID  string
	Records []types.NormalizedLog
}

// Config controls pool sizing and the deadlines named in §5/§6.
type Config struct {
	PoolSize        int           // default 8, spec.md §6 worker.pool_size
	QueueCapacity   int           // default 10000, worker.queue_capacity
	EnqueueTimeout  time.Duration // how long Submit blocks before reporting overflow
	RecordDeadline  time.Duration // default 5s, worker.record_deadline_ms
	ShutdownGrace   time.Duration // default 30s, worker.shutdown_grace_seconds
}

func (c *Config) setDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 8
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 10000
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 2 * time.Second
	}
	if c.RecordDeadline <= 0 {
		c.RecordDeadline = 5 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// Pool is the bounded worker pool of §4.6.
type Pool struct {
	cfg Config

	dedup       *dedup.Cache
	clusterer   *cluster.Clusterer
	extractOpts extract.Options
	notifier    Notifier
	logger      *logrus.Logger

	queue   chan Batch
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// New constructs a Pool wired to the shared dedup cache and Clusterer.
func New(cfg Config, dedupCache *dedup.Cache, clusterer *cluster.Clusterer, extractOpts extract.Options, notifier Notifier, logger *logrus.Logger) *Pool {
	cfg.setDefaults()
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:         cfg,
		dedup:       dedupCache,
		clusterer:   clusterer,
		extractOpts: extractOpts,
		notifier:    notifier,
		logger:      logger,
		queue:       make(chan Batch, cfg.QueueCapacity),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the fixed-size worker set.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	for i := 0; i < p.cfg.PoolSize; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	p.logger.WithFields(logrus.Fields{
		"pool_size":      p.cfg.PoolSize,
		"queue_capacity": p.cfg.QueueCapacity,
	}).Info("worker pool started")
}

// Submit enqueues batch for processing. If the queue is full for longer
// than cfg.EnqueueTimeout, it returns an explicit overflow error instead of
// blocking indefinitely, per §4.6 Backpressure.
func (p *Pool) Submit(batch Batch) error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return errors.Shutdown("submit", "worker pool is not running")
	}

	metrics.QueueDepth.Set(float64(len(p.queue)))
	select {
	case p.queue <- batch:
		metrics.QueueDepth.Set(float64(len(p.queue)))
		return nil
	case <-time.After(p.cfg.EnqueueTimeout):
		metrics.QueueOverflowTotal.Inc()
		return errors.New(errCodeQueueOverflow, "workerpool", "submit", "queue full, batch rejected").WithSeverity("high")
	case <-p.ctx.Done():
		return errors.Shutdown("submit", "worker pool is draining")
	}
}

const errCodeQueueOverflow = "QUEUE_OVERFLOW"

// Stop drains the current queue for up to ShutdownGrace, then abandons
// whatever remains (§4.6 Cancellation, §5 Cancellation and timeout).
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool draining")
	close(p.queue)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained cleanly")
	case <-time.After(p.cfg.ShutdownGrace):
		p.logger.Warn("worker pool shutdown grace period exceeded, abandoning remaining work")
		p.cancel()
		<-done
	}
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	for batch := range p.queue {
		metrics.QueueDepth.Set(float64(len(p.queue)))
		p.processBatch(id, batch)
	}
}

// processBatch runs every record in batch through the pipeline in
// submission order, on this one worker, per §4.4 Ordering/§4.6.
func (p *Pool) processBatch(workerID int, batch Batch) {
	for _, log := range batch.Records {
		p.processRecord(log)
	}
}

func (p *Pool) processRecord(log types.NormalizedLog) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.RecordDeadline)
	defer cancel()

	if p.dedup != nil {
		hash := dedup.ContentHash(log)
		if p.dedup.IsDuplicate(log.ServiceID, hash) {
			return
		}
	}

	rec, ok := extract.Extract(log, p.extractOpts)
	if !ok {
		metrics.ExtractionOutcomeTotal.WithLabelValues("not_exception").Inc()
		return
	}
	if rec.HasStackTrace {
		metrics.ExtractionOutcomeTotal.WithLabelValues("stack_traced").Inc()
	} else {
		metrics.ExtractionOutcomeTotal.WithLabelValues("stack_less").Inc()
		extractionErr := errors.Extraction("parse_frames", "no stack frames found, clustering by message template").
			WithMetadata("service_id", log.ServiceID).
			WithMetadata("log_id", log.LogID)
		p.logger.WithFields(logrus.Fields(extractionErr.ToMap())).Debug("extraction fell back to template clustering")
	}

	select {
	case <-ctx.Done():
		metrics.RecordDeadlineExceededTotal.Inc()
		p.logger.WithFields(logrus.Fields{
			"service_id": log.ServiceID,
			"log_id":     log.LogID,
		}).Warn("record dropped: deadline exceeded before clustering")
		return
	default:
	}

	// StoreUnavailable (§7): bounded retry with exponential backoff.
	const assignAttempts = 3
	var clusterID string
	var created bool
	var err error
	for attempt := 0; attempt < assignAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(10<<attempt) * time.Millisecond):
			}
		}
		if clusterID, created, err = p.clusterer.Assign(ctx, rec); err == nil || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"service_id": log.ServiceID,
			"log_id":     log.LogID,
			"error":      err,
		}).Error("cluster assignment failed, record dropped")
		return
	}

	if created {
		c, getErr := p.clusterer.Get(ctx, clusterID)
		if getErr == nil {
			p.notifier.NotifyClusterCreated(ctx, *c)
		}
	} else {
		p.notifier.NotifyClusterHit(ctx, clusterID, rec)
	}
}
