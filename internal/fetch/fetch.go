// Package fetch implements §4.5 of the exception clustering core: the Pull
// Fetcher, which polls a LogSource on a schedule (driven by internal/scheduler)
// and feeds whatever it finds into the same worker pool the Ingress API
// feeds.
//
// The per-type split (opensearch/elasticsearch, file, cloudwatch) follows the
// teacher's own per-sink-type adapter habit (internal/sinks has one file per
// backend, all behind a common Sink interface); here the direction is
// reversed (pull, not push) but the adapter-registry shape is the same.
package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"excluster/internal/metrics"
	"excluster/internal/store"
	"excluster/internal/workerpool"
	"excluster/pkg/errors"
	"excluster/pkg/types"
)

// Window is the closed time range (both ends inclusive) a single fetch call
// covers, per §4.5's
// "[max(last_fetch_at, now-24h), now]" rule.
type Window struct {
	Start time.Time
	End   time.Time
}

// Adapter fetches new log entries from one LogSource within window. Returning
// an empty slice and a nil error is a normal "nothing new" outcome.
type Adapter interface {
	Fetch(ctx context.Context, source types.LogSource, window Window) ([]types.NormalizedLog, error)
}

// MaxLookback bounds how far back a first-ever fetch (no last_fetch_at yet)
// will reach, per §4.5.
const MaxLookback = 24 * time.Hour

// Fetcher drives the Pull Fetcher side of §4.5, dispatching to a registered
// Adapter per LogSourceType and submitting results to the shared worker pool.
type Fetcher struct {
	store    store.Store
	pool     *workerpool.Pool
	adapters map[types.LogSourceType]Adapter
	logger   *logrus.Logger
}

// New constructs a Fetcher. Adapters are registered with Register after
// construction so callers can wire only the backends they have credentials for.
func New(s store.Store, pool *workerpool.Pool, logger *logrus.Logger) *Fetcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Fetcher{
		store:    s,
		pool:     pool,
		adapters: make(map[types.LogSourceType]Adapter),
		logger:   logger,
	}
}

// Register binds an Adapter to a LogSourceType.
func (f *Fetcher) Register(t types.LogSourceType, adapter Adapter) {
	f.adapters[t] = adapter
}

// FetchSource runs one fetch pass for a single source, called by the
// Scheduler once per due source per tick (§4.8). The service gate (§4.5:
// "skip sources belonging to a service with log_processing_enabled=false")
// is the caller's responsibility since the Scheduler already has the service
// list loaded; FetchSource itself only needs the source.
func (f *Fetcher) FetchSource(ctx context.Context, source types.LogSource) error {
	if !source.FetchEnabled {
		return nil
	}

	adapter, ok := f.adapters[source.Type]
	if !ok {
		return errors.Fetcher("fetch_source", fmt.Sprintf("no adapter registered for source type %q", source.Type))
	}

	now := time.Now().UTC()
	start := now.Add(-MaxLookback)
	if !source.LastFetchAt.IsZero() && source.LastFetchAt.After(start) {
		start = source.LastFetchAt
	}
	window := Window{Start: start, End: now}

	logs, err := adapter.Fetch(ctx, source, window)
	if err != nil {
		metrics.FetchErrorsTotal.WithLabelValues(string(source.Type)).Inc()
		_ = f.store.SetSourceConnectionStatus(ctx, source.ID, "error")
		f.logger.WithFields(logrus.Fields{
			"source_id":   source.ID,
			"source_type": source.Type,
			"error":       err,
		}).Warn("pull fetch failed")
		return errors.Fetcher("fetch_source", err.Error()).Wrap(err)
	}

	if len(logs) > 0 {
		if err := f.pool.Submit(workerpool.Batch{TaskID: "fetch-" + source.ID, Records: logs}); err != nil {
			f.logger.WithFields(logrus.Fields{
				"source_id": source.ID,
				"count":     len(logs),
				"error":     err,
			}).Warn("pull fetch results dropped, worker pool unavailable")
			return err
		}
	}

	// last_fetch_at only advances on success (§4.5 Failure semantics): a
	// failed fetch must be retried over the same window next tick, not
	// silently skip ahead.
	if err := f.store.AdvanceSourceFetchedAt(ctx, source.ID, now); err != nil {
		return errors.StoreUnavailable("advance_source_fetched_at", err.Error()).Wrap(err)
	}
	_ = f.store.SetSourceConnectionStatus(ctx, source.ID, "ok")

	f.logger.WithFields(logrus.Fields{
		"source_id":   source.ID,
		"source_type": source.Type,
		"fetched":     len(logs),
		"window_secs": window.End.Sub(window.Start).Seconds(),
	}).Debug("pull fetch completed")
	return nil
}
