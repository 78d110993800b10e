// Package cluster implements §4.7 of the exception clustering core, the
// heart of the system: assigning an ExceptionRecord to a cluster, creating
// one on first sight, and maintaining its counters.
//
// The cluster key is deliberately narrow — (service_id, fingerprint_static)
// — rather than a fuzzy similarity score, following the 2-of-3-signal design
// narrative in the retrieval pack's clustering.go on why a cluster key must
// be stable and content-derived. The correctness-critical part of this
// package, serializing create against the key, is delegated entirely to the
// Store Adapter (internal/store): Clusterer itself stays thin, exactly the
// shape spec.md §4.9 assigns it ("FindOrCreateCluster ... must be
// serializable on key").
package cluster

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"excluster/internal/metrics"
	"excluster/internal/store"
	"excluster/pkg/errors"
	"excluster/pkg/types"
)

// Clusterer assigns ExceptionRecords to clusters via the Store Adapter.
type Clusterer struct {
	store  store.Store
	logger *logrus.Logger
}

// New constructs a Clusterer bound to store.
func New(s store.Store, logger *logrus.Logger) *Clusterer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Clusterer{store: s, logger: logger}
}

// Assign implements the §4.7 assignment protocol: look up a cluster by key,
// and on a miss create one atomically via the Store Adapter. The returned
// created flag tells the caller whether to fire the "cluster created"
// downstream signal instead of "cluster hit" (§4.6 step 4).
func (c *Clusterer) Assign(ctx context.Context, rec types.ExceptionRecord) (clusterID string, created bool, err error) {
	key := store.ClusterKey{ServiceID: rec.ServiceID, FingerprintStatic: rec.FingerprintStatic}

	id, created, err := c.store.FindOrCreateCluster(ctx, key, rec)
	if err != nil {
		return "", false, errors.StoreUnavailable("find_or_create_cluster", err.Error()).Wrap(err)
	}

	if created {
		metrics.ClusterCreatedTotal.WithLabelValues(rec.ServiceID).Inc()
		c.logger.WithFields(logrus.Fields{
			"service_id":         rec.ServiceID,
			"fingerprint_static": rec.FingerprintStatic,
			"cluster_id":         id,
		}).Info("created new exception cluster")
		return id, true, nil
	}

	if err := c.store.TouchCluster(ctx, id, time.Now().UTC()); err != nil {
		// §4.7 Failure semantics: a write failure after the key resolves
		// must not create a duplicate cluster. We already have the id;
		// report the miss as a warning and let the caller retry upstream.
		c.logger.WithFields(logrus.Fields{
			"cluster_id": id,
			"error":      err,
		}).Warn("failed to touch cluster after resolving key")
		return "", false, errors.StoreUnavailable("touch_cluster", err.Error()).Wrap(err)
	}

	metrics.ClusterHitTotal.WithLabelValues(rec.ServiceID).Inc()
	c.logger.WithFields(logrus.Fields{
		"service_id":         rec.ServiceID,
		"fingerprint_static": rec.FingerprintStatic,
		"cluster_id":         id,
	}).Debug("matched existing exception cluster")
	return id, false, nil
}

// SetStatus performs an idempotent status transition (§4.7 Status
// transitions, §8 item 8).
func (c *Clusterer) SetStatus(ctx context.Context, clusterID string, status types.ClusterStatus, actor string) error {
	return c.store.SetClusterStatus(ctx, clusterID, status, actor, time.Now().UTC())
}

// Get returns the full cluster detail for the query API (§6).
func (c *Clusterer) Get(ctx context.Context, clusterID string) (*types.ExceptionCluster, error) {
	return c.store.GetCluster(ctx, clusterID)
}

// List returns a filtered, paginated cluster summary list for the query API (§6).
func (c *Clusterer) List(ctx context.Context, filter store.ClusterFilter) ([]types.ExceptionCluster, error) {
	return c.store.ListClusters(ctx, filter)
}
